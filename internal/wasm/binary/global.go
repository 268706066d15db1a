package binary

import (
	"fmt"
	"io"

	"github.com/floretta/floretta/internal/wasm"
)

func decodeGlobal(r io.Reader) (*wasm.Global, error) {
	gt, err := decodeGlobalType(r)
	if err != nil {
		return nil, fmt.Errorf("read global type: %v", err)
	}

	init, err := decodeConstantExpression(r)
	if err != nil {
		return nil, fmt.Errorf("get init expression: %v", err)
	}

	return &wasm.Global{
		Type: gt,
		Init: init,
	}, nil
}

// decodeGlobalType returns the wasm.GlobalType decoded with the WebAssembly 1.0 (MVP) Binary Format.
//
// See https://www.w3.org/TR/wasm-core-1/#global-types%E2%91%A0
func decodeGlobalType(r io.Reader) (*wasm.GlobalType, error) {
	vt, err := decodeValueTypes(r, 1)
	if err != nil {
		return nil, fmt.Errorf("read value type: %w", err)
	}

	ret := &wasm.GlobalType{
		ValType: vt[0],
	}

	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read mutablity: %w", err)
	}

	switch mut := b[0]; mut {
	case 0x00: // not mutable
	case 0x01: // mutable
		ret.Mutable = true
	default:
		return nil, fmt.Errorf("%w for mutability: %#x != 0x00 or 0x01", ErrInvalidByte, mut)
	}
	return ret, nil
}

// encodeGlobal returns the wasm.Global encoded in WebAssembly 1.0 (MVP) Binary Format.
//
// See https://www.w3.org/TR/wasm-core-1/#global-section%E2%91%A0
func encodeGlobal(g *wasm.Global) []byte {
	data := encodeGlobalType(g.Type)
	return append(data, encodeConstantExpression(g.Init)...)
}

// encodeGlobalType returns the wasm.GlobalType encoded in WebAssembly 1.0 (MVP) Binary Format.
//
// See https://www.w3.org/TR/wasm-core-1/#global-types%E2%91%A0
func encodeGlobalType(t *wasm.GlobalType) []byte {
	var mutable byte
	if t.Mutable {
		mutable = 1
	}
	return []byte{t.ValType, mutable}
}
