package binary

import (
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/floretta/floretta/internal/leb128"
	"github.com/floretta/floretta/internal/wasm"
)

var noValType = []byte{0}

// encodedValTypes is a cache of size prefixed binary encoding of known val types.
var encodedValTypes = map[wasm.ValueType][]byte{
	wasm.ValueTypeI32: {1, wasm.ValueTypeI32},
	wasm.ValueTypeI64: {1, wasm.ValueTypeI64},
	wasm.ValueTypeF32: {1, wasm.ValueTypeF32},
	wasm.ValueTypeF64: {1, wasm.ValueTypeF64},
}

// encodeValTypes fast paths binary encoding of common value type lengths
func encodeValTypes(vt []wasm.ValueType) []byte {
	switch len(vt) {
	case 0:
		return noValType
	case 1:
		if encoded, ok := encodedValTypes[vt[0]]; ok {
			return encoded
		}
	case 2:
		return []byte{2, vt[0], vt[1]}
	}
	count := leb128.EncodeUint32(uint32(len(vt)))
	return append(count, vt...)
}

func decodeValueTypes(r io.Reader, num uint32) ([]wasm.ValueType, error) {
	if num == 0 {
		return nil, nil
	}
	ret := make([]wasm.ValueType, num)
	buf := make([]wasm.ValueType, num)
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return nil, err
	}

	for i, v := range buf {
		switch v {
		case wasm.ValueTypeI32, wasm.ValueTypeF32, wasm.ValueTypeI64, wasm.ValueTypeF64:
			ret[i] = v
		default:
			return nil, fmt.Errorf("%w: invalid value type: %d", wasm.ErrInvalidModule, v)
		}
	}
	return ret, nil
}

// decodeUTF8 decodes a size-prefixed string from the reader, erroring when it
// isn't valid UTF-8. The context is used to format the error message.
func decodeUTF8(r io.Reader, context string, args ...interface{}) (string, uint32, error) {
	size, sizeOfSize, err := leb128.DecodeUint32(r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read %s size: %w", fmt.Sprintf(context, args...), err)
	}

	buf := make([]byte, size)
	if _, err = io.ReadFull(r, buf); err != nil {
		return "", 0, fmt.Errorf("failed to read %s: %w", fmt.Sprintf(context, args...), err)
	}

	if !utf8.Valid(buf) {
		return "", 0, fmt.Errorf("%s is not valid UTF-8", fmt.Sprintf(context, args...))
	}

	return string(buf), size + uint32(sizeOfSize), nil
}

// encodeSizePrefixed encodes the data prefixed by their size.
func encodeSizePrefixed(data []byte) []byte {
	size := leb128.EncodeUint32(uint32(len(data)))
	return append(size, data...)
}
