package binary

import (
	"fmt"
	"io"
	"math"

	"github.com/floretta/floretta/internal/leb128"
	"github.com/floretta/floretta/internal/wasm"
)

func decodeCode(r io.Reader) (*wasm.Code, error) {
	ss, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get the size of code: %w", err)
	}

	r = io.LimitReader(r, int64(ss))

	// parse locals
	ls, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get the size locals: %v", err)
	}

	var nums []uint64
	var types []wasm.ValueType
	var sum uint64
	b := make([]byte, 1)
	for i := uint32(0); i < ls; i++ {
		n, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read n of locals: %v", err)
		}
		sum += uint64(n)
		nums = append(nums, uint64(n))

		_, err = io.ReadFull(r, b)
		if err != nil {
			return nil, fmt.Errorf("read type of local: %v", err)
		}
		switch vt := b[0]; vt {
		case wasm.ValueTypeI32, wasm.ValueTypeF32, wasm.ValueTypeI64, wasm.ValueTypeF64:
			types = append(types, vt)
		default:
			return nil, fmt.Errorf("%w: invalid local type: 0x%x", wasm.ErrInvalidModule, vt)
		}
	}

	if sum > math.MaxUint32 {
		return nil, fmt.Errorf("%w: too many locals: %d", wasm.ErrInvalidModule, sum)
	}

	var localTypes []wasm.ValueType
	for i, num := range nums {
		t := types[i]
		for j := uint64(0); j < num; j++ {
			localTypes = append(localTypes, t)
		}
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if len(body) == 0 || body[len(body)-1] != wasm.OpcodeEnd {
		return nil, fmt.Errorf("%w: expression not terminated with OpcodeEnd", wasm.ErrInvalidModule)
	}

	return &wasm.Code{
		Body:       body,
		LocalTypes: localTypes,
	}, nil
}

// encodeCode returns the wasm.Code encoded in WebAssembly 1.0 (MVP) Binary Format.
//
// Runs of equally-typed locals compress into single entries.
//
// See https://www.w3.org/TR/wasm-core-1/#binary-code
func encodeCode(c *wasm.Code) []byte {
	// Compress runs of the same type into (count, type) entries.
	var entries [][2]uint32 // count, type
	for _, t := range c.LocalTypes {
		if n := len(entries); n > 0 && entries[n-1][1] == uint32(t) {
			entries[n-1][0]++
		} else {
			entries = append(entries, [2]uint32{1, uint32(t)})
		}
	}

	data := leb128.EncodeUint32(uint32(len(entries)))
	for _, e := range entries {
		data = append(data, leb128.EncodeUint32(e[0])...)
		data = append(data, byte(e[1]))
	}
	data = append(data, c.Body...)
	return encodeSizePrefixed(data)
}
