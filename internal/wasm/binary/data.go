package binary

import (
	"fmt"
	"io"

	"github.com/floretta/floretta/internal/leb128"
	"github.com/floretta/floretta/internal/wasm"
)

// decodeDataSegment decodes an active data segment. The leading index doubles
// as the segment flags under the bulk-memory proposal: passive segments (flag
// 0x01) are rejected as unsupported, flag 0x02 is followed by an explicit
// memory index (the form encodeDataSegment emits for nonzero memories), and
// any other value is taken as the memory index itself.
func decodeDataSegment(r io.Reader) (*wasm.DataSegment, error) {
	memidx, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read memory index: %v", err)
	}

	if memidx == 0x01 {
		return nil, fmt.Errorf("%w: passive data segments", wasm.ErrUnsupported)
	}
	if memidx == 0x02 {
		var m uint32
		if m, _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("read memory index: %v", err)
		}
		memidx = m
	}

	offset, err := decodeConstantExpression(r)
	if err != nil {
		return nil, fmt.Errorf("read offset expression: %v", err)
	}

	size, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read size of vector: %v", err)
	}

	init := make([]byte, size)
	if _, err := io.ReadFull(r, init); err != nil {
		return nil, fmt.Errorf("read bytes of init: %v", err)
	}

	return &wasm.DataSegment{
		MemoryIndex:      memidx,
		OffsetExpression: offset,
		Init:             init,
	}, nil
}

// encodeDataSegment returns the wasm.DataSegment encoded in WebAssembly 1.0 (MVP) Binary Format,
// using the explicit-memory-index form when the segment targets a nonzero memory.
//
// See https://www.w3.org/TR/wasm-core-1/#data-section%E2%91%A0
func encodeDataSegment(d *wasm.DataSegment) []byte {
	var data []byte
	if d.MemoryIndex == 0 {
		data = leb128.EncodeUint32(0)
	} else {
		data = leb128.EncodeUint32(0x02)
		data = append(data, leb128.EncodeUint32(d.MemoryIndex)...)
	}
	data = append(data, encodeConstantExpression(d.OffsetExpression)...)
	data = append(data, encodeSizePrefixed(d.Init)...)
	return data
}
