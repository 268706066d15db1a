package ad

import (
	"bytes"
	"fmt"

	"github.com/floretta/floretta/internal/ieee754"
	"github.com/floretta/floretta/internal/leb128"
	"github.com/floretta/floretta/internal/wasm"
)

// opReader walks a decoded function body one instruction at a time. Inputs
// are validated before transformation, so immediates are trusted to parse;
// errors still surface for defense against internal inconsistencies.
type opReader struct {
	r      *bytes.Reader
	length int
}

func newOpReader(body []byte) *opReader {
	return &opReader{r: bytes.NewReader(body), length: len(body)}
}

func (o *opReader) done() bool {
	return o.r.Len() == 0
}

// offset is the byte position of the next instruction, for error messages.
func (o *opReader) offset() int {
	return o.length - o.r.Len()
}

func (o *opReader) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v at offset %d", wasm.ErrInvalidModule, fmt.Sprintf(format, args...), o.offset())
}

func (o *opReader) opcode() (wasm.Opcode, error) {
	b, err := o.r.ReadByte()
	if err != nil {
		return 0, o.errorf("function body not terminated")
	}
	return b, nil
}

func (o *opReader) u32() (uint32, error) {
	v, _, err := leb128.DecodeUint32(o.r)
	if err != nil {
		return 0, o.errorf("read immediate: %v", err)
	}
	return v, nil
}

func (o *opReader) i32() (int32, error) {
	v, _, err := leb128.DecodeInt32(o.r)
	if err != nil {
		return 0, o.errorf("read i32 immediate: %v", err)
	}
	return v, nil
}

func (o *opReader) i64() (int64, error) {
	v, _, err := leb128.DecodeInt64(o.r)
	if err != nil {
		return 0, o.errorf("read i64 immediate: %v", err)
	}
	return v, nil
}

func (o *opReader) f32() (float32, error) {
	v, err := ieee754.DecodeFloat32(o.r)
	if err != nil {
		return 0, o.errorf("read f32 immediate: %v", err)
	}
	return v, nil
}

func (o *opReader) f64() (float64, error) {
	v, err := ieee754.DecodeFloat64(o.r)
	if err != nil {
		return 0, o.errorf("read f64 immediate: %v", err)
	}
	return v, nil
}

func (o *opReader) blockType() (blockType, error) {
	raw, _, err := leb128.DecodeInt33AsInt64(o.r)
	if err != nil {
		return blockType{}, o.errorf("read block type: %v", err)
	}
	switch raw {
	case -64:
		return blockTypeEmpty(), nil
	case -1:
		return blockTypeValue(wasm.ValueTypeI32), nil
	case -2:
		return blockTypeValue(wasm.ValueTypeI64), nil
	case -3:
		return blockTypeValue(wasm.ValueTypeF32), nil
	case -4:
		return blockTypeValue(wasm.ValueTypeF64), nil
	default:
		if raw < 0 {
			return blockType{}, o.errorf("invalid block type %d", raw)
		}
		return blockTypeFunc(wasm.Index(raw)), nil
	}
}

// memArg reads alignment, offset and the optional multi-memory index.
func (o *opReader) memArg() (align, offset, memidx uint32, err error) {
	if align, err = o.u32(); err != nil {
		return
	}
	if offset, err = o.u32(); err != nil {
		return
	}
	if align&(1<<6) != 0 {
		align &^= 1 << 6
		memidx, err = o.u32()
	}
	return
}

func (o *opReader) brTable() (labels []uint32, dflt uint32, err error) {
	count, err := o.u32()
	if err != nil {
		return nil, 0, err
	}
	labels = make([]uint32, count)
	for i := range labels {
		if labels[i], err = o.u32(); err != nil {
			return nil, 0, err
		}
	}
	dflt, err = o.u32()
	return
}
