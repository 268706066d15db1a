package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/floretta/floretta/internal/leb128"
	"github.com/floretta/floretta/internal/wasm"
)

type reader struct {
	binary []byte
	read   int
	buffer *bytes.Buffer
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.buffer.Read(p)
	r.read += n
	return
}

// DecodeModule decodes the WebAssembly 1.0 (MVP) Binary Format, plus the
// multi-value and multi-memory extensions, into a wasm.Module.
//
// See https://www.w3.org/TR/wasm-core-1/#binary-format%E2%91%A0
func DecodeModule(binary []byte) (*wasm.Module, error) {
	r := &reader{binary: binary, buffer: bytes.NewBuffer(binary)}

	// Magic number.
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, magic) {
		return nil, ErrInvalidMagicNumber
	}

	// Version.
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, version) {
		return nil, ErrInvalidVersion
	}

	m := &wasm.Module{}
	for {
		sectionID := make([]byte, 1)
		if _, err := io.ReadFull(r, sectionID); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("read section id: %w", err)
		}

		sectionSize, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("get size of section for id=%d: %v", sectionID[0], err)
		}

		sectionContentStart := r.read
		switch sectionID[0] {
		case wasm.SectionIDCustom:
			// Only the "name" custom section is decoded; all others are
			// skipped because the transformation invalidates any byte offsets
			// they may contain.
			name, dataSize, decodeErr := decodeCustomSectionNameAndDataSize(r, sectionSize)
			if decodeErr != nil {
				err = decodeErr
				break
			}
			if name == "name" {
				if m.NameSection != nil {
					err = fmt.Errorf("redundant custom section %s", name)
					break
				}
				data := make([]byte, dataSize)
				if _, err = io.ReadFull(r, data); err != nil {
					break
				}
				m.NameSection, err = decodeNameSection(data)
			} else {
				_, err = io.CopyN(io.Discard, r, int64(dataSize))
			}
		case wasm.SectionIDType:
			m.TypeSection, err = decodeTypeSection(r)
		case wasm.SectionIDImport:
			m.ImportSection, err = decodeImportSection(r)
		case wasm.SectionIDFunction:
			m.FunctionSection, err = decodeFunctionSection(r)
		case wasm.SectionIDTable:
			err = fmt.Errorf("%w: table section", wasm.ErrUnsupported)
		case wasm.SectionIDMemory:
			m.MemorySection, err = decodeMemorySection(r)
		case wasm.SectionIDGlobal:
			m.GlobalSection, err = decodeGlobalSection(r)
		case wasm.SectionIDExport:
			m.ExportSection, err = decodeExportSection(r)
		case wasm.SectionIDStart:
			m.StartSection, err = decodeStartSection(r)
		case wasm.SectionIDElement:
			err = fmt.Errorf("%w: element section", wasm.ErrUnsupported)
		case wasm.SectionIDCode:
			m.CodeSection, err = decodeCodeSection(r)
		case wasm.SectionIDData:
			m.DataSection, err = decodeDataSection(r)
		default:
			err = ErrInvalidSectionID
		}

		if err == nil && sectionContentStart+int(sectionSize) != r.read {
			err = fmt.Errorf("invalid section length: expected to be %d but got %d", sectionSize, r.read-sectionContentStart)
		}

		if err != nil {
			return nil, fmt.Errorf("section ID %d: %w", sectionID[0], err)
		}
	}

	if len(m.FunctionSection) != len(m.CodeSection) {
		return nil, fmt.Errorf("%w: function and code section have inconsistent lengths", wasm.ErrInvalidModule)
	}
	return m, nil
}

// decodeCustomSectionNameAndDataSize reads the size-prefixed name of a custom
// section and returns how many bytes of data follow it.
func decodeCustomSectionNameAndDataSize(r *reader, sectionSize uint32) (name string, dataSize uint32, err error) {
	nameStart := r.read
	name, _, err = decodeUTF8(r, "custom section name")
	if err != nil {
		return
	}
	nameLen := uint32(r.read - nameStart)
	if nameLen > sectionSize {
		err = fmt.Errorf("malformed custom section %s", name)
		return
	}
	dataSize = sectionSize - nameLen
	return
}
