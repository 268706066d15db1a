package binary

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/floretta/floretta/internal/leb128"
	"github.com/floretta/floretta/internal/wasm"
)

const (
	// subsectionIDModuleName contains only the module name.
	subsectionIDModuleName = uint8(0)
	// subsectionIDFunctionNames is a map of indices to function names, in ascending order by function index
	subsectionIDFunctionNames = uint8(1)
	// subsectionIDLocalNames contain a map of function indices to a map of local indices to their names, in ascending
	// order by function and local index
	subsectionIDLocalNames = uint8(2)
	// subsectionIDMemoryNames is a map of indices to memory names, from the extended-name-section proposal.
	subsectionIDMemoryNames = uint8(6)
	// subsectionIDGlobalNames is a map of indices to global names, from the extended-name-section proposal.
	subsectionIDGlobalNames = uint8(7)
)

// decodeNameSection deserializes the data associated with the "name" key in SectionIDCustom according to the
// standard:
//
// * ModuleName decode from subsection 0
// * FunctionNames decode from subsection 1
// * LocalNames decode from subsection 2
// * MemoryNames and GlobalNames decode from subsections 6 and 7
//
// See https://www.w3.org/TR/wasm-core-1/#binary-namesec
func decodeNameSection(data []byte) (result *wasm.NameSection, err error) {
	r := bytes.NewReader(data)
	result = &wasm.NameSection{}

	// subsectionID is decoded if known, and skipped if not
	var subsectionID uint8
	// subsectionSize is the length to skip when the subsectionID is unknown
	var subsectionSize uint32
	for {
		if subsectionID, err = r.ReadByte(); err != nil {
			if err == io.EOF {
				return result, nil
			}
			return nil, fmt.Errorf("failed to read a subsection ID: %w", err)
		}

		if subsectionSize, _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("failed to read the size of subsection[%d]: %w", subsectionID, err)
		}

		switch subsectionID {
		case subsectionIDModuleName:
			if result.ModuleName, _, err = decodeUTF8(r, "module name"); err != nil {
				return nil, err
			}
		case subsectionIDFunctionNames:
			if result.FunctionNames, err = decodeNameMap(r, "function"); err != nil {
				return nil, err
			}
		case subsectionIDLocalNames:
			if result.LocalNames, err = decodeLocalNames(r); err != nil {
				return nil, err
			}
		case subsectionIDMemoryNames:
			if result.MemoryNames, err = decodeNameMap(r, "memory"); err != nil {
				return nil, err
			}
		case subsectionIDGlobalNames:
			if result.GlobalNames, err = decodeNameMap(r, "global"); err != nil {
				return nil, err
			}
		default: // Skip other subsections.
			// Note: Not Seek because it doesn't err when given an offset past EOF. Rather, it leads to undefined state.
			if _, err := io.CopyN(io.Discard, r, int64(subsectionSize)); err != nil {
				return nil, fmt.Errorf("failed to skip subsection[%d]: %w", subsectionID, err)
			}
		}
	}
}

func decodeNameMap(r *bytes.Reader, space string) (map[wasm.Index]string, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read the %s name count: %w", space, err)
	}

	result := make(map[wasm.Index]string, count)
	for i := uint32(0); i < count; i++ {
		index, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read a %s index: %w", space, err)
		}

		if result[index], _, err = decodeUTF8(r, "%s[%d] name", space, index); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func decodeLocalNames(r *bytes.Reader) (map[wasm.Index]map[wasm.Index]string, error) {
	functionCount, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read the function count of subsection[%d]: %w", subsectionIDLocalNames, err)
	}

	result := make(map[wasm.Index]map[wasm.Index]string, functionCount)
	for i := uint32(0); i < functionCount; i++ {
		functionIndex, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read a function index in subsection[%d]: %w", subsectionIDLocalNames, err)
		}

		if result[functionIndex], err = decodeNameMap(r, "local"); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// encodeNameSectionData serializes the data for the "name" key in SectionIDCustom according to the standard:
//
// Note: The result can be nil because this does not encode empty subsections
//
// See https://www.w3.org/TR/wasm-core-1/#binary-namesec
func encodeNameSectionData(n *wasm.NameSection) (data []byte) {
	if n.ModuleName != "" {
		data = append(data, encodeNameSubsection(subsectionIDModuleName, encodeSizePrefixed([]byte(n.ModuleName)))...)
	}
	if len(n.FunctionNames) > 0 {
		data = append(data, encodeNameSubsection(subsectionIDFunctionNames, encodeSortedAndSizePrefixed(n.FunctionNames))...)
	}
	if ld := encodeLocalNameData(n); len(ld) > 0 {
		data = append(data, encodeNameSubsection(subsectionIDLocalNames, ld)...)
	}
	if len(n.MemoryNames) > 0 {
		data = append(data, encodeNameSubsection(subsectionIDMemoryNames, encodeSortedAndSizePrefixed(n.MemoryNames))...)
	}
	if len(n.GlobalNames) > 0 {
		data = append(data, encodeNameSubsection(subsectionIDGlobalNames, encodeSortedAndSizePrefixed(n.GlobalNames))...)
	}
	return
}

func encodeSortedAndSizePrefixed(m map[wasm.Index]string) []byte {
	count := uint32(len(m))
	data := leb128.EncodeUint32(count)

	// Sort the keys so that they encode in ascending order
	keys := make([]wasm.Index, 0, count)
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, i := range keys {
		data = append(data, encodeNameMapEntry(i, []byte(m[i]))...)
	}
	return data
}

// encodeLocalNameData encodes the data for the local name subsection.
// See https://www.w3.org/TR/wasm-core-1/#binary-localnamesec
func encodeLocalNameData(n *wasm.NameSection) []byte {
	if len(n.LocalNames) == 0 {
		return nil
	}

	funcNameCount := uint32(len(n.LocalNames))
	subsection := leb128.EncodeUint32(funcNameCount)

	// Sort the function indices so that they encode in ascending order
	funcIndex := make([]wasm.Index, 0, funcNameCount)
	for k := range n.LocalNames {
		funcIndex = append(funcIndex, k)
	}
	sort.Slice(funcIndex, func(i, j int) bool { return funcIndex[i] < funcIndex[j] })

	for _, i := range funcIndex {
		locals := encodeSortedAndSizePrefixed(n.LocalNames[i])
		subsection = append(subsection, append(leb128.EncodeUint32(i), locals...)...)
	}
	return subsection
}

// encodeNameSubsection returns a buffer encoding the given subsection
// See https://www.w3.org/TR/wasm-core-1/#subsections%E2%91%A0
func encodeNameSubsection(subsectionID uint8, content []byte) []byte {
	contentSizeInBytes := leb128.EncodeUint32(uint32(len(content)))
	result := []byte{subsectionID}
	result = append(result, contentSizeInBytes...)
	result = append(result, content...)
	return result
}

// encodeNameMapEntry encodes the index and data prefixed by their size.
// See https://www.w3.org/TR/wasm-core-1/#binary-namemap
func encodeNameMapEntry(i wasm.Index, data []byte) []byte {
	return append(leb128.EncodeUint32(i), encodeSizePrefixed(data)...)
}
