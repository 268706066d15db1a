package wasm

import "errors"

var (
	// ErrInvalidModule is the root of errors for inputs that failed decoding or
	// validation against the WebAssembly specification.
	ErrInvalidModule = errors.New("invalid module")

	// ErrUnsupported is the root of errors for recognized, but not yet
	// supported, WebAssembly constructs (ex. SIMD or call_indirect).
	ErrUnsupported = errors.New("unsupported feature")
)
