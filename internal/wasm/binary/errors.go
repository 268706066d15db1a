package binary

import (
	"fmt"

	"github.com/floretta/floretta/internal/wasm"
)

var (
	ErrInvalidByte        = fmt.Errorf("%w: invalid byte", wasm.ErrInvalidModule)
	ErrInvalidMagicNumber = fmt.Errorf("%w: invalid magic number", wasm.ErrInvalidModule)
	ErrInvalidVersion     = fmt.Errorf("%w: invalid version header", wasm.ErrInvalidModule)
	ErrInvalidSectionID   = fmt.Errorf("%w: invalid section id", wasm.ErrInvalidModule)
)
