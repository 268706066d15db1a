// Package floretta applies automatic differentiation to WebAssembly modules,
// rewriting the binary so that derivatives are computed alongside, or after,
// the original functions.
//
// Reverse mode pairs every function with a backward pass: running the
// transformed function records a tape, and the backward pass consumes the
// tape to compute input cotangents from output cotangents.
//
//	ad := floretta.NewReverse().Export("square", "backprop")
//	output, err := ad.Transform(input)
//
// Forward mode augments every function to propagate dual numbers: each
// floating-point parameter and result is paired with its directional
// derivative.
//
//	output, err := floretta.NewForward().Transform(input)
package floretta

import (
	"github.com/floretta/floretta/internal/ad"
	"github.com/floretta/floretta/internal/wasm"
)

var (
	// ErrInvalidModule is the root of errors reported for inputs that fail
	// decoding or validation.
	ErrInvalidModule = wasm.ErrInvalidModule

	// ErrUnsupported is the root of errors reported for recognized Wasm
	// constructs outside the supported subset.
	ErrUnsupported = wasm.ErrUnsupported
)

// Reverse configures the reverse-mode (backpropagation) transformation.
//
// The zero configuration transforms every function but exports no backward
// pass; use Export to expose them.
type Reverse struct {
	opts ad.ReverseOptions
}

// NewReverse returns the default reverse-mode configuration.
func NewReverse() *Reverse {
	return &Reverse{}
}

// Export requests that the backward pass of the function or memory exported
// under primal also be exported, under adjoint. Calling it repeatedly with
// the same primal and different adjoint names produces multiple exports of
// the same backward pass.
func (r *Reverse) Export(primal, adjoint string) *Reverse {
	r.opts.Exports = append(r.opts.Exports, ad.ExportRename{Primal: primal, Adjoint: adjoint})
	return r
}

// Import registers the import providing the backward pass of an imported
// function. Every function import needs a registered backward pass.
func (r *Reverse) Import(module, name, adjointModule, adjointName string) *Reverse {
	r.opts.Imports = append(r.opts.Imports, ad.ImportRename{
		Module: module, Name: name,
		AdjointModule: adjointModule, AdjointName: adjointName,
	})
	return r
}

// WithNames emits a name section in the output, carrying over source names
// and labelling the synthesized entities.
func (r *Reverse) WithNames() *Reverse {
	r.opts.Names = true
	return r
}

// WithoutValidation skips input validation, for modules known to be valid.
func (r *Reverse) WithoutValidation() *Reverse {
	r.opts.SkipValidation = true
	return r
}

// Transform rewrites the binary module per this configuration.
func (r *Reverse) Transform(binary []byte) ([]byte, error) {
	return ad.Reverse(binary, r.opts)
}

// Forward configures the forward-mode (dual number) transformation.
type Forward struct {
	opts ad.ForwardOptions
}

// NewForward returns the default forward-mode configuration.
func NewForward() *Forward {
	return &Forward{}
}

// WithoutValidation skips input validation, for modules known to be valid.
func (f *Forward) WithoutValidation() *Forward {
	f.opts.SkipValidation = true
	return f
}

// Transform rewrites the binary module per this configuration.
func (f *Forward) Transform(binary []byte) ([]byte, error) {
	return ad.Forward(binary, f.opts)
}
