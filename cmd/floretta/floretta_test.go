package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floretta/floretta/internal/wasm"
	"github.com/floretta/floretta/internal/wasm/binary"
)

func squareWasm() []byte {
	return binary.EncodeModule(&wasm.Module{
		TypeSection: []*wasm.FunctionType{{
			Params:  []wasm.ValueType{wasm.ValueTypeF64},
			Results: []wasm.ValueType{wasm.ValueTypeF64},
		}},
		FunctionSection: []wasm.Index{0},
		CodeSection: []*wasm.Code{
			{Body: []byte{
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeF64Mul,
				wasm.OpcodeEnd,
			}},
		},
		ExportSection: []*wasm.Export{{Kind: wasm.ExportKindFunc, Name: "square", Index: 0}},
	})
}

func TestParseArgs(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c, err := parseArgs(nil)
		require.NoError(t, err)
		require.False(t, c.forward)
		require.True(t, c.names)
		require.Empty(t, c.input)
	})

	t.Run("export pairs", func(t *testing.T) {
		c, err := parseArgs([]string{"--reverse", "in.wasm", "--export", "square", "backprop", "--export", "square", "gradient"})
		require.NoError(t, err)
		require.Equal(t, "in.wasm", c.input)
		require.Equal(t, [][2]string{{"square", "backprop"}, {"square", "gradient"}}, c.exports)
	})

	t.Run("import quadruple", func(t *testing.T) {
		c, err := parseArgs([]string{"--import", "math", "f", "math", "f_bwd"})
		require.NoError(t, err)
		require.Equal(t, [][4]string{{"math", "f", "math", "f_bwd"}}, c.imports)
	})

	t.Run("export missing operand", func(t *testing.T) {
		_, err := parseArgs([]string{"--export", "square"})
		require.Error(t, err)
	})

	t.Run("both modes", func(t *testing.T) {
		_, err := parseArgs([]string{"--forward", "--reverse"})
		require.Error(t, err)
	})

	t.Run("unknown flag", func(t *testing.T) {
		_, err := parseArgs([]string{"--frobnicate"})
		require.Error(t, err)
	})
}

func TestDoMain(t *testing.T) {
	t.Run("reverse from stdin to stdout", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := doMain([]string{"--reverse", "--export", "square", "backprop"},
			bytes.NewReader(squareWasm()), &stdout, &stderr)
		require.Equal(t, exitSuccess, code, stderr.String())

		out, err := binary.DecodeModule(stdout.Bytes())
		require.NoError(t, err)
		var names []string
		for _, e := range out.ExportSection {
			names = append(names, e.Name)
		}
		require.Contains(t, names, "square")
		require.Contains(t, names, "backprop")
		// The default emits a name section labelling the tape machinery.
		require.NotNil(t, out.NameSection)
	})

	t.Run("forward mode to file", func(t *testing.T) {
		input := filepath.Join(t.TempDir(), "square.wasm")
		output := filepath.Join(t.TempDir(), "out.wasm")
		require.NoError(t, os.WriteFile(input, squareWasm(), 0o644))

		var stdout, stderr bytes.Buffer
		code := doMain([]string{"--forward", input, "--output", output}, bytes.NewReader(nil), &stdout, &stderr)
		require.Equal(t, exitSuccess, code, stderr.String())
		require.Empty(t, stdout.Bytes())

		written, err := os.ReadFile(output)
		require.NoError(t, err)
		out, err := binary.DecodeModule(written)
		require.NoError(t, err)
		require.Equal(t, 2, len(out.TypeSection[0].Params))
	})

	t.Run("invalid input exits 1", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := doMain(nil, bytes.NewReader([]byte("garbage")), &stdout, &stderr)
		require.Equal(t, exitFailure, code)
		require.Empty(t, stdout.Bytes())
		require.NotEmpty(t, stderr.String())
	})

	t.Run("usage error exits 2", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := doMain([]string{"--export", "square"}, bytes.NewReader(nil), &stdout, &stderr)
		require.Equal(t, exitUsage, code)
	})

	t.Run("wat input is refused", func(t *testing.T) {
		input := filepath.Join(t.TempDir(), "square.wat")
		require.NoError(t, os.WriteFile(input, []byte("(module)"), 0o644))
		var stdout, stderr bytes.Buffer
		code := doMain([]string{input}, bytes.NewReader(nil), &stdout, &stderr)
		require.Equal(t, exitFailure, code)
		require.Contains(t, stderr.String(), "assembled")
	})
}
