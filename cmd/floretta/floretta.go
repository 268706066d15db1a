// Command floretta applies automatic differentiation to a WebAssembly
// module.
//
//	floretta [--forward | --reverse] [INPUT] [--export PRIMAL ADJOINT]...
//	         [--import MOD NAME MOD NAME]... [--no-validate] [--no-names]
//	         [--output OUTPUT]
//
// INPUT is a .wasm binary, or - (or nothing) for stdin. Without --output the
// result goes to stdout.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/floretta/floretta"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(doMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type cli struct {
	forward, reverse  bool
	noValidate, names bool
	input, output     string
	exports           [][2]string
	imports           [][4]string
}

// parseArgs hand-rolls the flag grammar because --export and --import take
// more than one operand, which the flag package cannot express.
func parseArgs(args []string) (*cli, error) {
	c := &cli{names: true}
	take := func(i *int, n int, flag string) ([]string, error) {
		if *i+n >= len(args) {
			return nil, fmt.Errorf("%s needs %d arguments", flag, n)
		}
		operands := args[*i+1 : *i+1+n]
		*i += n
		return operands, nil
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--forward", "-f":
			c.forward = true
		case "--reverse", "-r":
			c.reverse = true
		case "--no-validate":
			c.noValidate = true
		case "--no-names":
			c.names = false
		case "--export", "-e":
			pair, err := take(&i, 2, arg)
			if err != nil {
				return nil, err
			}
			c.exports = append(c.exports, [2]string{pair[0], pair[1]})
		case "--import", "-i":
			quad, err := take(&i, 4, arg)
			if err != nil {
				return nil, err
			}
			c.imports = append(c.imports, [4]string{quad[0], quad[1], quad[2], quad[3]})
		case "--output", "-o":
			operand, err := take(&i, 1, arg)
			if err != nil {
				return nil, err
			}
			c.output = operand[0]
		case "--help", "-h":
			return nil, nil
		default:
			if strings.HasPrefix(arg, "-") && arg != "-" {
				return nil, fmt.Errorf("unknown flag %s", arg)
			}
			if c.input != "" {
				return nil, fmt.Errorf("multiple input paths")
			}
			c.input = arg
		}
	}
	if c.forward && c.reverse {
		return nil, fmt.Errorf("can't select both forward mode and reverse mode at once")
	}
	return c, nil
}

func doMain(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	c, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		printUsage(stderr)
		return exitUsage
	}
	if c == nil {
		printUsage(stdout)
		return exitSuccess
	}

	var input []byte
	if c.input == "" || c.input == "-" {
		if input, err = io.ReadAll(stdin); err != nil {
			fmt.Fprintf(stderr, "error reading stdin: %v\n", err)
			return exitFailure
		}
	} else {
		if input, err = os.ReadFile(c.input); err != nil {
			fmt.Fprintf(stderr, "error reading input: %v\n", err)
			return exitFailure
		}
		if strings.HasSuffix(c.input, ".wat") {
			fmt.Fprintln(stderr, "text format input must be assembled to a .wasm binary first")
			return exitFailure
		}
	}

	var output []byte
	if c.forward {
		ad := floretta.NewForward()
		if c.noValidate {
			ad.WithoutValidation()
		}
		output, err = ad.Transform(input)
	} else {
		// Reverse is the default mode.
		ad := floretta.NewReverse()
		if c.names {
			ad.WithNames()
		}
		if c.noValidate {
			ad.WithoutValidation()
		}
		for _, e := range c.exports {
			ad.Export(e[0], e[1])
		}
		for _, im := range c.imports {
			ad.Import(im[0], im[1], im[2], im[3])
		}
		output, err = ad.Transform(input)
	}
	if err != nil {
		fmt.Fprintf(stderr, "error transforming module: %v\n", err)
		return exitFailure
	}

	if c.output == "" {
		if _, err = stdout.Write(output); err != nil {
			fmt.Fprintf(stderr, "error writing output: %v\n", err)
			return exitFailure
		}
	} else if err = os.WriteFile(c.output, output, 0o644); err != nil {
		fmt.Fprintf(stderr, "error writing output: %v\n", err)
		return exitFailure
	}
	return exitSuccess
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "floretta applies automatic differentiation to a WebAssembly module.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  floretta [--forward | --reverse] [INPUT] [--export PRIMAL ADJOINT]...")
	fmt.Fprintln(w, "           [--import MOD NAME MOD NAME]... [--no-validate] [--no-names]")
	fmt.Fprintln(w, "           [--output OUTPUT]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "INPUT is a .wasm binary; - or no path reads stdin. Reverse mode is the")
	fmt.Fprintln(w, "default. Without --output the transformed module goes to stdout.")
}
