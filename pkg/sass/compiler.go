// Package sass wraps the Sass compiler used to build stylesheets.
package sass

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

// Output styles understood by the compiler.
const (
	StyleExpanded   = "expanded"
	StyleCompressed = "compressed"
)

// Source map modes. "auto" and "file" write a .map file next to the output.
const (
	SourceMapAuto   = "auto"
	SourceMapFile   = "file"
	SourceMapInline = "inline"
	SourceMapNone   = "none"
)

// Request describes one source to destination compilation.
type Request struct {
	Src       string
	Dest      string
	Style     string
	SourceMap string
	Trace     bool
	LoadPaths []string
	// Dir is the working directory of the compiler, relative paths are resolved against it.
	Dir string
	Env []string
}

// Compiler turns a Sass source into CSS.
type Compiler interface {
	Compile(ctx context.Context, req Request) error
}

// CompileError carries the diagnostic printed by the compiler for a failed compilation.
type CompileError struct {
	Src        string
	Diagnostic string
	Err        error
}

func (e *CompileError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("failed to compile %s: %v", e.Src, e.Err)
	}

	return fmt.Sprintf("failed to compile %s:\n%s", e.Src, e.Diagnostic)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// CLICompiler runs the dart-sass executable.
type CLICompiler struct {
	Binary string
	// Stdout receives the compiler's regular output (warnings, @debug); discarded when nil.
	Stdout io.Writer
}

// NewCLICompiler returns a compiler for the given executable name or path.
func NewCLICompiler(binary string) *CLICompiler {
	if binary == "" {
		binary = "sass"
	}

	return &CLICompiler{Binary: binary}
}

// Args builds the command line for req.
func (c *CLICompiler) Args(req Request) ([]string, error) {
	args := []string{}

	switch req.Style {
	case "":
	case StyleExpanded, StyleCompressed:
		args = append(args, "--style="+req.Style)
	default:
		return nil, eris.Errorf("unsupported style %s (expected %s or %s)", req.Style, StyleExpanded, StyleCompressed)
	}

	switch req.SourceMap {
	case "", SourceMapAuto, SourceMapFile:
	case SourceMapInline:
		args = append(args, "--embed-source-map")
	case SourceMapNone:
		args = append(args, "--no-source-map")
	default:
		return nil, eris.Errorf("unsupported sourcemap mode %s", req.SourceMap)
	}

	if req.Trace {
		args = append(args, "--trace")
	}

	for _, p := range req.LoadPaths {
		args = append(args, "--load-path="+p)
	}

	return append(args, req.Src, req.Dest), nil
}

// Compile runs the compiler and waits for it to exit.
func (c *CLICompiler) Compile(ctx context.Context, req Request) error {
	args, err := c.Args(req)
	if err != nil {
		return err
	}

	binary, err := exec.LookPath(c.Binary)
	if err != nil {
		return eris.Wrapf(err, "could not find the Sass compiler %s", c.Binary)
	}

	stderr := bytes.Buffer{}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = req.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = &stderr
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}

	err = cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &CompileError{
				Src:        req.Src,
				Diagnostic: strings.TrimSpace(stderr.String()),
				Err:        err,
			}
		}

		return eris.Wrapf(err, "failed to run %s", binary)
	}

	return nil
}
