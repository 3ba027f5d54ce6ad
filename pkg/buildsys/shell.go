package buildsys

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// Command is a shell script executed by a CommandRunner.
type Command struct {
	// Name identifies the command in logs and parse errors.
	Name   string
	Script string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// CommandRunner executes external commands for batch tasks.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) error
}

// CommandError is returned when a command exits with a non-zero status.
type CommandError struct {
	Command string
	Status  uint8
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.Status)
}

// ShellRunner interprets commands with a POSIX shell implemented in Go so scripts behave the same on every
// platform. rm, mkdir and mv never leave the process.
type ShellRunner struct{}

var defaultExecHandler = interp.DefaultExecHandler(2)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		helper, ok := posixHelpers[args[0]]
		if ok {
			hc := interp.HandlerCtx(ctx)
			err := helper(hc.Dir, args[1:])
			if err != nil {
				fmt.Fprintf(hc.Stderr, "%s: %s\n", args[0], err)
				return interp.NewExitStatus(1)
			}

			return nil
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// Run parses and executes the script statement by statement and stops at the first failure.
func (ShellRunner) Run(ctx context.Context, cmd Command) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(cmd.Script), cmd.Name)
	if err != nil {
		return eris.Wrapf(err, "failed to parse command %s", cmd.Name)
	}

	stdout := cmd.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := cmd.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	runner, err := interp.New(
		interp.Dir(cmd.Dir),
		interp.Env(expand.ListEnviron(cmd.Env...)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, stdout, stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	printer := syntax.NewPrinter(syntax.Minify(true))
	strBuffer := strings.Builder{}

	for _, stmt := range file.Stmts {
		strBuffer.Reset()
		printer.Print(&strBuffer, stmt)
		log(ctx).Info().
			Bool("command", true).
			Msg(strBuffer.String())

		err = runner.Run(ctx, stmt)
		if err != nil {
			if status, ok := interp.IsExitStatus(err); ok {
				return &CommandError{Command: strBuffer.String(), Status: status}
			}

			return eris.Wrapf(err, "failed to run %s", strBuffer.String())
		}

		if runner.Exited() {
			return nil
		}
	}

	return nil
}
