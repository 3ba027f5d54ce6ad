package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/nagyistge/egeo.visual.guidelines/pkg/buildsys"
	"github.com/nagyistge/egeo.visual.guidelines/pkg/sass"
)

var taskCmd = &cobra.Command{
	Use:   "task [name...] [option=value...]",
	Short: "Runs styleguide tasks",
	Long: `This command parses the first tasks.star file it finds and executes the given tasks.
Without a tasks.star file, the built-in styleguide tasks are used. Passing no task names lists
the available tasks and options.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		taskArgs, options := splitArgs(args)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		ctx = buildsys.WithLogger(ctx, &logger)

		wd, err := os.Getwd()
		if err != nil {
			return eris.Wrap(err, "failed to retrieve the current working directory")
		}

		scriptPath := cfg.Project
		if scriptPath == "" {
			scriptPath, err = findScript(wd)
			if err != nil {
				return err
			}
		}

		var project *buildsys.Project
		if scriptPath == "" {
			logger.Debug().Msgf("No %s found, using the built-in tasks", buildsys.ScriptName)
			project, err = buildsys.RunDefault(ctx, wd, options)
		} else {
			project, err = buildsys.RunScript(ctx, scriptPath, filepath.Dir(scriptPath), options)
		}
		if err != nil {
			return eris.Wrap(err, "failed to parse tasks")
		}

		if len(taskArgs) == 0 {
			printTasks(cmd.OutOrStdout(), project)
			return nil
		}

		runner := buildsys.NewRunner(project)
		runner.Compiler = sass.NewCLICompiler(cfg.Sass.Binary)
		runner.WatchDebounce = cfg.Watch.Debounce
		runner.DryRun = dryRun
		runner.Quiet = cfg.Log.JSON

		err = runner.Run(ctx, taskArgs...)
		if !dryRun {
			printTimings(cmd.ErrOrStderr(), runner.Timings())
		}

		if errors.Is(err, context.Canceled) {
			plan, planErr := runner.Plan(taskArgs...)
			if planErr == nil && runsUntilInterrupted(plan) {
				logger.Info().Msg("Stopped")
				return nil
			}
			return eris.Wrap(err, "interrupted before all steps finished")
		}
		return err
	},
}

// splitArgs separates task names from option=value pairs.
func splitArgs(args []string) ([]string, map[string]string) {
	taskArgs := make([]string, 0)
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}

	return taskArgs, options
}

// runsUntilInterrupted reports whether plan contains a step that only ends when it's interrupted.
func runsUntilInterrupted(plan []*buildsys.Task) bool {
	for _, task := range plan {
		switch leaf := task.Leaf.(type) {
		case *buildsys.WatchLeaf:
			return true
		case *buildsys.ConnectLeaf:
			if leaf.Keepalive {
				return true
			}
		}
	}

	return false
}

// findScript returns the first tasks.star in dir or its parents or an empty string if there is none.
func findScript(dir string) (string, error) {
	path := dir
	for {
		taskPath := filepath.Join(path, buildsys.ScriptName)
		info, err := os.Stat(taskPath)
		if err == nil && !info.IsDir() {
			return taskPath, nil
		}
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to check %s", taskPath)
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", nil
		}

		path = parent
	}
}

func printTasks(w io.Writer, project *buildsys.Project) {
	names := project.Tasks.Names()
	maxNameLen := 0
	for _, name := range names {
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
	}

	fmt.Fprintln(w, "Available tasks:")
	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range names {
		task, _ := project.Tasks.Get(name)
		fmt.Fprintf(w, lineFmt, name+":", task.Desc)
	}

	if len(project.Options) == 0 {
		return
	}

	optionNames := make([]string, 0, len(project.Options))
	for name := range project.Options {
		optionNames = append(optionNames, name)
	}
	sort.Strings(optionNames)

	fmt.Fprintln(w, "\nOptions:")
	for _, name := range optionNames {
		opt := project.Options[name]
		fmt.Fprintf(w, " * %s=%s\n", name, opt.Default())
		if opt.Help != "" {
			fmt.Fprintf(w, "     %s\n", opt.Help)
		}
	}
}

// printTimings prints a bar per executed step, scaled to the slowest one.
func printTimings(w io.Writer, timings []buildsys.Timing) {
	if len(timings) == 0 {
		return
	}

	const barWidth = 40
	var total, longest time.Duration
	maxNameLen := 0
	for _, timing := range timings {
		total += timing.Duration
		if timing.Duration > longest {
			longest = timing.Duration
		}
		if len(timing.Task) > maxNameLen {
			maxNameLen = len(timing.Task)
		}
	}

	colors := colorstring.Colorize{Colors: colorstring.DefaultColors, Reset: true}
	if f, ok := w.(*os.File); !ok || f != os.Stderr {
		colors.Disable = true
	}

	fmt.Fprintf(w, "\nExecution Time (%s)\n", total.Round(time.Millisecond))
	lineFmt := fmt.Sprintf("%%-%ds %%8s  %%s\n", maxNameLen)
	for _, timing := range timings {
		width := 1
		if longest > 0 {
			width = int(int64(barWidth) * int64(timing.Duration) / int64(longest))
			if width < 1 {
				width = 1
			}
		}

		bar := "[blue]" + strings.Repeat("▇", width)
		if timing.Failed {
			bar = "[red]" + strings.Repeat("▇", width)
		}

		fmt.Fprint(w, colors.Color(fmt.Sprintf(lineFmt, timing.Task, timing.Duration.Round(time.Millisecond), bar)))
	}
}

func init() {
	taskCmd.Flags().BoolP("dry", "n", false, "dry run; only print the steps, don't execute anything")
	rootCmd.AddCommand(taskCmd)
}
