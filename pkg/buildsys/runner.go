package buildsys

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/nagyistge/egeo.visual.guidelines/pkg/fetch"
	"github.com/nagyistge/egeo.visual.guidelines/pkg/sass"
)

// Timing records how long an executed step took.
type Timing struct {
	Task     string
	Duration time.Duration
	Failed   bool
}

// Runner executes the tasks of a project.
type Runner struct {
	Project  *Project
	Compiler sass.Compiler
	Commands CommandRunner
	// DryRun only logs the planned steps.
	DryRun bool
	// WatchDebounce is used by watch tasks that don't set their own debounce.
	WatchDebounce time.Duration
	// Stdout and Stderr receive the output of batch commands; os.Stdout and os.Stderr when nil.
	Stdout io.Writer
	Stderr io.Writer
	// Quiet hides the download progress of fetch tasks.
	Quiet bool

	lock    sync.Mutex
	timings []Timing
}

// NewRunner returns a runner that compiles with the sass executable and runs commands through ShellRunner.
func NewRunner(project *Project) *Runner {
	return &Runner{
		Project:  project,
		Compiler: sass.NewCLICompiler("sass"),
		Commands: ShellRunner{},
	}
}

// Plan expands the given task names into the leaf tasks that Run would execute, with all placeholders resolved.
// Bare kinds like "clean" expand to every target of that kind.
func (r *Runner) Plan(names ...string) ([]*Task, error) {
	plan := []*Task{}
	for _, name := range names {
		err := r.expand(name, map[string]bool{}, &plan)
		if err != nil {
			return nil, err
		}
	}

	resolved := make([]*Task, len(plan))
	for idx, task := range plan {
		leaf, err := task.Leaf.resolve(r.Project.Config)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid options for %s", task.Name)
		}

		if watchLeaf, ok := leaf.(*WatchLeaf); ok {
			for _, name := range watchLeaf.Tasks {
				if err := r.expand(name, map[string]bool{task.Name: true}, &[]*Task{}); err != nil {
					return nil, eris.Wrapf(err, "invalid options for %s", task.Name)
				}
			}
		}

		copied := *task
		copied.Leaf = leaf
		resolved[idx] = &copied
	}

	return resolved, nil
}

func (r *Runner) expand(name string, stack map[string]bool, plan *[]*Task) error {
	if stack[name] {
		return eris.Wrapf(ErrRecursiveTask, "task %s", name)
	}

	task, ok := r.Project.Tasks.Get(name)
	if !ok {
		targets := r.Project.Tasks.Targets(Kind(name))
		if len(targets) == 0 {
			return eris.Wrapf(ErrTaskNotFound, "task %s", name)
		}

		*plan = append(*plan, targets...)
		return nil
	}

	if task.Leaf != nil {
		*plan = append(*plan, task)
		return nil
	}

	stack[name] = true
	defer delete(stack, name)

	for _, step := range task.Steps {
		err := r.expand(step, stack, plan)
		if err != nil {
			return eris.Wrapf(err, "required by %s", name)
		}
	}

	return nil
}

// Run plans all given tasks and executes the resulting steps in order. Nothing is executed if the plan fails.
// The first failing step stops the run and is returned as *StepError.
func (r *Runner) Run(ctx context.Context, names ...string) error {
	plan, err := r.Plan(names...)
	if err != nil {
		return err
	}

	for _, task := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}

		logger := log(ctx).With().Str("task", task.Name).Logger()
		stepCtx := WithLogger(ctx, &logger)

		if r.DryRun {
			options, err := yaml.Marshal(task.Leaf)
			if err != nil {
				return eris.Wrapf(err, "failed to describe %s", task.Name)
			}

			logger.Info().Msgf("would run %s with\n%s", task.Kind(), strings.TrimRight(string(options), "\n"))
			continue
		}

		start := time.Now()
		logger.Debug().Msg("Running")
		err := r.runLeaf(stepCtx, task)
		r.record(Timing{Task: task.Name, Duration: time.Since(start), Failed: err != nil})

		if err != nil {
			return newStepError(task, err)
		}
	}

	return nil
}

func (r *Runner) record(timing Timing) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.timings = append(r.timings, timing)
}

// Timings returns the durations of all steps executed so far.
func (r *Runner) Timings() []Timing {
	r.lock.Lock()
	defer r.lock.Unlock()

	result := make([]Timing, len(r.timings))
	copy(result, r.timings)
	return result
}

func (r *Runner) runLeaf(ctx context.Context, task *Task) error {
	switch leaf := task.Leaf.(type) {
	case *SassLeaf:
		return r.runSass(ctx, leaf)
	case *BatchLeaf:
		return r.runBatch(ctx, task, leaf)
	case *CleanLeaf:
		return r.runClean(ctx, leaf)
	case *CopyLeaf:
		return r.runCopy(ctx, leaf)
	case *ConnectLeaf:
		return r.runConnect(ctx, leaf)
	case *WatchLeaf:
		return r.runWatch(ctx, leaf)
	case *FetchLeaf:
		return r.runFetch(ctx, leaf)
	}

	return withCategory(CategoryConfig, eris.Errorf("unsupported task kind %s", task.Kind()))
}

func (r *Runner) fetcher(ctx context.Context) *fetch.Fetcher {
	f := fetch.New(*log(ctx))
	f.Quiet = r.Quiet
	return f
}
