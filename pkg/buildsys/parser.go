package buildsys

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

// ScriptName is the file the CLI looks for.
const ScriptName = "tasks.star"

//go:embed defaults/tasks.star
var defaultScript []byte

// DefaultScript returns the task script used for projects without a tasks.star.
func DefaultScript() []byte {
	return defaultScript
}

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	usedOptions  map[string]bool
	envOverrides map[string]string
	dotEnv       map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	config       *Config
	tasks        *TaskList
	initPhase    bool
}

// Project is the result of running a task script.
type Project struct {
	Root    string
	Script  string
	Config  *Config
	Tasks   *TaskList
	Options map[string]ScriptOption

	envOverrides map[string]string
	dotEnv       map[string]string
}

// Environ returns the environment for commands started by tasks of this project.
func (p *Project) Environ() []string {
	return buildEnviron(p.dotEnv, p.envOverrides)
}

// Path resolves a project relative path.
func (p *Project) Path(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	return filepath.Join(p.Root, filepath.FromSlash(path))
}

// RunScript executes the script at filename and collects the tasks declared by its configure function. options
// override option() defaults and config() roots with the same name.
func RunScript(ctx context.Context, filename, projectRoot string, options map[string]string) (*Project, error) {
	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read file")
	}

	return RunSource(ctx, filename, script, projectRoot, options)
}

// RunDefault executes the built-in task script as if it was located in projectRoot.
func RunDefault(ctx context.Context, projectRoot string, options map[string]string) (*Project, error) {
	return RunSource(ctx, filepath.Join(projectRoot, ScriptName), defaultScript, projectRoot, options)
}

// RunSource is RunScript for a script that has already been loaded. filename is used for error messages and to
// resolve relative paths.
func RunSource(ctx context.Context, filename string, script []byte, projectRoot string, options map[string]string) (*Project, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, err
	}

	if options == nil {
		options = map[string]string{}
	}

	builtins := starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"info":         starlark.NewBuiltin("info", starInfo),
		"warn":         starlark.NewBuiltin("warn", starWarn),
		"error":        starlark.NewBuiltin("error", starError),
		"option":       starlark.NewBuiltin("option", option),
		"config":       starlark.NewBuiltin("config", starConfig),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", starIsdir),
		"isfile":       starlark.NewBuiltin("isfile", starIsfile),
		"task":         starlark.NewBuiltin("task", task),
		"fileset":      starlark.NewBuiltin("fileset", starFileset),
		"sass":         starlark.NewBuiltin("sass", starSass),
		"batch":        starlark.NewBuiltin("batch", starBatch),
		"clean":        starlark.NewBuiltin("clean", starClean),
		"copy":         starlark.NewBuiltin("copy", starCopy),
		"connect":      starlark.NewBuiltin("connect", starConnect),
		"watch":        starlark.NewBuiltin("watch", starWatch),
		"fetch":        starlark.NewBuiltin("fetch", starFetch),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		usedOptions:  make(map[string]bool),
		envOverrides: make(map[string]string),
		dotEnv:       make(map[string]string),
		tasks:        NewTaskList(),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	dotEnvPath := filepath.Join(projectRoot, ".env")
	if _, err := os.Stat(dotEnvPath); err == nil {
		threadCtx.dotEnv, err = godotenv.Read(dotEnvPath)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse %s", dotEnvPath)
		}
	}

	globals, err := starlark.ExecFile(thread, simplifyPath(&threadCtx, filename), script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, eris.Errorf("failed to execute %s:\n%s", simplifyPath(&threadCtx, filename), evalError.Backtrace())
		}
		return nil, eris.Wrap(err, "failed to execute")
	}

	configure, ok := globals["configure"]
	if !ok {
		return nil, eris.Errorf("%s did not declare a configure function", simplifyPath(&threadCtx, filename))
	}

	configureFunc, ok := configure.(starlark.Callable)
	if !ok {
		return nil, eris.Errorf("%s did declare a configure value but it's not a function", simplifyPath(&threadCtx, filename))
	}

	threadCtx.initPhase = false
	_, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, eris.New(evalError.Backtrace())
		}
		return nil, eris.Wrapf(err, "failed configure call in %s", simplifyPath(&threadCtx, filename))
	}

	if threadCtx.config == nil {
		threadCtx.config, _ = NewConfig(DefaultNamespace, nil)
	}

	for _, name := range unusedOptions(&threadCtx) {
		log(ctx).Warn().Msgf("Option %s is not used by %s", name, simplifyPath(&threadCtx, filename))
	}

	return &Project{
		Root:         projectRoot,
		Script:       filename,
		Config:       threadCtx.config,
		Tasks:        threadCtx.tasks,
		Options:      threadCtx.options,
		envOverrides: threadCtx.envOverrides,
		dotEnv:       threadCtx.dotEnv,
	}, nil
}
