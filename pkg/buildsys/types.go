package buildsys

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

// Kind identifies the operation performed by a leaf task.
type Kind string

const (
	KindComposite Kind = "task"
	KindSass      Kind = "sass"
	KindBatch     Kind = "batch"
	KindClean     Kind = "clean"
	KindCopy      Kind = "copy"
	KindConnect   Kind = "connect"
	KindWatch     Kind = "watch"
	KindFetch     Kind = "fetch"
)

// Leaf holds the typed options of a leaf task. The runner interprets them; the records never run anything
// themselves.
type Leaf interface {
	Kind() Kind
	// resolve returns a copy with every <%= ns.root %> placeholder substituted.
	resolve(cfg *Config) (Leaf, error)
}

// FileSet maps the files matched by Src (relative to Cwd) to Dest.
type FileSet struct {
	Cwd  string   `yaml:"cwd,omitempty"`
	Src  []string `yaml:"src"`
	Dest string   `yaml:"dest,omitempty"`
}

func (f FileSet) resolve(cfg *Config) (FileSet, error) {
	var err error
	result := FileSet{}

	if result.Cwd, err = cfg.Interpolate(f.Cwd); err != nil {
		return result, err
	}
	if result.Dest, err = cfg.Interpolate(f.Dest); err != nil {
		return result, err
	}
	result.Src, err = cfg.InterpolateAll(f.Src)
	return result, err
}

func resolveFileSets(cfg *Config, sets []FileSet) ([]FileSet, error) {
	result := make([]FileSet, len(sets))
	for idx, set := range sets {
		resolved, err := set.resolve(cfg)
		if err != nil {
			return nil, err
		}
		result[idx] = resolved
	}

	return result, nil
}

// SassLeaf compiles stylesheets. Files maps destination to source.
type SassLeaf struct {
	Files     map[string]string `yaml:"files"`
	Style     string            `yaml:"style,omitempty"`
	SourceMap string            `yaml:"sourcemap,omitempty"`
	Trace     bool              `yaml:"trace,omitempty"`
	LoadPaths []string          `yaml:"load_paths,omitempty"`
}

func (*SassLeaf) Kind() Kind { return KindSass }

func (l *SassLeaf) resolve(cfg *Config) (Leaf, error) {
	result := *l
	result.Files = make(map[string]string, len(l.Files))
	for dest, src := range l.Files {
		rDest, err := cfg.Interpolate(dest)
		if err != nil {
			return nil, err
		}
		rSrc, err := cfg.Interpolate(src)
		if err != nil {
			return nil, err
		}
		result.Files[rDest] = rSrc
	}

	var err error
	result.LoadPaths, err = cfg.InterpolateAll(l.LoadPaths)
	return &result, err
}

// Destinations returns the keys of Files in a stable order.
func (l *SassLeaf) Destinations() []string {
	dests := make([]string, 0, len(l.Files))
	for dest := range l.Files {
		dests = append(dests, dest)
	}

	sort.Strings(dests)
	return dests
}

// BatchLeaf runs a shell command once for every matched file.
type BatchLeaf struct {
	Cmd   string    `yaml:"cmd"`
	Files []FileSet `yaml:"files,omitempty"`
	Dir   string    `yaml:"dir,omitempty"`
}

func (*BatchLeaf) Kind() Kind { return KindBatch }

func (l *BatchLeaf) resolve(cfg *Config) (Leaf, error) {
	var err error
	result := *l
	if result.Cmd, err = cfg.Interpolate(l.Cmd); err != nil {
		return nil, err
	}
	if result.Dir, err = cfg.Interpolate(l.Dir); err != nil {
		return nil, err
	}
	result.Files, err = resolveFileSets(cfg, l.Files)
	return &result, err
}

// CleanLeaf deletes files and directories.
type CleanLeaf struct {
	Paths []string `yaml:"paths"`
	// Force allows deleting paths outside of the project root.
	Force bool `yaml:"force,omitempty"`
}

func (*CleanLeaf) Kind() Kind { return KindClean }

func (l *CleanLeaf) resolve(cfg *Config) (Leaf, error) {
	var err error
	result := *l
	result.Paths, err = cfg.InterpolateAll(l.Paths)
	return &result, err
}

// CopyLeaf copies files while keeping their path relative to the fileset's Cwd.
type CopyLeaf struct {
	Files []FileSet `yaml:"files"`
}

func (*CopyLeaf) Kind() Kind { return KindCopy }

func (l *CopyLeaf) resolve(cfg *Config) (Leaf, error) {
	var err error
	result := *l
	result.Files, err = resolveFileSets(cfg, l.Files)
	return &result, err
}

// ConnectLeaf starts the static web server.
type ConnectLeaf struct {
	Hostname  string `yaml:"hostname,omitempty"`
	Port      int    `yaml:"port"`
	Base      string `yaml:"base"`
	Keepalive bool   `yaml:"keepalive,omitempty"`
	Compress  bool   `yaml:"compress,omitempty"`
}

func (*ConnectLeaf) Kind() Kind { return KindConnect }

func (l *ConnectLeaf) resolve(cfg *Config) (Leaf, error) {
	var err error
	result := *l
	if result.Hostname, err = cfg.Interpolate(l.Hostname); err != nil {
		return nil, err
	}
	result.Base, err = cfg.Interpolate(l.Base)
	return &result, err
}

// WatchLeaf re-runs Tasks whenever a file matching Files changes.
type WatchLeaf struct {
	Files    []string      `yaml:"files"`
	Tasks    []string      `yaml:"tasks"`
	Spawn    bool          `yaml:"spawn,omitempty"`
	Debounce time.Duration `yaml:"debounce,omitempty"`
}

func (*WatchLeaf) Kind() Kind { return KindWatch }

func (l *WatchLeaf) resolve(cfg *Config) (Leaf, error) {
	var err error
	result := *l
	result.Files, err = cfg.InterpolateAll(l.Files)
	return &result, err
}

// FetchLeaf downloads and unpacks an archive.
type FetchLeaf struct {
	URL      string   `yaml:"url"`
	Sha256   string   `yaml:"sha256"`
	Dest     string   `yaml:"dest"`
	Strip    int      `yaml:"strip,omitempty"`
	MarkExec []string `yaml:"mark_exec,omitempty"`
}

func (*FetchLeaf) Kind() Kind { return KindFetch }

func (l *FetchLeaf) resolve(cfg *Config) (Leaf, error) {
	var err error
	result := *l
	if result.URL, err = cfg.Interpolate(l.URL); err != nil {
		return nil, err
	}
	result.Dest, err = cfg.Interpolate(l.Dest)
	return &result, err
}

// Task is an entry of the task registry. Composite tasks list other task names in Steps, leaf tasks carry a Leaf.
type Task struct {
	Name   string
	Desc   string
	Steps  []string
	Leaf   Leaf
	Hidden bool
}

// Kind returns the leaf kind or KindComposite.
func (t *Task) Kind() Kind {
	if t.Leaf == nil {
		return KindComposite
	}

	return t.Leaf.Kind()
}

// TaskList maps names to tasks and remembers the declaration order.
type TaskList struct {
	tasks map[string]*Task
	order []string
}

// NewTaskList returns an empty registry.
func NewTaskList() *TaskList {
	return &TaskList{tasks: map[string]*Task{}}
}

// Register stores a composite task. The steps are not checked until the task is run.
func (l *TaskList) Register(name string, steps ...string) *Task {
	task := &Task{Name: name, Steps: steps}
	l.Add(task)
	return task
}

// Add stores task under its name, replacing any previous task with the same name.
func (l *TaskList) Add(task *Task) {
	if _, exists := l.tasks[task.Name]; !exists {
		l.order = append(l.order, task.Name)
	}
	l.tasks[task.Name] = task
}

// Get looks up a task by name.
func (l *TaskList) Get(name string) (*Task, bool) {
	task, ok := l.tasks[name]
	return task, ok
}

// Len returns the number of registered tasks.
func (l *TaskList) Len() int {
	return len(l.tasks)
}

// Names returns the sorted names of all tasks that aren't hidden.
func (l *TaskList) Names() []string {
	names := make([]string, 0, len(l.tasks))
	for name, task := range l.tasks {
		if !task.Hidden {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names
}

// Targets returns the non-hidden leaf tasks of the given kind in declaration order.
func (l *TaskList) Targets(kind Kind) []*Task {
	result := []*Task{}
	for _, name := range l.order {
		task := l.tasks[name]
		if task.Leaf != nil && task.Kind() == kind && !task.Hidden {
			result = append(result, task)
		}
	}

	return result
}

// LeafName builds the registry name of a leaf target.
func LeafName(kind Kind, target string) string {
	return string(kind) + ":" + target
}

// SplitName splits "kind:target" names. Composite names return an empty target.
func SplitName(name string) (Kind, string) {
	pos := strings.Index(name, ":")
	if pos < 0 {
		return Kind(name), ""
	}

	return Kind(name[:pos]), name[pos+1:]
}

// Implement starlark.Value for *Task

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Name, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since task is not hashable
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

// starFileSet is the Starlark value returned by fileset().
type starFileSet struct {
	set FileSet
}

func (f *starFileSet) String() string {
	return fmt.Sprintf("<fileset %s in %q to %q>", strings.Join(f.set.Src, ","), f.set.Cwd, f.set.Dest)
}

func (f *starFileSet) Type() string {
	return "fileset"
}

func (f *starFileSet) Freeze() {}

func (f *starFileSet) Truth() starlark.Bool {
	return starlark.Bool(len(f.set.Src) > 0)
}

func (f *starFileSet) Hash() (uint32, error) {
	return 0, eris.New("fileset is not a hashable type")
}

type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}
