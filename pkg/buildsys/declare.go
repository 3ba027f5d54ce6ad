package buildsys

import (
	"strings"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/nagyistge/egeo.visual.guidelines/pkg/sass"
	"github.com/nagyistge/egeo.visual.guidelines/pkg/serve"
)

var (
	sassStyles     = map[string]bool{"": true, sass.StyleExpanded: true, sass.StyleCompressed: true}
	sassSourceMaps = map[string]bool{
		"":                   true,
		sass.SourceMapAuto:   true,
		sass.SourceMapFile:   true,
		sass.SourceMapInline: true,
		sass.SourceMapNone:   true,
	}
)

func (ctx *parserCtx) addTask(thread *starlark.Thread, task *Task) {
	if _, exists := ctx.tasks.Get(task.Name); exists {
		warn(thread, "redefining task %s", task.Name)
	}

	ctx.tasks.Add(task)
}

func registerLeaf(thread *starlark.Thread, fn *starlark.Builtin, target, desc string, leaf Leaf) (starlark.Value, error) {
	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.Errorf("%s can only be called inside configure()", fn.Name())
	}

	if strings.Contains(target, ":") {
		return nil, eris.Errorf("%s: target %q must not contain a colon", fn.Name(), target)
	}

	hidden := false
	if target == "" {
		hidden = true
		target = "auto#" + nanoid.New()
	}

	task := &Task{
		Name:   LeafName(leaf.Kind(), target),
		Desc:   desc,
		Leaf:   leaf,
		Hidden: hidden,
	}
	ctx.addTask(thread, task)

	return task, nil
}

func unpackFileSets(input *starlark.List, field string) ([]FileSet, error) {
	if input == nil {
		return nil, nil
	}

	result := make([]FileSet, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		set, ok := item.(*starFileSet)
		if !ok {
			return nil, eris.Errorf("expected all items in %s to be filesets but found %s", field, item.Type())
		}
		result = append(result, set.set)
	}

	return result, nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var steps *starlark.List
	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &task.Name, "steps?", &steps, "desc?", &task.Desc,
		"hidden?", &task.Hidden)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.Errorf("%s can only be called inside configure()", fn.Name())
	}

	if task.Name == "" {
		return nil, eris.Errorf("%s: name must not be empty", fn.Name())
	}

	if task.Name == "configure" {
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	task.Steps = []string{}
	if steps != nil {
		iter := steps.Iterate()
		defer iter.Done()

		var item starlark.Value
		for iter.Next(&item) {
			switch value := item.(type) {
			case starlark.String:
				task.Steps = append(task.Steps, value.GoString())
			case *Task:
				task.Steps = append(task.Steps, value.Name)
			default:
				return nil, eris.Errorf("%s: unexpected step type %s. Only strings and tasks are valid", fn.Name(), item.Type())
			}
		}
	}

	ctx.addTask(thread, task)
	return task, nil
}

func starFileset(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src starlark.Value
	set := FileSet{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "cwd?", &set.Cwd, "dest?", &set.Dest)
	if err != nil {
		return nil, err
	}

	switch value := src.(type) {
	case starlark.String:
		set.Src = []string{value.GoString()}
	case starlarkIterable:
		set.Src, err = starlarkIterable2stringSlice(value, "src")
		if err != nil {
			return nil, err
		}
	default:
		return nil, eris.Errorf("%s: src must be a string or a list of strings, got %s", fn.Name(), src.Type())
	}

	if len(set.Src) == 0 {
		return nil, eris.Errorf("%s: src must not be empty", fn.Name())
	}

	return &starFileSet{set: set}, nil
}

func starSass(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, desc string
	var files *starlark.Dict
	var loadPaths *starlark.List
	leaf := &SassLeaf{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "target?", &target, "files", &files, "style?", &leaf.Style,
		"sourcemap?", &leaf.SourceMap, "trace?", &leaf.Trace, "load_paths?", &loadPaths, "desc?", &desc)
	if err != nil {
		return nil, err
	}

	if !sassStyles[leaf.Style] {
		return nil, eris.Errorf("%s: unsupported style %q", fn.Name(), leaf.Style)
	}
	if !sassSourceMaps[leaf.SourceMap] {
		return nil, eris.Errorf("%s: unsupported sourcemap mode %q", fn.Name(), leaf.SourceMap)
	}

	leaf.Files, err = starlarkDict2stringMap(files, "files")
	if err != nil {
		return nil, err
	}
	if len(leaf.Files) == 0 {
		return nil, eris.Errorf("%s: files must map at least one destination to a source", fn.Name())
	}

	leaf.LoadPaths, err = starlarkIterable2stringSlice(loadPaths, "load_paths")
	if err != nil {
		return nil, err
	}

	return registerLeaf(thread, fn, target, desc, leaf)
}

func starBatch(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, desc string
	var files *starlark.List
	leaf := &BatchLeaf{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "target?", &target, "cmd", &leaf.Cmd, "files?", &files,
		"dir?", &leaf.Dir, "desc?", &desc)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(leaf.Cmd) == "" {
		return nil, eris.Errorf("%s: cmd must not be empty", fn.Name())
	}

	leaf.Files, err = unpackFileSets(files, "files")
	if err != nil {
		return nil, err
	}

	return registerLeaf(thread, fn, target, desc, leaf)
}

func starClean(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, desc string
	var paths *starlark.List
	leaf := &CleanLeaf{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "target?", &target, "paths", &paths, "force?", &leaf.Force,
		"desc?", &desc)
	if err != nil {
		return nil, err
	}

	leaf.Paths, err = starlarkIterable2stringSlice(paths, "paths")
	if err != nil {
		return nil, err
	}

	return registerLeaf(thread, fn, target, desc, leaf)
}

func starCopy(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, desc string
	var files *starlark.List
	leaf := &CopyLeaf{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "target?", &target, "files", &files, "desc?", &desc)
	if err != nil {
		return nil, err
	}

	leaf.Files, err = unpackFileSets(files, "files")
	if err != nil {
		return nil, err
	}

	for idx, set := range leaf.Files {
		if set.Dest == "" {
			return nil, eris.Errorf("%s: fileset #%d has no dest", fn.Name(), idx)
		}
	}

	return registerLeaf(thread, fn, target, desc, leaf)
}

func starConnect(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, desc string
	leaf := &ConnectLeaf{
		Port: serve.DefaultPort,
		Base: ".",
	}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "target?", &target, "port?", &leaf.Port,
		"hostname?", &leaf.Hostname, "base?", &leaf.Base, "keepalive?", &leaf.Keepalive, "compress?", &leaf.Compress,
		"desc?", &desc)
	if err != nil {
		return nil, err
	}

	if leaf.Port > 65535 {
		return nil, eris.Errorf("%s: invalid port %d", fn.Name(), leaf.Port)
	}

	return registerLeaf(thread, fn, target, desc, leaf)
}

func starWatch(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, desc, debounce string
	var files, tasks *starlark.List
	leaf := &WatchLeaf{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "target?", &target, "files", &files, "tasks", &tasks,
		"spawn?", &leaf.Spawn, "debounce?", &debounce, "desc?", &desc)
	if err != nil {
		return nil, err
	}

	leaf.Files, err = starlarkIterable2stringSlice(files, "files")
	if err != nil {
		return nil, err
	}

	leaf.Tasks = []string{}
	iter := tasks.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			leaf.Tasks = append(leaf.Tasks, value.GoString())
		case *Task:
			leaf.Tasks = append(leaf.Tasks, value.Name)
		default:
			return nil, eris.Errorf("%s: unexpected task type %s", fn.Name(), item.Type())
		}
	}

	if len(leaf.Files) == 0 || len(leaf.Tasks) == 0 {
		return nil, eris.Errorf("%s: files and tasks must not be empty", fn.Name())
	}

	if debounce != "" {
		leaf.Debounce, err = time.ParseDuration(debounce)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: invalid debounce", fn.Name())
		}
	}

	return registerLeaf(thread, fn, target, desc, leaf)
}

func starFetch(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, desc string
	var markExec *starlark.List
	leaf := &FetchLeaf{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "target?", &target, "url", &leaf.URL, "sha256", &leaf.Sha256,
		"dest", &leaf.Dest, "strip?", &leaf.Strip, "mark_exec?", &markExec, "desc?", &desc)
	if err != nil {
		return nil, err
	}

	leaf.MarkExec, err = starlarkIterable2stringSlice(markExec, "mark_exec")
	if err != nil {
		return nil, err
	}

	return registerLeaf(thread, fn, target, desc, leaf)
}
