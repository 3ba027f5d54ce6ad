package buildsys

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if input == nil {
		return []string{}, nil
	}
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

func starlarkDict2stringMap(input *starlark.Dict, field string) (map[string]string, error) {
	result := map[string]string{}
	if input == nil {
		return result, nil
	}

	for _, item := range input.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, eris.Errorf("found key type %s in %s but only strings are supported", item[0].Type(), field)
		}

		value, ok := item[1].(starlark.String)
		if !ok {
			return nil, eris.Errorf("found value of type %s for key %s in %s but only strings are supported",
				item[1].Type(), key.GoString(), field)
		}

		result[key.GoString()] = value.GoString()
	}

	return result, nil
}

// normalizePath resolves paths used by the script itself. Relative paths start at the script's directory, paths
// starting with // at the project root.
func normalizePath(ctx *parserCtx, pathList ...string) string {
	result := filepath.Dir(ctx.filepath)

	for _, path := range pathList {
		if strings.HasPrefix(path, "//") {
			result = filepath.Join(ctx.projectRoot, path[2:])
		} else if !filepath.IsAbs(path) {
			result = filepath.Join(result, path)
		} else {
			result = path
		}
	}

	return filepath.Clean(result)
}

func simplifyPath(ctx *parserCtx, path string) string {
	projectRoot := ctx.projectRoot
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	if strings.HasPrefix(absPath, projectRoot+string(filepath.Separator)) {
		return "//" + filepath.ToSlash(absPath[len(projectRoot)+1:])
	}
	return path
}

func envKey(name string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(name)
	}

	return name
}

// buildEnviron merges the process environment with the values from .env (which never replace existing variables)
// and the script's overrides (which always do).
func buildEnviron(dotEnv, overrides map[string]string) []string {
	osEnv := os.Environ()
	shellEnv := make([]string, 0, len(osEnv)+len(dotEnv)+len(overrides))
	present := make(map[string]bool, len(osEnv))

	for _, item := range osEnv {
		parts := strings.SplitN(item, "=", 2)
		key := envKey(parts[0])
		present[key] = true

		// skip overriden entries to avoid conflicts
		if _, overridden := overrides[key]; !overridden {
			shellEnv = append(shellEnv, item)
		}
	}

	keys := make([]string, 0, len(dotEnv))
	for k := range dotEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		_, overridden := overrides[envKey(k)]
		if !present[envKey(k)] && !overridden {
			shellEnv = append(shellEnv, fmt.Sprintf("%s=%s", k, dotEnv[k]))
		}
	}

	keys = keys[:0]
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		shellEnv = append(shellEnv, fmt.Sprintf("%s=%s", k, overrides[k]))
	}

	return shellEnv
}

func interfaceToStarlark(value interface{}) (starlark.Value, error) {
	// handle a few simple and common cases first
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case bool:
		return starlark.Bool(value), nil
	case float32:
		return starlark.Float(value), nil
	case float64:
		return starlark.Float(value), nil
	case []string:
		items := make([]starlark.Value, len(value))
		for idx, raw := range value {
			items[idx] = starlark.String(raw)
		}

		return starlark.NewList(items), nil
	}

	refValue := reflect.ValueOf(value)
	var err error
	switch refValue.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]starlark.Value, refValue.Len())
		for idx := 0; idx < refValue.Len(); idx++ {
			items[idx], err = interfaceToStarlark(refValue.Index(idx).Interface())
			if err != nil {
				return nil, err
			}
		}

		return starlark.NewList(items), nil
	case reflect.Map:
		dict := starlark.NewDict(refValue.Len())
		iter := refValue.MapRange()
		for iter.Next() {
			key, err := interfaceToStarlark(iter.Key().Interface())
			if err != nil {
				return nil, err
			}

			value, err := interfaceToStarlark(iter.Value().Interface())
			if err != nil {
				return nil, err
			}

			err = dict.SetKey(key, value)
			if err != nil {
				return nil, err
			}
		}

		return dict, nil
	}

	return nil, eris.Errorf("encountered unsupported type %v", refValue.Kind())
}
