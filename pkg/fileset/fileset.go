// Package fileset resolves the file lists used by the task script. Patterns are doublestar globs relative to a
// working directory; a pattern starting with "!" removes the paths matched so far.
package fileset

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
)

// Expand returns the paths below cwd matched by patterns. Results are slash separated, relative to cwd and
// ordered by pattern (each pattern's matches sorted). A path is listed only once.
func Expand(cwd string, patterns []string) ([]string, error) {
	if cwd == "" {
		cwd = "."
	}

	info, err := os.Stat(cwd)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, eris.Wrapf(err, "failed to check %s", cwd)
	}
	if !info.IsDir() {
		return nil, eris.Errorf("%s is not a directory", cwd)
	}

	fsys := os.DirFS(cwd)
	result := []string{}
	seen := map[string]bool{}

	for _, pattern := range patterns {
		negate := strings.HasPrefix(pattern, "!")
		pattern = Clean(strings.TrimPrefix(pattern, "!"))
		if !doublestar.ValidatePattern(pattern) {
			return nil, eris.Errorf("invalid pattern %s", pattern)
		}

		if negate {
			kept := make([]string, 0, len(result))
			for _, item := range result {
				if ok, _ := doublestar.Match(pattern, item); ok {
					delete(seen, item)
					continue
				}
				kept = append(kept, item)
			}
			result = kept
			continue
		}

		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s in %s", pattern, cwd)
		}

		sort.Strings(matches)
		for _, match := range matches {
			if !seen[match] {
				seen[match] = true
				result = append(result, match)
			}
		}
	}

	return result, nil
}

// Match reports whether name (slash separated, relative) is selected by patterns. Patterns are applied in order
// and the last one that matches decides.
func Match(patterns []string, name string) bool {
	name = Clean(filepath.ToSlash(name))
	selected := false
	for _, pattern := range patterns {
		negate := strings.HasPrefix(pattern, "!")
		ok, err := doublestar.Match(Clean(strings.TrimPrefix(pattern, "!")), name)
		if err != nil || !ok {
			continue
		}
		selected = !negate
	}

	return selected
}

// Base returns the static directory prefix of a pattern, i.e. the part before the first glob meta character.
func Base(pattern string) string {
	base, _ := doublestar.SplitPattern(Clean(strings.TrimPrefix(pattern, "!")))
	return base
}

// HasMeta reports whether pattern contains glob meta characters.
func HasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// Clean normalizes a pattern to a relative slash path.
func Clean(pattern string) string {
	return strings.TrimPrefix(path.Clean(filepath.ToSlash(pattern)), "./")
}
