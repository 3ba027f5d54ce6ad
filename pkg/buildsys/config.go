package buildsys

import (
	"regexp"
	"sort"

	"github.com/rotisserie/eris"
)

// DefaultNamespace is the prefix of placeholders when the script doesn't pick one.
const DefaultNamespace = "app"

const maxResolveDepth = 16

var placeholderPattern = regexp.MustCompile(`<%=\s*([A-Za-z_$][\w$]*)\.([A-Za-z_$][\w$]*)\s*%>`)

// Config holds the named path roots of a project. Values are fully resolved when the Config is created and never
// change afterwards.
type Config struct {
	Namespace string
	values    map[string]string
}

// NewConfig resolves placeholders between the given roots and returns the resulting Config.
func NewConfig(namespace string, roots map[string]string) (*Config, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	raw := &Config{Namespace: namespace, values: roots}
	cfg := &Config{Namespace: namespace, values: make(map[string]string, len(roots))}
	for name, value := range roots {
		resolved, err := raw.interpolate(value, maxResolveDepth)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve %s.%s", namespace, name)
		}
		cfg.values[name] = resolved
	}

	return cfg, nil
}

// Get returns the value of the given root.
func (c *Config) Get(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	value, ok := c.values[name]
	return value, ok
}

// Names returns all root names in sorted order.
func (c *Config) Names() []string {
	if c == nil {
		return nil
	}

	names := make([]string, 0, len(c.values))
	for name := range c.values {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Interpolate replaces every <%= ns.root %> placeholder in value.
func (c *Config) Interpolate(value string) (string, error) {
	return c.interpolate(value, 1)
}

// InterpolateAll applies Interpolate to every item and returns a new slice.
func (c *Config) InterpolateAll(values []string) ([]string, error) {
	if values == nil {
		return nil, nil
	}

	result := make([]string, len(values))
	for idx, value := range values {
		resolved, err := c.Interpolate(value)
		if err != nil {
			return nil, err
		}
		result[idx] = resolved
	}

	return result, nil
}

func (c *Config) interpolate(value string, depth int) (string, error) {
	var lastErr error
	result := placeholderPattern.ReplaceAllStringFunc(value, func(match string) string {
		if lastErr != nil {
			return match
		}

		parts := placeholderPattern.FindStringSubmatch(match)
		replacement, ok := c.Get(parts[2])
		if !ok || parts[1] != c.namespace() {
			lastErr = eris.Wrapf(ErrUnknownPathRoot, "%s.%s", parts[1], parts[2])
			return match
		}

		if depth > 1 && placeholderPattern.MatchString(replacement) {
			replacement, lastErr = c.interpolate(replacement, depth-1)
		}
		return replacement
	})

	if lastErr != nil {
		return "", lastErr
	}

	if depth <= 1 && placeholderPattern.MatchString(result) {
		return "", eris.Errorf("placeholders in %q are nested too deeply or cyclic", value)
	}

	return result, nil
}

func (c *Config) namespace() string {
	if c == nil {
		return DefaultNamespace
	}

	return c.Namespace
}
