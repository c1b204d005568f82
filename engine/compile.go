package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/maxpert/fanout/common"
)

// predicate matches one payload path against a compiled glob
type predicate struct {
	path    []string
	pattern glob.Glob
}

// compiled is the validated, ready to run form of an Operation
type compiled struct {
	events     []string
	predicates []predicate
	fields     [][]string
}

// compile validates op and resolves its variables into glob patterns.
func compile(op common.Operation) (*compiled, error) {
	if len(op.Events) == 0 {
		return nil, fmt.Errorf("operation must listen to at least one event")
	}
	for _, name := range op.Events {
		if name == "" {
			return nil, fmt.Errorf("operation lists an empty event name")
		}
	}

	c := &compiled{events: op.Events}

	// Stable order keeps error messages deterministic
	paths := make([]string, 0, len(op.Filter))
	for path := range op.Filter {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		segments, err := splitPath(path)
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}

		raw := op.Filter[path]
		pattern := raw
		if strings.HasPrefix(raw, "$") {
			name := raw[1:]
			value, ok := op.Variables[name]
			if !ok {
				return nil, fmt.Errorf("filter %q references undefined variable %q", path, name)
			}
			pattern = glob.QuoteMeta(fmt.Sprint(value))
		}

		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q for %q: %w", raw, path, err)
		}
		c.predicates = append(c.predicates, predicate{path: segments, pattern: g})
	}

	for _, field := range op.Fields {
		segments, err := splitPath(field)
		if err != nil {
			return nil, fmt.Errorf("fields: %w", err)
		}
		c.fields = append(c.fields, segments)
	}

	return c, nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	segments := strings.Split(path, ".")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("invalid path %q", path)
		}
	}
	return segments, nil
}

// lookup walks a decoded payload along path.
func lookup(value interface{}, path []string) (interface{}, bool) {
	current := value
	for _, segment := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// matches reports whether every predicate accepts value.
func (c *compiled) matches(value interface{}) bool {
	for _, p := range c.predicates {
		v, ok := lookup(value, p.path)
		if !ok {
			return false
		}
		if !p.pattern.Match(fmt.Sprint(v)) {
			return false
		}
	}
	return true
}

// project keeps only the configured fields. Without fields the value is
// returned as is.
func (c *compiled) project(value interface{}) interface{} {
	if len(c.fields) == 0 {
		return value
	}

	out := make(map[string]interface{})
	for _, path := range c.fields {
		v, ok := lookup(value, path)
		if !ok {
			continue
		}
		target := out
		for _, segment := range path[:len(path)-1] {
			next, ok := target[segment].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				target[segment] = next
			}
			target = next
		}
		target[path[len(path)-1]] = clone(v)
	}
	return out
}

// clone copies maps and slices so the projection never shares containers
// with the payload, which other subscribers read concurrently.
func clone(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = clone(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = clone(item)
		}
		return out
	default:
		return value
	}
}
