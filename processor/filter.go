package processor

import (
	"fmt"

	"github.com/gobwas/glob"
)

// EventFilter selects event names by glob pattern
type EventFilter struct {
	globs []glob.Glob
}

// NewEventFilter compiles patterns. Empty patterns match everything.
func NewEventFilter(patterns []string) (*EventFilter, error) {
	filter := &EventFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid event pattern %q: %w", pattern, err)
		}
		filter.globs = append(filter.globs, g)
	}
	return filter, nil
}

// Match reports whether name passes the filter
func (f *EventFilter) Match(name string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
