package processor

import (
	"fmt"
	"path"

	"sqlite-cdc/internal/config"
	"sqlite-cdc/internal/hook"
)

// Filter selects which captured changes are published.
type Filter struct {
	tables          []string
	excludeTables   []string
	databases       []string
	includeTriggers bool
}

// NewFilter builds a Filter from capture configuration, validating patterns.
func NewFilter(cfg config.CaptureConfig) (*Filter, error) {
	for _, patterns := range [][]string{cfg.Tables, cfg.ExcludeTables, cfg.Databases} {
		for _, p := range patterns {
			if _, err := path.Match(p, ""); err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
			}
		}
	}
	return &Filter{
		tables:          cfg.Tables,
		excludeTables:   cfg.ExcludeTables,
		databases:       cfg.Databases,
		includeTriggers: cfg.IncludeTriggers,
	}, nil
}

// Match reports whether ch passes the filter.
func (f *Filter) Match(ch hook.Change) bool {
	if ch.Depth > 0 && !f.includeTriggers {
		return false
	}
	if len(f.databases) > 0 && !matchAny(f.databases, ch.Database) {
		return false
	}
	if len(f.tables) > 0 && !matchAny(f.tables, ch.Table) {
		return false
	}
	return !matchAny(f.excludeTables, ch.Table)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
