package approval

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Policy decides which tool calls are approved without asking. Patterns are
// globs over the tool name, e.g. "describe_*".
type Policy struct {
	patterns []string
	globs    []glob.Glob
}

// NewPolicy compiles patterns. An empty list approves nothing.
func NewPolicy(patterns []string) (*Policy, error) {
	p := &Policy{}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid auto-approve pattern %q: %w", pattern, err)
		}
		p.patterns = append(p.patterns, pattern)
		p.globs = append(p.globs, g)
	}
	return p, nil
}

// Matches returns the first pattern matching tool, if any.
func (p *Policy) Matches(tool string) (string, bool) {
	if p == nil {
		return "", false
	}
	for i, g := range p.globs {
		if g.Match(tool) {
			return p.patterns[i], true
		}
	}
	return "", false
}

// Patterns returns the configured patterns.
func (p *Policy) Patterns() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.patterns...)
}
