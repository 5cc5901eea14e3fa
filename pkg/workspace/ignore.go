package workspace

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultIgnore lists paths that never count as agent changes.
var DefaultIgnore = []string{
	StateDir,
	StateDir + "/**",
	".git",
	".git/**",
}

// IgnoreMatcher matches slash-separated relative paths against glob patterns.
type IgnoreMatcher struct {
	patterns []glob.Glob
}

// NewIgnoreMatcher compiles DefaultIgnore plus extra patterns.
func NewIgnoreMatcher(extra []string) (*IgnoreMatcher, error) {
	m := &IgnoreMatcher{}
	for _, pattern := range append(append([]string{}, DefaultIgnore...), extra...) {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern '%s': %w", pattern, err)
		}
		m.patterns = append(m.patterns, g)
	}
	return m, nil
}

// Match reports whether rel, a path relative to the working directory, is ignored.
func (m *IgnoreMatcher) Match(rel string) bool {
	if m == nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, g := range m.patterns {
		if g.Match(rel) {
			return true
		}
	}
	return false
}
