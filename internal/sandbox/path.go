package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PathValidator allows a path iff, after canonicalization, it is contained
// within one of the declared glob patterns anchored at the workspace base
// (§4.6 "Path validation").
//
// Grounded on tools/file/executor.go's validatePath, generalized from a
// single prefix-containment check against one repo root to glob-pattern
// matching against a declared set, via doublestar (the pack's glob library
// of choice — pulled in via the teacher's go.mod for Gear path patterns
// like "src/**/*.go").
type PathValidator struct {
	base     string
	patterns []string
}

// NewPathValidator builds a validator anchored at base, matching requests
// against patterns (relative to base; "**" and "*" are supported via
// doublestar).
func NewPathValidator(base string, patterns []string) (*PathValidator, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve workspace base: %w", err)
	}
	return &PathValidator{base: absBase, patterns: patterns}, nil
}

// Validate resolves path against the workspace base and checks it against
// the declared glob patterns. ".." traversal and absolute paths outside
// base are rejected outright, before any glob match is attempted.
func (v *PathValidator) Validate(path string) (string, error) {
	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Clean(filepath.Join(v.base, path))
	}

	if full != v.base && !strings.HasPrefix(full, v.base+string(filepath.Separator)) {
		return "", fmt.Errorf("sandbox: path %q escapes workspace base", path)
	}

	rel, err := filepath.Rel(v.base, full)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve relative path: %w", err)
	}
	rel = filepath.ToSlash(rel)

	for _, pattern := range v.patterns {
		matched, err := doublestar.Match(pattern, rel)
		if err != nil {
			return "", fmt.Errorf("sandbox: invalid glob pattern %q: %w", pattern, err)
		}
		if matched {
			return full, nil
		}
	}
	return "", fmt.Errorf("sandbox: path %q does not match any declared pattern", path)
}
