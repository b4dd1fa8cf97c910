package resolve

import (
	"path"
	"strings"
)

// Excluder decides whether a path relative to a job root is pruned.
// Patterns support:
//   - Basename globs: *.tmp, *.log
//   - Directory patterns: .git/, node_modules/
//   - Path patterns: build/*, **/test/*
type Excluder struct {
	patterns []string
}

// NewExcluder normalizes patterns to '/' separators and drops empty ones
func NewExcluder(patterns []string) *Excluder {
	e := &Excluder{}
	for _, p := range patterns {
		p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
		if p != "" {
			e.patterns = append(e.patterns, p)
		}
	}
	return e
}

// Match reports whether rel (slash separated) is excluded. Directory
// patterns only prune directories and what lies beneath them.
func (e *Excluder) Match(rel string, isDir bool) bool {
	if e == nil || len(e.patterns) == 0 {
		return false
	}
	baseName := path.Base(rel)

	for _, pattern := range e.patterns {
		if strings.HasSuffix(pattern, "/") {
			dirPattern := strings.TrimSuffix(pattern, "/")
			if isDir && (rel == dirPattern || matchGlob(baseName, dirPattern)) {
				return true
			}
			if strings.HasPrefix(rel, dirPattern+"/") || strings.Contains(rel, "/"+dirPattern+"/") {
				return true
			}
			continue
		}

		// **/pattern matches pattern at any depth
		if suffix, ok := strings.CutPrefix(pattern, "**/"); ok {
			if matchGlob(baseName, suffix) || rel == suffix || strings.HasSuffix(rel, "/"+suffix) {
				return true
			}
			if strings.Contains(suffix, "/") && matchTail(rel, suffix) {
				return true
			}
			continue
		}

		if strings.Contains(pattern, "/") {
			if matched, _ := path.Match(pattern, rel); matched {
				return true
			}
			continue
		}

		if matchGlob(baseName, pattern) {
			return true
		}
	}
	return false
}

func matchGlob(name, pattern string) bool {
	matched, _ := path.Match(pattern, name)
	return matched
}

// matchTail matches pattern against the trailing segments of rel
func matchTail(rel, pattern string) bool {
	want := strings.Count(pattern, "/") + 1
	parts := strings.Split(rel, "/")
	if len(parts) < want {
		return false
	}
	return matchGlob(strings.Join(parts[len(parts)-want:], "/"), pattern)
}
