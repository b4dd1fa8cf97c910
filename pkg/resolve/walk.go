package resolve

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/sdejongh/courier/internal/platform"
	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/storage"
)

// entry is a file found on the source side with its path relative to the
// destination root
type entry struct {
	models.FileEntry
	rel string
}

// side couples a backend with the path syntax of its filesystem
type side struct {
	storage.Backend
	local bool
}

// toSlash converts a backend path to '/' separators
func (s side) toSlash(p string) string {
	if s.local {
		return filepath.ToSlash(p)
	}
	return p
}

// fromSlash converts a '/' separated path to backend syntax
func (s side) fromSlash(p string) string {
	if s.local {
		return filepath.FromSlash(p)
	}
	return p
}

// join joins path elements in this side's syntax
func (s side) join(elem ...string) string {
	if s.local {
		return filepath.Join(elem...)
	}
	return path.Join(elem...)
}

// normalize cleans a configured path for this side
func (s side) normalize(p string) (string, error) {
	if s.local {
		return platform.NormalizeLocal(p)
	}
	if err := platform.ValidatePath(p); err != nil {
		return "", err
	}
	// SFTP resolves relative paths against the login directory
	if p == "~" {
		return ".", nil
	}
	p = strings.TrimPrefix(p, "~/")
	return platform.NormalizeRemote(p), nil
}

// walkFn is called for every visited entry; returning false for a
// directory skips its subtree
type walkFn func(e models.FileEntry, rel string) bool

// walk visits dir depth-first with entries ordered by name at each level.
// Excluded entries and everything beneath them are pruned.
func walk(ctx context.Context, b storage.Backend, dir, rel string, ex *Excluder, fn walkFn) error {
	children, err := b.List(ctx, dir)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		childRel := path.Join(rel, child.RelativePath)
		if ex.Match(childRel, child.IsDir) {
			continue
		}
		if !fn(child, childRel) || !child.IsDir {
			continue
		}
		if err := walk(ctx, b, child.AbsolutePath, childRel, ex, fn); err != nil {
			return err
		}
	}
	return nil
}

// regular reports whether e is a plain file; links, devices and sockets
// are never transferred
func regular(e models.FileEntry) bool {
	return !e.IsDir && e.Mode.Type() == 0
}

// collectFiles walks root and returns every regular file below it
func collectFiles(ctx context.Context, b storage.Backend, root, rel string, ex *Excluder) ([]entry, error) {
	var files []entry
	err := walk(ctx, b, root, rel, ex, func(e models.FileEntry, rel string) bool {
		if regular(e) {
			files = append(files, entry{FileEntry: e, rel: rel})
		}
		return true
	})
	return files, err
}

// splitGlob splits a slash separated pattern into its static directory
// prefix and the remaining segments, the first of which holds a glob
func splitGlob(pattern string) (string, []string) {
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		if !platform.HasGlob(seg) {
			continue
		}
		prefix := strings.Join(segments[:i], "/")
		switch {
		case prefix == "" && strings.HasPrefix(pattern, "/"):
			prefix = "/"
		case prefix == "":
			prefix = "."
		}
		return prefix, segments[i:]
	}
	return pattern, nil
}

// expandGlob matches pattern segment by segment over the backend. Matches
// are returned in lexicographic order with paths relative to the static
// prefix.
func expandGlob(ctx context.Context, s side, pattern string) ([]entry, error) {
	prefix, rest := splitGlob(s.toSlash(pattern))
	root := s.fromSlash(prefix)

	rootEntry, err := s.Stat(ctx, root)
	if err != nil {
		return nil, err
	}
	current := []entry{{FileEntry: rootEntry}}

	for i, seg := range rest {
		if seg == "" {
			continue
		}
		last := i == len(rest)-1
		var next []entry
		for _, dir := range current {
			if !dir.IsDir {
				continue
			}
			children, err := s.List(ctx, dir.AbsolutePath)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if matched, _ := path.Match(seg, child.RelativePath); !matched {
					continue
				}
				if !last && !child.IsDir {
					continue
				}
				next = append(next, entry{FileEntry: child, rel: path.Join(dir.rel, child.RelativePath)})
			}
		}
		current = next
	}
	return current, nil
}
