package platform

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var duplicateSlashes = regexp.MustCompile(`/{2,}`)

// ExpandHome replaces a leading ~ with the current user's home directory
func ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", &PathError{Path: p, Message: "cannot resolve home directory: " + err.Error()}
	}
	return filepath.Join(home, p[1:]), nil
}

// NormalizeLocal expands ~ and returns a clean absolute local path
func NormalizeLocal(p string) (string, error) {
	if err := ValidatePath(p); err != nil {
		return "", err
	}
	expanded, err := ExpandHome(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", &PathError{Path: p, Message: err.Error()}
	}
	return abs, nil
}

// NormalizeRemote converts a remote path to clean POSIX form: backslashes
// become slashes and duplicate slashes collapse. A relative path stays
// relative to the login directory.
func NormalizeRemote(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = duplicateSlashes.ReplaceAllString(p, "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

// JoinRemote joins remote path elements with '/' regardless of platform
func JoinRemote(elem ...string) string {
	return NormalizeRemote(path.Join(elem...))
}

// HasDirSuffix reports whether p ends with a separator, meaning the caller
// asked for "into this directory"
func HasDirSuffix(p string) bool {
	return strings.HasSuffix(p, "/") || strings.HasSuffix(p, `\`)
}

// HasGlob reports whether p contains glob metacharacters
func HasGlob(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

// ValidatePath rejects paths that can never be valid on either side
func ValidatePath(p string) error {
	if p == "" {
		return &PathError{Path: p, Message: "path is empty"}
	}
	if strings.ContainsRune(p, 0) {
		return &PathError{Path: p, Message: "path contains a NUL byte"}
	}
	return nil
}

// PathError represents a path validation error
type PathError struct {
	Path    string
	Message string
}

func (e *PathError) Error() string {
	return "invalid path '" + e.Path + "': " + e.Message
}
