package models

import (
	"os"
	"time"
)

// FileEntry is one entry of a directory listing on either side of a transfer
type FileEntry struct {
	// RelativePath is the slash separated path relative to the listing root
	RelativePath string

	// AbsolutePath is the full path on the owning filesystem
	AbsolutePath string

	// Size in bytes
	Size int64

	// ModTime is the last modification time
	ModTime time.Time

	// IsDir indicates if this is a directory
	IsDir bool

	// Mode holds the permission bits reported by the filesystem
	Mode os.FileMode
}

// EntryFromInfo builds a FileEntry from an os.FileInfo
func EntryFromInfo(abs, rel string, info os.FileInfo) FileEntry {
	return FileEntry{
		RelativePath: rel,
		AbsolutePath: abs,
		Size:         info.Size(),
		ModTime:      info.ModTime(),
		IsDir:        info.IsDir(),
		Mode:         info.Mode().Perm(),
	}
}
