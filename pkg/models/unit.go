package models

import (
	"time"
)

// UnitKind is the operation a TransferUnit performs
type UnitKind string

const (
	UnitUpload   UnitKind = "upload"
	UnitDownload UnitKind = "download"
	UnitDelete   UnitKind = "delete"
)

// Side names the filesystem a path lives on
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// TransferUnit is the smallest schedulable piece of work. Units are created
// by the resolver with fully resolved, wildcard free paths and are never
// mutated afterwards.
type TransferUnit struct {
	// Index is the position in resolution order
	Index int
	Job   string
	Kind  UnitKind
	// Side is where DestPath lives: remote for uploads, local for
	// downloads, and the destination side of the job for deletes
	Side Side

	SourcePath string
	DestPath   string
	// RelPath is the destination path relative to the job destination
	RelPath string

	// ExpectedSize is -1 when unknown
	ExpectedSize int64
	// ModTime is zero when unknown
	ModTime time.Time

	// Recursive marks a delete of a whole directory tree
	Recursive bool
}

func (u TransferUnit) String() string {
	if u.Kind == UnitDelete {
		return string(u.Kind) + " " + u.DestPath
	}
	return string(u.Kind) + " " + u.SourcePath + " -> " + u.DestPath
}

// UnitState tracks a unit through the scheduler
type UnitState string

const (
	UnitPending   UnitState = "pending"
	UnitInFlight  UnitState = "in_flight"
	UnitSucceeded UnitState = "succeeded"
	UnitFailed    UnitState = "failed"
	UnitCancelled UnitState = "cancelled"
	UnitSkipped   UnitState = "skipped"
)

// Terminal reports whether no further transition is allowed
func (s UnitState) Terminal() bool {
	switch s {
	case UnitSucceeded, UnitFailed, UnitCancelled, UnitSkipped:
		return true
	}
	return false
}
