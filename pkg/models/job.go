package models

import (
	"time"
)

// Direction of a transfer relative to the local machine
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// DestSide returns the side a job in this direction writes to
func (d Direction) DestSide() Side {
	if d == DirectionDownload {
		return SideLocal
	}
	return SideRemote
}

// SourceSide returns the side a job in this direction reads from
func (d Direction) SourceSide() Side {
	if d == DirectionDownload {
		return SideRemote
	}
	return SideLocal
}

// UnitKind returns the transfer kind for this direction
func (d Direction) UnitKind() UnitKind {
	if d == DirectionDownload {
		return UnitDownload
	}
	return UnitUpload
}

// Mode defines what a job does with the destination
type Mode string

const (
	// ModeCopy transfers every resolved file
	ModeCopy Mode = "copy"
	// ModeMirror transfers changed files and deletes destination strays
	ModeMirror Mode = "mirror"
	// ModeDeleteExtraneous only deletes destination strays
	ModeDeleteExtraneous Mode = "delete-extraneous"
)

// ComparisonMethod defines how mirror mode decides a file is unchanged
type ComparisonMethod string

const (
	// CompareNameSize compares by name and size only
	CompareNameSize ComparisonMethod = "namesize"
	// CompareTimestamp compares size and modification time
	CompareTimestamp ComparisonMethod = "timestamp"
)

// DuplicatePolicy decides which unit survives when two resolve to the
// same destination path
type DuplicatePolicy string

const (
	DuplicateLastWins  DuplicatePolicy = "last-wins"
	DuplicateFirstWins DuplicatePolicy = "first-wins"
	DuplicateError     DuplicatePolicy = "error"
)

// PostAction is applied to the local source after a successful upload
type PostAction string

const (
	PostActionNone    PostAction = "none"
	PostActionArchive PostAction = "archive"
	PostActionDelete  PostAction = "delete"
)

// RetryPolicy bounds the attempts made for one unit
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterFactor randomizes each delay by +/- this fraction
	JitterFactor float64
}

// DefaultRetryPolicy returns sensible defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// TransferJob is one declared unit of work from the configuration
type TransferJob struct {
	Name string
	Host string

	// Sources holds one or more path expressions: a file, a directory or a
	// glob. Mirror and delete-extraneous modes take exactly one directory.
	Sources     []string
	Destination string
	Direction   Direction
	Mode        Mode

	Exclude         []string
	Comparison      ComparisonMethod
	DuplicatePolicy DuplicatePolicy
	Retry           RetryPolicy
	VerifySize      bool

	PostAction PostAction
	ArchiveDir string

	// MaxFailures cancels the remaining units once reached (0 = never)
	MaxFailures int
	// BandwidthLimit in bytes per second (0 = unlimited)
	BandwidthLimit int64
	BufferSize     int

	// Independent jobs may run concurrently with their neighbours when
	// parallel jobs are enabled
	Independent bool
	DryRun      bool
}

// Validate checks the job for errors that do not depend on a host lookup
func (j *TransferJob) Validate() error {
	if j.Name == "" {
		return &ValidationError{Field: "name", Message: "job name is required"}
	}
	if len(j.Sources) == 0 {
		return &ValidationError{Field: "sources", Message: "at least one source is required"}
	}
	for _, s := range j.Sources {
		if s == "" {
			return &ValidationError{Field: "sources", Message: "source path must not be empty"}
		}
	}
	if j.Destination == "" {
		return &ValidationError{Field: "destination", Message: "destination is required"}
	}
	if j.Host == "" {
		return &ValidationError{Field: "host", Message: "host is required"}
	}
	switch j.Direction {
	case DirectionUpload, DirectionDownload:
	default:
		return &ValidationError{Field: "direction", Message: "must be upload or download, got " + string(j.Direction)}
	}
	switch j.Mode {
	case ModeCopy:
	case ModeMirror, ModeDeleteExtraneous:
		if len(j.Sources) != 1 {
			return &ValidationError{Field: "sources", Message: string(j.Mode) + " mode requires exactly one source directory"}
		}
	default:
		return &ValidationError{Field: "mode", Message: "must be copy, mirror or delete-extraneous, got " + string(j.Mode)}
	}
	switch j.Comparison {
	case "", CompareNameSize, CompareTimestamp:
	default:
		return &ValidationError{Field: "comparison", Message: "must be namesize or timestamp"}
	}
	switch j.DuplicatePolicy {
	case "", DuplicateLastWins, DuplicateFirstWins, DuplicateError:
	default:
		return &ValidationError{Field: "duplicate_policy", Message: "must be last-wins, first-wins or error"}
	}
	switch j.PostAction {
	case "", PostActionNone:
	case PostActionArchive, PostActionDelete:
		if j.Direction != DirectionUpload || j.Mode != ModeCopy {
			return &ValidationError{Field: "post_action", Message: "post actions require an upload job in copy mode"}
		}
		if j.PostAction == PostActionArchive && j.ArchiveDir == "" {
			return &ValidationError{Field: "archive_dir", Message: "archive post action requires archive_dir"}
		}
	default:
		return &ValidationError{Field: "post_action", Message: "must be none, archive or delete"}
	}
	if j.Retry.MaxAttempts < 1 {
		return &ValidationError{Field: "retry.max_attempts", Message: "must be at least 1"}
	}
	if j.MaxFailures < 0 {
		return &ValidationError{Field: "max_failures", Message: "must not be negative"}
	}
	if j.BandwidthLimit < 0 {
		return &ValidationError{Field: "bandwidth_limit", Message: "must not be negative"}
	}
	return nil
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
