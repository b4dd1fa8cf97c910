package compare

import (
	"github.com/sdejongh/courier/pkg/models"
)

// Result represents the outcome of comparing two entries
type Result string

const (
	// Same indicates the destination already matches the source
	Same Result = "same"
	// Different indicates the destination must be rewritten
	Different Result = "different"
	// SourceOnly indicates the entry exists only in source
	SourceOnly Result = "source_only"
	// DestOnly indicates the entry exists only in destination
	DestOnly Result = "dest_only"
)

// Comparison holds the result of comparing two entries
type Comparison struct {
	Result Result
	Reason string
}

// Comparator decides from listing metadata alone whether a destination
// entry is up to date. Either side may be nil when the entry is missing.
type Comparator interface {
	Compare(source, dest *models.FileEntry) Comparison

	// Name returns the name of the comparison method
	Name() string
}

// ForMethod returns the comparator for a configured method, defaulting to
// timestamp comparison
func ForMethod(method models.ComparisonMethod) Comparator {
	if method == models.CompareNameSize {
		return NewNameSizeComparator()
	}
	return NewTimestampComparator()
}

// presence handles the cases shared by every comparator
func presence(source, dest *models.FileEntry) (Comparison, bool) {
	switch {
	case source == nil && dest == nil:
		return Comparison{Result: Same, Reason: "absent on both sides"}, true
	case dest == nil:
		return Comparison{Result: SourceOnly, Reason: "exists only in source"}, true
	case source == nil:
		return Comparison{Result: DestOnly, Reason: "exists only in destination"}, true
	case source.IsDir != dest.IsDir:
		return Comparison{Result: Different, Reason: "entry type differs"}, true
	}
	return Comparison{}, false
}
