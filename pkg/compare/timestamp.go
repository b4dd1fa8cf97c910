package compare

import (
	"fmt"
	"time"

	"github.com/sdejongh/courier/pkg/models"
)

// DefaultTolerance absorbs timestamp precision differences between
// filesystems. SFTP carries whole seconds.
const DefaultTolerance = time.Second

// TimestampComparator compares size and modification time
type TimestampComparator struct {
	Tolerance time.Duration
}

// NewTimestampComparator creates a new timestamp comparator
func NewTimestampComparator() *TimestampComparator {
	return &TimestampComparator{Tolerance: DefaultTolerance}
}

// Compare reports Different when sizes differ or the modification times
// are further apart than the tolerance
func (c *TimestampComparator) Compare(source, dest *models.FileEntry) Comparison {
	if cmp, done := presence(source, dest); done {
		return cmp
	}
	if source.IsDir {
		return Comparison{Result: Same, Reason: "both are directories"}
	}
	if source.Size != dest.Size {
		return Comparison{
			Result: Different,
			Reason: fmt.Sprintf("sizes differ (source: %d, dest: %d)", source.Size, dest.Size),
		}
	}

	diff := source.ModTime.Sub(dest.ModTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > c.Tolerance {
		return Comparison{
			Result: Different,
			Reason: fmt.Sprintf("modification times differ (source: %s, dest: %s)",
				source.ModTime.Format("2006-01-02 15:04:05"), dest.ModTime.Format("2006-01-02 15:04:05")),
		}
	}
	return Comparison{Result: Same, Reason: "size and timestamp match"}
}

// Name returns the comparator name
func (c *TimestampComparator) Name() string {
	return string(models.CompareTimestamp)
}
