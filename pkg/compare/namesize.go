package compare

import (
	"fmt"

	"github.com/sdejongh/courier/pkg/models"
)

// NameSizeComparator treats entries at the same relative path with the
// same size as identical
type NameSizeComparator struct{}

// NewNameSizeComparator creates a new name/size comparator
func NewNameSizeComparator() *NameSizeComparator {
	return &NameSizeComparator{}
}

// Compare compares two entries by size
func (c *NameSizeComparator) Compare(source, dest *models.FileEntry) Comparison {
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
	return Comparison{Result: Same, Reason: "name and size match"}
}

// Name returns the comparator name
func (c *NameSizeComparator) Name() string {
	return string(models.CompareNameSize)
}
