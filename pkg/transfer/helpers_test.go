package transfer_test

import (
	"errors"
	"os"

	"github.com/go-git/go-billy/v5"

	"github.com/sdejongh/courier/pkg/ratelimit"
)

// noRemoveFS refuses every removal
type noRemoveFS struct {
	billy.Filesystem
}

func (fs *noRemoveFS) Remove(name string) error {
	return &os.PathError{Op: "remove", Path: name, Err: errors.New("operation not permitted")}
}

func ratelimitFor(bps int64) *ratelimit.Limiter {
	return ratelimit.NewLimiter(bps)
}
