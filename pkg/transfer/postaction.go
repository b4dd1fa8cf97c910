package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sdejongh/courier/pkg/logging"
	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/storage"
)

// archiveStamp is appended to archived names that already exist
const archiveStamp = "20060102T150405"

// postAction applies the job's post-upload action to the local source.
// Failures are logged and never fail the unit: the file already reached
// its destination.
func (e *Executor) postAction(ctx context.Context, log logging.Logger, unit models.TransferUnit) {
	if unit.Kind != models.UnitUpload {
		return
	}

	var err error
	switch e.job.PostAction {
	case models.PostActionDelete:
		err = e.local.Remove(ctx, unit.SourcePath)
	case models.PostActionArchive:
		var target string
		target, err = archive(ctx, e.local, unit, e.job.ArchiveDir, time.Now())
		if err == nil {
			log.Debug(ctx, "Archived source", logging.Fields{"archive": target})
		}
	default:
		return
	}
	if err != nil {
		log.Warn(ctx, logging.EventPostActionFailed, logging.Fields{
			"action": string(e.job.PostAction),
			"error":  err.Error(),
		})
	}
}

// archive moves the uploaded source below dir, keeping its path relative
// to the job root. An existing file at the target gets a timestamp suffix.
func archive(ctx context.Context, local storage.Backend, unit models.TransferUnit, dir string, now time.Time) (string, error) {
	rel := unit.RelPath
	if rel == "" {
		rel = filepath.Base(unit.SourcePath)
	}
	target := local.Join(dir, filepath.FromSlash(rel))
	if err := local.MkdirAll(ctx, filepath.Dir(target)); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	exists, err := storage.Exists(ctx, local, target)
	if err != nil {
		return "", err
	}
	if exists {
		ext := filepath.Ext(target)
		target = strings.TrimSuffix(target, ext) + "-" + now.Format(archiveStamp) + ext
	}

	if err := local.Rename(ctx, unit.SourcePath, target); err != nil {
		return "", fmt.Errorf("move to archive: %w", err)
	}
	return target, nil
}
