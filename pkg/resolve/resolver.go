// Package resolve expands a job's source expressions into the ordered list
// of transfer units the scheduler executes.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/sdejongh/courier/internal/platform"
	"github.com/sdejongh/courier/pkg/compare"
	"github.com/sdejongh/courier/pkg/logging"
	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/session"
	"github.com/sdejongh/courier/pkg/storage"
)

// Remote lends a session for the duration of a callback. *session.Pool
// implements it.
type Remote interface {
	With(ctx context.Context, host models.HostProfile, fn func(session.Session) error) error
}

// Resolver turns jobs into transfer units
type Resolver struct {
	local  storage.Backend
	remote Remote
	logger logging.Logger
}

// New creates a resolver listing the local side through local and the
// remote side through sessions borrowed from remote
func New(local storage.Backend, remote Remote, logger logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Resolver{local: local, remote: remote, logger: logger}
}

// Resolve returns the units of job in resolution order. It fails without
// returning a partial list when a source root is missing or unreadable.
func (r *Resolver) Resolve(ctx context.Context, job models.TransferJob, host models.HostProfile) ([]models.TransferUnit, error) {
	var units []models.TransferUnit
	var err error
	if job.Direction == models.DirectionUpload && job.Mode == models.ModeCopy {
		units, err = r.resolveUpload(ctx, job, host)
	} else {
		err = r.remote.With(ctx, host, func(s session.Session) error {
			src := side{Backend: r.local, local: true}
			dst := side{Backend: s}
			if job.Direction == models.DirectionDownload {
				src, dst = dst, src
			}

			var err error
			switch job.Mode {
			case models.ModeMirror, models.ModeDeleteExtraneous:
				units, err = r.resolveMirror(ctx, job, src, dst)
			default:
				var destIsDir bool
				if destIsDir, err = isDirDestination(ctx, job, dst); err == nil {
					units, err = r.resolveCopy(ctx, job, src, dst, destIsDir)
				}
			}
			return err
		})
	}
	if err != nil {
		return nil, err
	}

	units, err = dedupe(units, job.DuplicatePolicy)
	if err != nil {
		return nil, err
	}
	for i := range units {
		units[i].Index = i
	}

	r.logger.Debug(ctx, "Resolved job", logging.Fields{
		"job":   job.Name,
		"units": len(units),
	})
	return units, nil
}

// resolveUpload resolves an upload copy job from the local side. A session
// is borrowed only when the destination syntax leaves open whether it is an
// existing directory; an unreachable host then falls back to the syntax so
// the scheduler fails every unit against the host.
func (r *Resolver) resolveUpload(ctx context.Context, job models.TransferJob, host models.HostProfile) ([]models.TransferUnit, error) {
	src := side{Backend: r.local, local: true}
	if dirBySyntax(job) {
		return r.resolveCopy(ctx, job, src, side{}, true)
	}

	var units []models.TransferUnit
	err := r.remote.With(ctx, host, func(s session.Session) error {
		dst := side{Backend: s}
		destIsDir, err := isDirDestination(ctx, job, dst)
		if err != nil {
			return err
		}
		units, err = r.resolveCopy(ctx, job, src, dst, destIsDir)
		return err
	})
	if err != nil && models.KindOf(err).HostFatal() {
		r.logger.Warn(ctx, "Destination host unreachable, resolving from local sources", logging.Fields{
			"job":   job.Name,
			"host":  host.Name,
			"error": err.Error(),
		})
		return r.resolveCopy(ctx, job, src, side{}, false)
	}
	return units, err
}

// dirBySyntax reports whether the destination is a directory without
// looking at it. A single concrete file is the only case where the
// destination may name the file itself.
func dirBySyntax(job models.TransferJob) bool {
	return platform.HasDirSuffix(job.Destination) || len(job.Sources) > 1
}

// isDirDestination resolves dirBySyntax against the destination side.
// Errors other than a lost connection count as "not a directory".
func isDirDestination(ctx context.Context, job models.TransferJob, dst side) (bool, error) {
	if dirBySyntax(job) {
		return true, nil
	}
	destRoot, err := dst.normalize(job.Destination)
	if err != nil {
		return false, models.NewTransferError(models.KindConfiguration, "resolve", job.Destination, err)
	}
	e, err := dst.Stat(ctx, destRoot)
	switch {
	case err == nil:
		return e.IsDir, nil
	case models.NeedsReconnect(err):
		return false, err
	}
	return false, nil
}

// resolveCopy transfers every file matched by the job's sources. dst may
// carry no backend: only its path syntax is used.
func (r *Resolver) resolveCopy(ctx context.Context, job models.TransferJob, src, dst side, destIsDir bool) ([]models.TransferUnit, error) {
	destRoot, err := dst.normalize(job.Destination)
	if err != nil {
		return nil, models.NewTransferError(models.KindConfiguration, "resolve", job.Destination, err)
	}
	ex := NewExcluder(job.Exclude)

	var units []models.TransferUnit
	for _, expr := range job.Sources {
		root, err := src.normalize(expr)
		if err != nil {
			return nil, models.NewTransferError(models.KindConfiguration, "resolve", expr, err)
		}

		if platform.HasGlob(root) {
			matches, err := expandGlob(ctx, src, root)
			if err != nil {
				return nil, sourceError(expr, err)
			}
			if len(matches) == 0 {
				return nil, models.NewTransferError(models.KindNotFound, "resolve", expr, errors.New("pattern matches nothing"))
			}
			for _, m := range matches {
				if ex.Match(m.rel, m.IsDir) {
					continue
				}
				if m.IsDir {
					files, err := collectFiles(ctx, src, m.AbsolutePath, m.rel, ex)
					if err != nil {
						return nil, sourceError(expr, err)
					}
					for _, f := range files {
						units = append(units, transferUnit(job, dst, destRoot, f))
					}
				} else if regular(m.FileEntry) {
					units = append(units, transferUnit(job, dst, destRoot, m))
				}
			}
			continue
		}

		info, err := src.Stat(ctx, root)
		if err != nil {
			return nil, sourceError(expr, err)
		}
		if info.IsDir {
			files, err := collectFiles(ctx, src, root, "", ex)
			if err != nil {
				return nil, sourceError(expr, err)
			}
			for _, f := range files {
				units = append(units, transferUnit(job, dst, destRoot, f))
			}
			continue
		}

		f := entry{FileEntry: info, rel: path.Base(src.toSlash(root))}
		if destIsDir {
			units = append(units, transferUnit(job, dst, destRoot, f))
			continue
		}
		u := transferUnit(job, dst, destRoot, f)
		u.DestPath = destRoot
		u.RelPath = path.Base(dst.toSlash(destRoot))
		units = append(units, u)
	}
	return units, nil
}

// resolveMirror lists both sides and emits transfers for missing or
// changed files followed by deletes for destination strays. A stray
// directory becomes one recursive delete.
func (r *Resolver) resolveMirror(ctx context.Context, job models.TransferJob, src, dst side) ([]models.TransferUnit, error) {
	srcRoot, err := src.normalize(job.Sources[0])
	if err != nil {
		return nil, models.NewTransferError(models.KindConfiguration, "resolve", job.Sources[0], err)
	}
	destRoot, err := dst.normalize(job.Destination)
	if err != nil {
		return nil, models.NewTransferError(models.KindConfiguration, "resolve", job.Destination, err)
	}
	if platform.HasGlob(srcRoot) {
		return nil, models.Errorf(models.KindConfiguration, "%s mode does not accept glob sources: %s", job.Mode, job.Sources[0])
	}

	info, err := src.Stat(ctx, srcRoot)
	if err != nil {
		return nil, sourceError(job.Sources[0], err)
	}
	if !info.IsDir {
		return nil, models.Errorf(models.KindConfiguration, "%s mode requires a directory source: %s", job.Mode, job.Sources[0])
	}

	ex := NewExcluder(job.Exclude)

	var sourceFiles []entry
	sourceIndex := make(map[string]models.FileEntry)
	err = walk(ctx, src, srcRoot, "", ex, func(e models.FileEntry, rel string) bool {
		sourceIndex[rel] = e
		if regular(e) {
			sourceFiles = append(sourceFiles, entry{FileEntry: e, rel: rel})
		}
		return true
	})
	if err != nil {
		return nil, sourceError(job.Sources[0], err)
	}

	destIndex := make(map[string]models.FileEntry)
	var strays []entry
	err = walk(ctx, dst, destRoot, "", ex, func(e models.FileEntry, rel string) bool {
		destIndex[rel] = e
		s, inSource := sourceIndex[rel]
		switch {
		case !inSource:
			strays = append(strays, entry{FileEntry: e, rel: rel})
			return false
		case e.IsDir && !s.IsDir:
			// type conflict, left to the transfer of the source file
			return false
		}
		return true
	})
	if err != nil && !storage.IsNotExist(err) && models.KindOf(err) != models.KindNotFound {
		return nil, sourceError(job.Destination, err)
	}

	var units []models.TransferUnit
	if job.Mode == models.ModeMirror {
		cmp := compare.ForMethod(job.Comparison)
		for _, f := range sourceFiles {
			var dest *models.FileEntry
			if d, ok := destIndex[f.rel]; ok {
				dest = &d
			}
			source := f.FileEntry
			if cmp.Compare(&source, dest).Result == compare.Same {
				continue
			}
			units = append(units, transferUnit(job, dst, destRoot, f))
		}
	}

	for _, s := range strays {
		units = append(units, models.TransferUnit{
			Job:          job.Name,
			Kind:         models.UnitDelete,
			Side:         job.Direction.DestSide(),
			DestPath:     s.AbsolutePath,
			RelPath:      s.rel,
			ExpectedSize: -1,
			Recursive:    s.IsDir,
		})
	}
	return units, nil
}

// transferUnit builds the unit copying f below destRoot
func transferUnit(job models.TransferJob, dst side, destRoot string, f entry) models.TransferUnit {
	return models.TransferUnit{
		Job:          job.Name,
		Kind:         job.Direction.UnitKind(),
		Side:         job.Direction.DestSide(),
		SourcePath:   f.AbsolutePath,
		DestPath:     dst.join(destRoot, dst.fromSlash(f.rel)),
		RelPath:      f.rel,
		ExpectedSize: f.Size,
		ModTime:      f.ModTime,
	}
}

// sourceError classifies a failure to read a source root
func sourceError(expr string, err error) error {
	var te *models.TransferError
	if errors.As(err, &te) {
		return err
	}
	kind := models.KindUnknown
	if storage.IsNotExist(err) {
		kind = models.KindNotFound
	} else if k := models.KindOf(err); k != models.KindUnknown {
		kind = k
	}
	return models.NewTransferError(kind, "resolve", expr, err)
}

// dedupe keeps one unit per destination path according to policy,
// preserving the resolution order of the survivors
func dedupe(units []models.TransferUnit, policy models.DuplicatePolicy) ([]models.TransferUnit, error) {
	keep := make(map[string]int, len(units))
	for i, u := range units {
		prev, seen := keep[u.DestPath]
		switch {
		case !seen:
			keep[u.DestPath] = i
		case policy == models.DuplicateError:
			return nil, models.Errorf(models.KindConfiguration, "duplicate destination %s: %s and %s",
				u.DestPath, describe(units[prev]), describe(u))
		case policy == models.DuplicateFirstWins:
		default:
			keep[u.DestPath] = i
		}
	}
	if len(keep) == len(units) {
		return units, nil
	}
	out := make([]models.TransferUnit, 0, len(keep))
	for i, u := range units {
		if keep[u.DestPath] == i {
			out = append(out, u)
		}
	}
	return out, nil
}

func describe(u models.TransferUnit) string {
	if u.SourcePath == "" {
		return fmt.Sprintf("%s %s", u.Kind, u.RelPath)
	}
	return u.SourcePath
}
