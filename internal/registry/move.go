package registry

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/poppobuilder/poppod/internal/config"
	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
)

// RunningChecker reports whether a project currently has running tasks; the
// worker pool implements it. Move refuses to proceed while true, unless force.
type RunningChecker interface {
	HasRunningTasks(projectID string) bool
}

// Move relocates a project's directory and rewrites the registry record to match.
// It is a multi-step transaction: each step's failure triggers a reverse-step
// rollback; if rollback itself fails the project is marked needs-recovery.
func (r *Registry) Move(ctx context.Context, id, newPath string, opts MoveOptions, running RunningChecker) error {
	r.mu.Lock()
	p, ok := r.doc.Projects[id]
	r.mu.Unlock()
	if !ok {
		return ferrors.NotFoundError("project not found").WithContext("projectId", id).Build()
	}

	if running != nil && running.HasRunningTasks(id) && !opts.Force {
		return ferrors.ValidationError("project has running tasks; refuse to move").
			WithContext("projectId", id).Build()
	}

	newAbs, err := filepath.Abs(newPath)
	if err != nil {
		return ferrors.ValidationError("invalid destination path").WithContext("path", newPath).Build()
	}
	if _, err := os.Stat(newAbs); err == nil && !opts.MergeParents {
		return ferrors.ValidationError("destination already exists").WithContext("path", newAbs).Build()
	}

	oldAbs := p.Path

	renamed := false
	if err := os.Rename(oldAbs, newAbs); err == nil {
		renamed = true
	} else {
		// Cross-filesystem-boundary fallback: copy then delete.
		if cerr := copyDir(oldAbs, newAbs); cerr != nil {
			return ferrors.WrapError(cerr, ferrors.CategoryFileSystem, "copy project directory during move").Build()
		}
		if rerr := os.RemoveAll(oldAbs); rerr != nil {
			// Rollback: remove the partial copy, leave the original in place.
			_ = os.RemoveAll(newAbs)
			return ferrors.WrapError(rerr, ferrors.CategoryFileSystem, "remove source after copy; rolled back").Build()
		}
	}

	if err := rewriteProjectConfigPaths(r.root, id, oldAbs, newAbs); err != nil {
		rollbackMove(newAbs, oldAbs, renamed)
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "rewrite project config paths during move; rolled back").Build()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok = r.doc.Projects[id]
	if !ok {
		// Record vanished mid-move: best effort to undo the filesystem change.
		rollbackMove(newAbs, oldAbs, renamed)
		return ferrors.NotFoundError("project record vanished during move").Build()
	}

	p.Path = newAbs
	p.UpdatedAt = time.Now().UTC()
	r.doc.Projects[id] = p
	delete(r.byPath, oldAbs)
	r.byPath[newAbs] = id

	if err := r.persistLocked(); err != nil {
		rollbackMove(newAbs, oldAbs, renamed)
		p.Path = oldAbs
		r.doc.Projects[id] = p
		delete(r.byPath, newAbs)
		r.byPath[oldAbs] = id
		if perr := r.persistLocked(); perr != nil {
			p.NeedsRecovery = true
			r.doc.Projects[id] = p
			return ferrors.WrapError(perr, ferrors.CategoryFileSystem, "move rollback failed; project marked needs-recovery").Build()
		}
		return err
	}

	if opts.Symlink {
		_ = os.Symlink(newAbs, oldAbs)
	}
	return nil
}

// rewriteProjectConfigPaths patches the per-project config for any
// absolute-path-valued entries pointing at the pre-move directory. ProjectFile
// carries no dedicated path fields of its own (Name/PollingMS/TimeoutMS/
// RetryAttempts/Tags are never paths), but Env is a free-form string map and a
// project's .env-equivalent config commonly sets a variable to its own
// checkout directory (e.g. a DATA_DIR or WORKSPACE entry) — those values must
// not keep pointing at oldAbs after the directory has moved to newAbs. Both
// the project's own copy (already relocated to newAbs by the directory move)
// and the registry's migrated copy under <root>/projects/<id>/ are rewritten
// so neither is left stale.
func rewriteProjectConfigPaths(root, id, oldAbs, newAbs string) error {
	pf, err := config.LoadProjectFile(newAbs)
	if err != nil {
		return err
	}
	if pf == nil || len(pf.Env) == 0 {
		return nil
	}

	rewritten := false
	for k, v := range pf.Env {
		if strings.Contains(v, oldAbs) {
			pf.Env[k] = strings.ReplaceAll(v, oldAbs, newAbs)
			rewritten = true
		}
	}
	if !rewritten {
		return nil
	}

	if err := config.SaveProjectFile(newAbs, pf); err != nil {
		return err
	}
	return config.MigrateCopy(root, id, pf)
}

func rollbackMove(from, to string, renamed bool) {
	if renamed {
		_ = os.Rename(from, to)
		return
	}
	_ = copyDir(from, to)
	_ = os.RemoveAll(from)
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
