// Package storage persists every agent's durable state under a single
// storage root: one SQLite database for records, plus a lock directory
// guarding the root against concurrent processes.
package storage

import (
	"os"
	"path/filepath"

	"github.com/adalundhe/strata/core/errors"
)

// Root is a validated storage root directory. All runtime state lives
// beneath it.
type Root struct {
	path string
}

// OpenRoot validates path and materializes the storage layout. Opening
// an already-initialized root is a no-op beyond revalidation.
func OpenRoot(path string) (*Root, error) {
	if path == "" {
		return nil, errors.New(errors.KindValidation, "storage path is empty")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, "storage path is not resolvable", err)
	}

	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return nil, errors.Newf(errors.KindValidation, "storage path is not a directory: %s", abs)
	}

	root := &Root{path: abs}
	if err := root.ensureLayout(); err != nil {
		return nil, err
	}
	return root, nil
}

func (r *Root) ensureLayout() error {
	dirs := []string{
		r.path,
		r.LockDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			if os.IsPermission(err) {
				return errors.Wrap(errors.KindValidation, "storage path is not writable", err)
			}
			return errors.Wrap(errors.KindIO, "create storage directory", err)
		}
	}
	return nil
}

func (r *Root) Path() string {
	return r.path
}

// LockDir holds cross-process advisory locks.
func (r *Root) LockDir() string {
	return filepath.Join(r.path, "locks")
}
