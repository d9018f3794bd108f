package storage

import (
	"context"

	"github.com/adalundhe/strata/core/database"
	"github.com/adalundhe/strata/core/errors"
)

const databaseName = "strata"

// Store is the runtime's persistence layer. One Store serves every
// agent under its root; per-agent isolation comes from agent_id scoping
// and cascading deletes. An advisory lock on the root keeps a second
// process from opening the same store.
type Store struct {
	root    *Root
	lock    *database.AdvisoryLock
	manager *database.Manager
	pool    *database.Pool
}

// Open validates the storage root, takes the root lock, opens the
// database, and brings the schema up to date. Safe to call repeatedly
// on the same path once the previous Store is closed.
func Open(ctx context.Context, path string) (*Store, error) {
	root, err := OpenRoot(path)
	if err != nil {
		return nil, err
	}

	lock, err := database.NewAdvisoryLock(root.LockDir(), databaseName)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "create storage lock", err)
	}
	held, err := lock.TryAcquire()
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "lock storage root", err)
	}
	if !held {
		return nil, errors.Newf(errors.KindState, "storage root is locked by another process: %s", root.Path())
	}

	manager := database.NewManager(root.Path())
	pool, err := manager.Open(databaseName, database.DefaultPoolConfig())
	if err != nil {
		lock.Release()
		return nil, errors.Wrap(errors.KindIO, "open agent store", err)
	}

	migrator := database.NewMigrator(pool, Migrations())
	if err := migrator.Migrate(ctx); err != nil {
		manager.CloseAll()
		lock.Release()
		return nil, errors.Wrap(errors.KindIO, "migrate agent store", err)
	}

	return &Store{
		root:    root,
		lock:    lock,
		manager: manager,
		pool:    pool,
	}, nil
}

func (s *Store) Root() *Root {
	return s.root
}

func (s *Store) Pool() *database.Pool {
	return s.pool
}

func (s *Store) Close() error {
	err := s.manager.CloseAll()
	if releaseErr := s.lock.Release(); releaseErr != nil && err == nil {
		err = releaseErr
	}
	return err
}
