package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func TestManagerOpenClose(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.CloseAll()

	pool, err := mgr.Open("runtime", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if pool.DB() == nil {
		t.Error("DB should not be nil")
	}

	pool2, ok := mgr.Get("runtime")
	if !ok || pool2 != pool {
		t.Error("Get should return same pool")
	}

	_, ok = mgr.Get("nonexistent")
	if ok {
		t.Error("Get should return false for nonexistent pool")
	}

	if err := mgr.Close("runtime"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, ok = mgr.Get("runtime")
	if ok {
		t.Error("Pool should be removed after close")
	}
}

func TestManagerResolvesUnderBaseDir(t *testing.T) {
	base := t.TempDir()
	mgr := NewManager(base)
	defer mgr.CloseAll()

	pool, err := mgr.Open("runtime", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	want := filepath.Join(base, "runtime.db")
	if pool.Path() != want {
		t.Errorf("Path: got %s, want %s", pool.Path(), want)
	}
}

func TestPoolBasicOperations(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.CloseAll()

	pool, err := mgr.Open("ops", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ctx := context.Background()

	_, err = pool.Exec(ctx, "CREATE TABLE blocks (id INTEGER PRIMARY KEY, label TEXT, value TEXT)")
	if err != nil {
		t.Fatalf("CREATE TABLE failed: %v", err)
	}

	_, err = pool.Exec(ctx, "INSERT INTO blocks (label, value) VALUES (?, ?)", "persona", "helpful assistant")
	if err != nil {
		t.Fatalf("INSERT failed: %v", err)
	}

	var value string
	err = pool.QueryRow(ctx, "SELECT value FROM blocks WHERE label = ?", "persona").Scan(&value)
	if err != nil {
		t.Fatalf("SELECT failed: %v", err)
	}
	if value != "helpful assistant" {
		t.Errorf("value: got %s, want helpful assistant", value)
	}

	rows, err := pool.Query(ctx, "SELECT * FROM blocks")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}
	if count != 1 {
		t.Errorf("row count: got %d, want 1", count)
	}
}

func TestPoolTransaction(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.CloseAll()

	pool, err := mgr.Open("tx", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ctx := context.Background()
	_, _ = pool.Exec(ctx, "CREATE TABLE entries (id INTEGER PRIMARY KEY, seq INTEGER)")

	err = pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO entries (seq) VALUES (?)", 1)
		return err
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	var seq int
	err = pool.QueryRow(ctx, "SELECT seq FROM entries WHERE id = 1").Scan(&seq)
	if err != nil || seq != 1 {
		t.Errorf("Transaction not committed: seq=%d, err=%v", seq, err)
	}

	err = pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, _ = tx.Exec("INSERT INTO entries (seq) VALUES (?)", 2)
		return sql.ErrNoRows
	})
	if err == nil {
		t.Error("Transaction should have failed")
	}

	var count int
	_ = pool.QueryRow(ctx, "SELECT COUNT(*) FROM entries").Scan(&count)
	if count != 1 {
		t.Errorf("Rollback failed: count=%d, want 1", count)
	}
}

func TestPoolVersion(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.CloseAll()

	pool, err := mgr.Open("version", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	version, err := pool.Version()
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if version != 0 {
		t.Errorf("Initial version: got %d, want 0", version)
	}

	if err := pool.SetVersion(5); err != nil {
		t.Fatalf("SetVersion failed: %v", err)
	}

	version, _ = pool.Version()
	if version != 5 {
		t.Errorf("Version: got %d, want 5", version)
	}
}

func TestPoolIntegrityCheck(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.CloseAll()

	pool, err := mgr.Open("integrity", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := pool.IntegrityCheck(); err != nil {
		t.Errorf("IntegrityCheck failed: %v", err)
	}
}

func TestMigrator(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.CloseAll()

	pool, err := mgr.Open("migrate", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	migrations := []Migration{
		{
			Version:     1,
			Description: "create agents table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE agents (id TEXT PRIMARY KEY, name TEXT)")
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec("DROP TABLE agents")
				return err
			},
		},
		{
			Version:     2,
			Description: "add provider column",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec("ALTER TABLE agents ADD COLUMN provider TEXT")
				return err
			},
			Down: func(tx *sql.Tx) error {
				return nil
			},
		},
	}

	migrator := NewMigrator(pool, migrations)
	ctx := context.Background()

	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	version, _ := migrator.CurrentVersion()
	if version != 2 {
		t.Errorf("Version: got %d, want 2", version)
	}

	var count int
	err = pool.QueryRow(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='agents'").Scan(&count)
	if err != nil || count != 1 {
		t.Error("agents table should exist")
	}

	// Re-running is a no-op once the version is current.
	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestMigratorPending(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.CloseAll()

	pool, _ := mgr.Open("pending", DefaultPoolConfig())
	_ = pool.SetVersion(1)

	migrations := []Migration{
		{Version: 1, Description: "first"},
		{Version: 2, Description: "second"},
		{Version: 3, Description: "third"},
	}

	migrator := NewMigrator(pool, migrations)

	pending, _ := migrator.PendingMigrations()
	if len(pending) != 2 {
		t.Errorf("Pending: got %d, want 2", len(pending))
	}

	has, _ := migrator.HasPendingMigrations()
	if !has {
		t.Error("HasPendingMigrations should be true")
	}
}

func TestAdvisoryLock(t *testing.T) {
	tmpDir := t.TempDir()

	lock, err := NewAdvisoryLock(tmpDir, "storage-root")
	if err != nil {
		t.Fatalf("NewAdvisoryLock failed: %v", err)
	}

	ctx := context.Background()
	if err := lock.Acquire(ctx, 5*time.Second); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if !lock.IsHeld() {
		t.Error("Lock should be held")
	}

	lock2, _ := NewAdvisoryLock(tmpDir, "storage-root")
	acquired, _ := lock2.TryAcquire()
	if acquired {
		t.Error("Second lock should not acquire")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if lock.IsHeld() {
		t.Error("Lock should not be held after release")
	}

	acquired, _ = lock2.TryAcquire()
	if !acquired {
		t.Error("Second lock should acquire after release")
	}
	lock2.Release()
}
