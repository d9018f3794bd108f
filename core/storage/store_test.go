package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/strata/core/errors"
)

func TestOpenCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents")

	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer store.Close()

	info, err := os.Stat(filepath.Join(path, "locks"))
	require.NoError(t, err, "lock dir should exist")
	assert.True(t, info.IsDir())

	_, err = os.Stat(filepath.Join(path, "strata.db"))
	assert.NoError(t, err, "database file should exist")
}

func TestOpenIsIdempotent(t *testing.T) {
	path := t.TempDir()

	first, err := Open(context.Background(), path)
	require.NoError(t, err)
	agent := makeAgent(t, first, "keeper")
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer second.Close()

	loaded, err := second.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded, "agent should survive reopen")
	assert.Equal(t, "keeper", loaded.Name)
}

func TestOpenLocksRootAgainstSecondOpen(t *testing.T) {
	path := t.TempDir()

	first, err := Open(context.Background(), path)
	require.NoError(t, err)

	_, err = Open(context.Background(), path)
	require.Error(t, err, "second open of a held root should fail")
	assert.Equal(t, errors.KindState, errors.KindOf(err))

	// Closing releases the root lock and hands the store to the next opener.
	require.NoError(t, first.Close())
	second, err := Open(context.Background(), path)
	require.NoError(t, err)
	assert.NoError(t, second.Close())
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestOpenRejectsFilePath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "occupied")
	require.NoError(t, os.WriteFile(file, []byte("not a directory"), 0644))

	_, err := Open(context.Background(), file)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}
