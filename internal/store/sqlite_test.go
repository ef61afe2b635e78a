package store_test

import (
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/transly/internal/store"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "transly.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, newSQLiteStore)
}

func TestOpenSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transly.db")
	s, err := store.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestCanTransition(t *testing.T) {
	require.True(t, store.CanTransition("pending", "processing"))
	require.True(t, store.CanTransition("processing", "completed"))
	require.True(t, store.CanTransition("processing", "failed"))
	require.False(t, store.CanTransition("pending", "completed"))
	require.False(t, store.CanTransition("processing", "pending"))
	require.False(t, store.CanTransition("completed", "failed"))
}
