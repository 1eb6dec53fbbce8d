package store

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "NewStore should succeed")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestNewStore_CreatesDirectory verifies that NewStore creates missing parent directories.
func TestNewStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewStore(dbPath)
	require.NoError(t, err, "NewStore should succeed with nested non-existent directories")
	defer s.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err, "Directory should exist after NewStore")
	require.True(t, info.IsDir(), "Should be a directory")

	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0700), info.Mode().Perm(), "Directory should have 0700 permissions")
	}
}

// TestNewStore_CreatesDatabaseFile verifies the database file appears on first run.
func TestNewStore_CreatesDatabaseFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewStore(dbPath)
	require.NoError(t, err, "NewStore should succeed")
	defer s.Close()

	info, err := os.Stat(dbPath)
	require.NoError(t, err, "Database file should exist after NewStore")
	require.False(t, info.IsDir(), "Should be a file, not a directory")
}

// TestNewStore_RunsMigrations verifies migrations create the schema.
func TestNewStore_RunsMigrations(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"chat_sessions", "message_log"} {
		var name string
		err := s.conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist after migrations", table)
		require.Equal(t, table, name)
	}
}

// TestNewStore_PreMigrationBackup verifies a .bak copy is made before
// migrations touch an existing database.
func TestNewStore_PreMigrationBackup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewStore(dbPath)
	require.NoError(t, err, "First NewStore should succeed")
	require.NoError(t, s1.Chats().SetSession(42, "ses_001", "t", ""), "Should be able to insert test data")
	require.NoError(t, s1.Close())

	s2, err := NewStore(dbPath)
	require.NoError(t, err, "Second NewStore should succeed")
	defer s2.Close()

	info, err := os.Stat(dbPath + ".bak")
	require.NoError(t, err, "Backup file should exist after second NewStore")
	require.Greater(t, info.Size(), int64(0), "Backup file should have content")
}

// TestNewStore_WALMode verifies WAL journaling is active.
func TestNewStore_WALMode(t *testing.T) {
	s := newTestStore(t)

	var journalMode string
	err := s.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err, "Should be able to query journal_mode")
	require.Equal(t, "wal", journalMode, "Journal mode should be WAL")
}

// TestNewStore_ForeignKeys verifies foreign key enforcement is on.
func TestNewStore_ForeignKeys(t *testing.T) {
	s := newTestStore(t)

	var foreignKeys int
	err := s.conn.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
	require.NoError(t, err, "Should be able to query foreign_keys")
	require.Equal(t, 1, foreignKeys, "Foreign keys should be enabled (1)")
}

// TestNewStore_BusyTimeout verifies the 5000ms busy timeout.
func TestNewStore_BusyTimeout(t *testing.T) {
	s := newTestStore(t)

	var busyTimeout int
	err := s.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout)
	require.NoError(t, err, "Should be able to query busy_timeout")
	require.Equal(t, 5000, busyTimeout, "Busy timeout should be 5000ms")
}

// TestStore_Close verifies the connection closes cleanly.
func TestStore_Close(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "NewStore should succeed")

	require.NoError(t, s.Close(), "Close should succeed")
	require.Error(t, s.conn.Ping(), "Ping should fail after Close")
}

// TestStore_Connection verifies access to the underlying handle.
func TestStore_Connection(t *testing.T) {
	s := newTestStore(t)

	conn := s.Connection()
	require.NotNil(t, conn, "Connection should not return nil")
	require.NoError(t, conn.Ping(), "Connection should be pingable")
}

// TestNewStore_MultipleCalls verifies reopening the same database is safe.
func TestNewStore_MultipleCalls(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewStore(dbPath)
	require.NoError(t, err, "First NewStore should succeed")
	require.NoError(t, s1.Close())

	s2, err := NewStore(dbPath)
	require.NoError(t, err, "Second NewStore should succeed")
	require.NoError(t, s2.Close())
}
