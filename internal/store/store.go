// Package store persists the bot's chat-to-session bindings and a message
// audit log in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/telecode/internal/log"
)

const busyTimeoutMS = 5000

// Store owns the SQLite connection and hands out repositories.
type Store struct {
	conn *sql.DB
	path string
}

// NewStore opens (creating if needed) the database at path and brings the
// schema up to date. Parent directories are created with 0700: the file
// holds chat ids and message previews. An existing database is copied to a
// .bak file before migrations run, so a bad migration never eats the only
// copy.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := backupFile(path); err != nil {
			return nil, fmt.Errorf("backing up store: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)",
		path, busyTimeoutMS,
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}

	log.Debug(log.CatStore, "Store opened", "path", path)
	return &Store{conn: conn, path: path}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Connection returns the underlying *sql.DB.
func (s *Store) Connection() *sql.DB {
	return s.conn
}

// Chats returns the chat binding repository.
func (s *Store) Chats() *ChatRepository {
	return newChatRepository(s.conn)
}

// backupFile copies path to path.bak, replacing any previous backup.
func backupFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".bak", data, 0o600)
}
