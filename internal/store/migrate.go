package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/zjrosen/telecode/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations brings conn's schema up to the latest embedded migration.
func runMigrations(conn *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	driver, err := newMigrateDriver(conn)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, _, err := driver.Version()
	if err == nil {
		log.Debug(log.CatStore, "Schema up to date", "version", version)
	}
	return nil
}

// migrateDriver adapts the store's connection to golang-migrate. The wasm
// sqlite driver has no bundled migrate driver, so this implements the small
// part the library needs. Locking is a no-op: the store is single-process
// and the busy timeout covers stray concurrent opens.
type migrateDriver struct {
	conn *sql.DB
}

func newMigrateDriver(conn *sql.DB) (*migrateDriver, error) {
	d := &migrateDriver{conn: conn}
	if err := d.ensureVersionTable(); err != nil {
		return nil, fmt.Errorf("creating version table: %w", err)
	}
	return d, nil
}

var _ database.Driver = (*migrateDriver)(nil)

func (d *migrateDriver) ensureVersionTable() error {
	_, err := d.conn.Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations (version BIGINT NOT NULL PRIMARY KEY, dirty BOOLEAN NOT NULL)`,
	)
	return err
}

// Open is part of database.Driver but unused with NewWithInstance.
func (d *migrateDriver) Open(string) (database.Driver, error) { return d, nil }

// Close is a no-op: the connection belongs to the store.
func (d *migrateDriver) Close() error { return nil }

func (d *migrateDriver) Lock() error   { return nil }
func (d *migrateDriver) Unlock() error { return nil }

// Run executes one migration. SQLite accepts multi-statement scripts in a
// single exec when no parameters are bound.
func (d *migrateDriver) Run(migration io.Reader) error {
	script, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	if _, err := d.conn.Exec(string(script)); err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}
	return nil
}

func (d *migrateDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations`); err != nil {
		_ = tx.Rollback()
		return err
	}
	if version >= 0 {
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *migrateDriver) Version() (int, bool, error) {
	var (
		version int
		dirty   bool
	)
	err := d.conn.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return database.NilVersion, false, nil
	case err != nil:
		return 0, false, err
	default:
		return version, dirty, nil
	}
}

// Drop removes every user table. Only migrate's test harness calls this.
func (d *migrateDriver) Drop() error {
	rows, err := d.conn.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, table := range tables {
		if _, err := d.conn.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
			return err
		}
	}
	return nil
}
