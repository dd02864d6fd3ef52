// Package migration covers both kinds of schema change the updater deals
// with: the application's own migrations, applied by its external migration
// tool through Runner, and the updater's state database schema, tracked with
// SQLite's PRAGMA user_version through Registry.
package migration

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"
)

// Migration represents a single schema migration step.
type Migration struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
	SQL         string `json:"sql"`
}

// SchemaResult describes what happened during a Migrate call.
type SchemaResult struct {
	FromVersion int    `json:"from_version"`
	ToVersion   int    `json:"to_version"`
	Applied     int    `json:"applied"`
	BackupPath  string `json:"backup_path,omitempty"`
}

// Registry holds an ordered list of migrations.
type Registry struct {
	migrations []Migration
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a migration. The version must be sequential (len(migrations)+1).
func (r *Registry) Add(version int, description, sql string) error {
	expected := len(r.migrations) + 1
	if version != expected {
		return fmt.Errorf("expected version %d, got %d", expected, version)
	}
	r.migrations = append(r.migrations, Migration{
		Version:     version,
		Description: description,
		SQL:         sql,
	})
	return nil
}

// MustAdd is Add for package-level registries built at init time.
func (r *Registry) MustAdd(version int, description, sql string) *Registry {
	if err := r.Add(version, description, sql); err != nil {
		panic(err)
	}
	return r
}

// Latest returns the highest registered migration version, or 0 if empty.
func (r *Registry) Latest() int {
	return len(r.migrations)
}

// GetVersion reads the schema version using PRAGMA user_version.
func GetVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

// SetVersion sets the schema version using PRAGMA user_version.
func SetVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set user_version to %d: %w", version, err)
	}
	return nil
}

// Backup copies the database file to {dbPath}.bak.{unix_timestamp}.
func Backup(dbPath string) (string, error) {
	backupPath := fmt.Sprintf("%s.bak.%d", dbPath, time.Now().Unix())

	src, err := os.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("open source db for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("copy db to backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return "", fmt.Errorf("sync backup file: %w", err)
	}
	return backupPath, nil
}

// Migrate applies all pending migrations, each in its own transaction
// together with the user_version bump. A file-backed database that already
// has a schema is copied first; a fresh or in-memory one is not.
func (r *Registry) Migrate(db *sql.DB, dbPath string) (*SchemaResult, error) {
	current, err := GetVersion(db)
	if err != nil {
		return nil, err
	}
	if current > r.Latest() {
		return nil, fmt.Errorf("database schema v%d is newer than this binary (v%d)", current, r.Latest())
	}
	result := &SchemaResult{FromVersion: current, ToVersion: current}
	if current == r.Latest() {
		return result, nil
	}

	if current > 0 && dbPath != "" && dbPath != ":memory:" {
		backupPath, err := Backup(dbPath)
		if err != nil {
			return nil, fmt.Errorf("pre-migration backup: %w", err)
		}
		result.BackupPath = backupPath
	}

	for _, m := range r.migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("migration v%d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("set version after migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
		result.Applied++
		result.ToVersion = m.Version
	}
	return result, nil
}

