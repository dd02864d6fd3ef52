// Package statedb is the durable record store for update attempts, backed by
// SQLite. Attempts are append-only history: rows are inserted and updated,
// never deleted.
package statedb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/attempt"
	"github.com/lyndonlyu/upkeep/internal/migration"
)

var ErrNotFound = errors.New("statedb: not found")

// Well-known state keys.
const (
	KeyLastCheck     = "manifest.last_check"
	KeyLatestVersion = "manifest.latest_version"
)

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var schema = migration.NewRegistry().
	MustAdd(1, "state and attempts tables", `
		CREATE TABLE IF NOT EXISTS state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS attempts (
			id             TEXT PRIMARY KEY,
			from_version   TEXT NOT NULL,
			to_version     TEXT NOT NULL,
			status         TEXT NOT NULL,
			download_url   TEXT NOT NULL DEFAULT '',
			checksum       TEXT NOT NULL DEFAULT '',
			file_size      INTEGER NOT NULL DEFAULT 0,
			file_path      TEXT NOT NULL DEFAULT '',
			changelog      TEXT NOT NULL DEFAULT '',
			release_notes  TEXT NOT NULL DEFAULT '',
			backup_id      TEXT NOT NULL DEFAULT '',
			migrations_run TEXT NOT NULL DEFAULT '[]',
			migration_logs TEXT NOT NULL DEFAULT '',
			error_message  TEXT NOT NULL DEFAULT '',
			error_stack    TEXT NOT NULL DEFAULT '',
			initiated_by   TEXT NOT NULL DEFAULT '',
			started_at     TEXT NOT NULL,
			completed_at   TEXT NOT NULL DEFAULT '',
			rolled_back    INTEGER NOT NULL DEFAULT 0,
			rollback_at    TEXT NOT NULL DEFAULT ''
		)`).
	MustAdd(2, "attempt lookup indexes", `
		CREATE INDEX IF NOT EXISTS idx_attempts_target ON attempts (to_version, status);
		CREATE INDEX IF NOT EXISTS idx_attempts_started ON attempts (started_at)`)

type DB struct {
	db   *sql.DB
	path string
}

type StateEntry struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at"` // RFC3339
}

// Open creates or opens a SQLite database at path with WAL mode,
// busy timeout of 5 seconds, and foreign keys enabled, then brings the
// schema up to date.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	// One connection keeps PRAGMAs and in-memory databases consistent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", p, err)
		}
	}

	res, err := schema.Migrate(db, path)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: migrate: %w", err)
	}
	if res.Applied > 0 {
		log.WithField("db", path).Infof("state schema migrated v%d -> v%d", res.FromVersion, res.ToVersion)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// SchemaVersion reports the applied and latest schema versions.
func (d *DB) SchemaVersion() (current, latest int, err error) {
	current, err = migration.GetVersion(d.db)
	return current, schema.Latest(), err
}

// SetState upserts a key-value state entry. The updated_at timestamp
// is set to the current UTC time in RFC3339 format.
func (d *DB) SetState(key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO state (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("statedb: set state: %w", err)
	}
	return nil
}

// GetState retrieves a state entry by key. Returns ErrNotFound if the
// key does not exist.
func (d *DB) GetState(key string) (StateEntry, error) {
	var e StateEntry
	err := d.db.QueryRow(
		`SELECT key, value, updated_at FROM state WHERE key = ?`, key,
	).Scan(&e.Key, &e.Value, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StateEntry{}, ErrNotFound
		}
		return StateEntry{}, fmt.Errorf("statedb: get state: %w", err)
	}
	return e, nil
}

// ListState returns all state entries sorted by key.
func (d *DB) ListState() ([]StateEntry, error) {
	rows, err := d.db.Query(`SELECT key, value, updated_at FROM state ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("statedb: list state: %w", err)
	}
	defer rows.Close()

	var entries []StateEntry
	for rows.Next() {
		var e StateEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("statedb: scan state: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows state: %w", err)
	}
	return entries, nil
}

const attemptColumns = `id, from_version, to_version, status, download_url, checksum, file_size,
	file_path, changelog, release_notes, backup_id, migrations_run, migration_logs,
	error_message, error_stack, initiated_by, started_at, completed_at, rolled_back, rollback_at`

// CreateAttempt inserts a new attempt record.
func (d *DB) CreateAttempt(a *attempt.Attempt) error {
	args, err := attemptArgs(a)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`INSERT INTO attempts (`+attemptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("statedb: insert attempt: %w", err)
	}
	return nil
}

// SaveAttempt writes every mutable field of an existing attempt.
func (d *DB) SaveAttempt(a *attempt.Attempt) error {
	args, err := attemptArgs(a)
	if err != nil {
		return err
	}
	// Move id from the front to the WHERE clause.
	args = append(args[1:], a.ID)
	result, err := d.db.Exec(`UPDATE attempts SET
		from_version = ?, to_version = ?, status = ?, download_url = ?, checksum = ?, file_size = ?,
		file_path = ?, changelog = ?, release_notes = ?, backup_id = ?, migrations_run = ?, migration_logs = ?,
		error_message = ?, error_stack = ?, initiated_by = ?, started_at = ?, completed_at = ?,
		rolled_back = ?, rollback_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("statedb: update attempt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("statedb: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAttempt retrieves an attempt by ID. Returns ErrNotFound if the ID
// does not exist.
func (d *DB) GetAttempt(id string) (*attempt.Attempt, error) {
	row := d.db.QueryRow(`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("statedb: get attempt: %w", err)
	}
	return a, nil
}

// LatestAttempt returns the most recently started attempt for toVersion in
// the given status.
func (d *DB) LatestAttempt(toVersion string, status attempt.Status) (*attempt.Attempt, error) {
	row := d.db.QueryRow(`SELECT `+attemptColumns+` FROM attempts
		WHERE to_version = ? AND status = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1`, toVersion, string(status))
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("statedb: latest attempt: %w", err)
	}
	return a, nil
}

// ListAttempts returns the most recent attempts ordered by started_at
// descending. If limit is 0, all records are returned.
func (d *DB) ListAttempts(limit int) ([]*attempt.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts ORDER BY started_at DESC, rowid DESC`

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = d.db.Query(query+" LIMIT ?", limit)
	} else {
		rows, err = d.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*attempt.Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("statedb: scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows attempts: %w", err)
	}
	return attempts, nil
}

// CountAttempts returns the total number of attempt records.
func (d *DB) CountAttempts() (int, error) {
	var n int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM attempts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("statedb: count attempts: %w", err)
	}
	return n, nil
}

func attemptArgs(a *attempt.Attempt) ([]any, error) {
	migrations := a.MigrationsRun
	if migrations == nil {
		migrations = []string{}
	}
	ids, err := json.Marshal(migrations)
	if err != nil {
		return nil, fmt.Errorf("statedb: encode migrations: %w", err)
	}
	rolledBack := 0
	if a.RolledBack {
		rolledBack = 1
	}
	return []any{
		a.ID, a.FromVersion, a.ToVersion, string(a.Status), a.DownloadURL, a.Checksum, a.FileSize,
		a.FilePath, a.Changelog, a.ReleaseNotes, a.BackupID, string(ids), a.MigrationLogs,
		a.ErrorMessage, a.ErrorStack, a.InitiatedBy, formatTime(a.StartedAt), formatTimePtr(a.CompletedAt),
		rolledBack, formatTimePtr(a.RollbackAt),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (*attempt.Attempt, error) {
	var (
		a                                  attempt.Attempt
		status, ids                        string
		startedAt, completedAt, rollbackAt string
		rolledBack                         int
	)
	err := s.Scan(&a.ID, &a.FromVersion, &a.ToVersion, &status, &a.DownloadURL, &a.Checksum, &a.FileSize,
		&a.FilePath, &a.Changelog, &a.ReleaseNotes, &a.BackupID, &ids, &a.MigrationLogs,
		&a.ErrorMessage, &a.ErrorStack, &a.InitiatedBy, &startedAt, &completedAt, &rolledBack, &rollbackAt)
	if err != nil {
		return nil, err
	}

	a.Status = attempt.Status(status)
	a.RolledBack = rolledBack != 0
	if err := json.Unmarshal([]byte(ids), &a.MigrationsRun); err != nil {
		return nil, fmt.Errorf("decode migrations for %s: %w", a.ID, err)
	}
	if a.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at for %s: %w", a.ID, err)
	}
	if a.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at for %s: %w", a.ID, err)
	}
	if a.RollbackAt, err = parseTimePtr(rollbackAt); err != nil {
		return nil, fmt.Errorf("parse rollback_at for %s: %w", a.ID, err)
	}
	return &a, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
