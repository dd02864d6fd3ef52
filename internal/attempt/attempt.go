// Package attempt defines the durable record of one update pipeline run and
// the rules governing how its status may change.
package attempt

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the pipeline stage an attempt has reached.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusDownloading Status = "DOWNLOADING"
	StatusDownloaded  Status = "DOWNLOADED"
	StatusBackingUp   Status = "BACKING_UP"
	StatusApplying    Status = "APPLYING"
	StatusMigrating   Status = "MIGRATING"
	StatusVerifying   Status = "VERIFYING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusRolledBack  Status = "ROLLED_BACK"
)

// forward lists the stages in the only order they may be visited.
var forward = []Status{
	StatusPending,
	StatusDownloading,
	StatusDownloaded,
	StatusBackingUp,
	StatusApplying,
	StatusMigrating,
	StatusVerifying,
	StatusCompleted,
}

var (
	// ErrInvalidTransition is returned when a status change would violate the
	// stage ordering.
	ErrInvalidTransition = errors.New("attempt: invalid status transition")
	// ErrMigrationsSealed is returned when migrations are recorded outside the
	// MIGRATING stage or more than once.
	ErrMigrationsSealed = errors.New("attempt: migrations already recorded or not migrating")
)

// Attempt is one durable record of a single update pipeline run.
type Attempt struct {
	ID            string     `json:"id"`
	FromVersion   string     `json:"from_version"`
	ToVersion     string     `json:"to_version"`
	Status        Status     `json:"status"`
	DownloadURL   string     `json:"download_url"`
	Checksum      string     `json:"checksum"`
	FileSize      int64      `json:"file_size"`
	FilePath      string     `json:"file_path,omitempty"`
	Changelog     string     `json:"changelog,omitempty"`
	ReleaseNotes  string     `json:"release_notes,omitempty"`
	BackupID      string     `json:"backup_id,omitempty"`
	MigrationsRun []string   `json:"migrations_run"`
	MigrationLogs string     `json:"migration_logs,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ErrorStack    string     `json:"error_stack,omitempty"`
	InitiatedBy   string     `json:"initiated_by"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	RolledBack    bool       `json:"rolled_back"`
	RollbackAt    *time.Time `json:"rollback_at,omitempty"`

	migrationsRecorded bool
}

// New returns a PENDING attempt moving from one version to another.
func New(fromVersion, toVersion, initiatedBy string) *Attempt {
	return &Attempt{
		ID:          uuid.New().String(),
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Status:      StatusPending,
		InitiatedBy: initiatedBy,
		StartedAt:   time.Now().UTC(),
	}
}

// IsTerminal reports whether no further forward progress is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusFailed, StatusRolledBack:
		return true
	}
	return stageIndex(s) >= 0
}

func stageIndex(s Status) int {
	for i, st := range forward {
		if st == s {
			return i
		}
	}
	return -1
}

// CanTransition reports whether an attempt in status from may move to to.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusFailed:
		return !from.IsTerminal()
	case StatusRolledBack:
		return from == StatusFailed || from == StatusCompleted
	}
	if from.IsTerminal() {
		return false
	}
	fi, ti := stageIndex(from), stageIndex(to)
	return fi >= 0 && ti > fi
}

// Advance moves the attempt to next, enforcing forward-only progress.
func (a *Attempt) Advance(next Status) error {
	if !CanTransition(a.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, next)
	}
	a.Status = next
	if next == StatusCompleted {
		now := time.Now().UTC()
		a.CompletedAt = &now
	}
	return nil
}

// Fail marks the attempt FAILED and records why.
func (a *Attempt) Fail(err error, stack string) error {
	if transitionErr := a.Advance(StatusFailed); transitionErr != nil {
		return transitionErr
	}
	if err != nil {
		a.ErrorMessage = err.Error()
	}
	a.ErrorStack = stack
	now := time.Now().UTC()
	a.CompletedAt = &now
	return nil
}

// RecordMigrations stores the applied migration identifiers. It is only
// permitted once, while the attempt is MIGRATING.
func (a *Attempt) RecordMigrations(ids []string, logs string) error {
	if a.Status != StatusMigrating || a.migrationsRecorded {
		return ErrMigrationsSealed
	}
	a.MigrationsRun = append([]string(nil), ids...)
	a.MigrationLogs = logs
	a.migrationsRecorded = true
	return nil
}

// MarkRolledBack records a successful operator rollback.
func (a *Attempt) MarkRolledBack(at time.Time) error {
	if err := a.Advance(StatusRolledBack); err != nil {
		return err
	}
	at = at.UTC()
	a.RolledBack = true
	a.RollbackAt = &at
	return nil
}

// HasBackup reports whether data can be restored for this attempt.
func (a *Attempt) HasBackup() bool {
	return a.BackupID != ""
}
