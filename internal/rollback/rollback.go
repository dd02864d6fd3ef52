// Package rollback reverts a failed or completed update on operator request.
// It is best effort: whatever can be restored is restored, a failure is
// recorded on the attempt and returned, and nothing is retried.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/attempt"
	"github.com/lyndonlyu/upkeep/internal/audit"
	"github.com/lyndonlyu/upkeep/internal/executor"
	"github.com/lyndonlyu/upkeep/internal/filelock"
	"github.com/lyndonlyu/upkeep/internal/logging"
	"github.com/lyndonlyu/upkeep/internal/manifest"
	"github.com/lyndonlyu/upkeep/internal/metrics"
	"github.com/lyndonlyu/upkeep/internal/progress"
	"github.com/lyndonlyu/upkeep/internal/redact"
	"github.com/lyndonlyu/upkeep/internal/snapshot"
	"github.com/lyndonlyu/upkeep/internal/staging"
	"github.com/lyndonlyu/upkeep/internal/statedb"
	"github.com/lyndonlyu/upkeep/internal/update"
)

// Quality grades how much of the pre-update state a rollback brought back.
type Quality string

const (
	QualityFull    Quality = "FULL"    // application files and data restored
	QualityPartial Quality = "PARTIAL" // only one of files or data restored
	QualityNone    Quality = "NONE"    // nothing restorable
)

var (
	// ErrNotRollbackable is returned for attempts that are neither FAILED nor
	// COMPLETED.
	ErrNotRollbackable = errors.New("rollback: attempt cannot be rolled back")
	// ErrNothingToRestore is returned when the attempt left no rollback point,
	// parked tree or backup behind.
	ErrNothingToRestore = errors.New("rollback: nothing to restore")
)

type Options struct {
	RestoreAssets bool
	InitiatedBy   string
}

type Result struct {
	AttemptID     string   `json:"attempt_id"`
	Version       string   `json:"version"`
	Quality       Quality  `json:"quality"`
	TreeRestored  []string `json:"tree_restored"`
	FilesRestored []string `json:"files_restored"`
	DataRestored  bool     `json:"data_restored"`
	Duration      string   `json:"duration"`
	Message       string   `json:"message"`
}

// Config wires the executor to the same collaborators the forward pipeline
// uses. Audit and Redactor are optional.
type Config struct {
	AppDir     string
	StagingDir string
	Excluded   []string
	Install    executor.Command
	Build      executor.Command

	Store    *statedb.DB
	Releases *manifest.Client
	Points   *snapshot.Manager
	Backups  snapshot.Service
	Exec     executor.Runner
	Guard    *filelock.Guard
	Progress *progress.Tracker
	Audit    *audit.Logger
	Redactor *redact.Redactor
}

type Executor struct {
	cfg Config
}

func New(cfg Config) *Executor {
	if cfg.Progress == nil {
		cfg.Progress = progress.NewTracker()
	}
	if cfg.Exec == nil {
		cfg.Exec = executor.New()
	}
	return &Executor{cfg: cfg}
}

// Grade derives the quality from what was restored.
func Grade(filesRestored, dataRestored bool) Quality {
	switch {
	case filesRestored && dataRestored:
		return QualityFull
	case filesRestored || dataRestored:
		return QualityPartial
	default:
		return QualityNone
	}
}

// Rollback restores the state recorded before attemptID's update: the parked
// application tree, the file rollback point of the previous version and the
// data backup, then reinstalls and rebuilds. It holds the same guard as the
// update pipeline.
func (e *Executor) Rollback(ctx context.Context, attemptID string, opts Options) (*Result, error) {
	start := time.Now()
	entry := audit.Entry{Action: audit.ActionRollback, AttemptID: attemptID, InitiatedBy: opts.InitiatedBy}

	if err := update.Acquire(e.cfg.Guard, "rollback "+attemptID); err != nil {
		entry.Outcome = audit.OutcomeRejected
		entry.Error = err.Error()
		e.audit(entry)
		return nil, err
	}
	defer update.Release(e.cfg.Guard)

	a, err := e.cfg.Store.GetAttempt(attemptID)
	if err != nil {
		if errors.Is(err, statedb.ErrNotFound) {
			err = fmt.Errorf("%w: attempt %s", update.ErrNotFound, attemptID)
		}
		entry.Outcome = audit.OutcomeRejected
		entry.Error = err.Error()
		e.audit(entry)
		return nil, err
	}
	entry.Version = a.FromVersion
	if a.Status != attempt.StatusFailed && a.Status != attempt.StatusCompleted {
		err := fmt.Errorf("%w: %s is %s", ErrNotRollbackable, a.ID, a.Status)
		entry.Outcome = audit.OutcomeRejected
		entry.Error = err.Error()
		e.audit(entry)
		return nil, err
	}

	e.cfg.Progress.Start("rollback", string(attempt.StatusRolledBack))
	e.cfg.Progress.SetAttempt(a.ID)

	res, output, err := e.rollback(ctx, a, opts)
	res.Duration = time.Since(start).Round(time.Millisecond).String()
	entry.Duration = time.Since(start)
	if err != nil {
		e.recordFailure(a, err, output)
		metrics.RollbacksTotal.WithLabelValues("FAILED").Inc()
		entry.Outcome = audit.OutcomeFailure
		entry.Error = err.Error()
		e.audit(entry)
		e.cfg.Progress.Fail(e.cfg.Redactor.Redact(err.Error()))
		return res, err
	}

	metrics.RollbacksTotal.WithLabelValues(string(res.Quality)).Inc()
	entry.Outcome = audit.OutcomeSuccess
	e.audit(entry)
	e.cfg.Progress.Complete(res.Message)
	return res, nil
}

// rollback does the restore work and returns captured process output for the
// failure record.
func (e *Executor) rollback(ctx context.Context, a *attempt.Attempt, opts Options) (*Result, string, error) {
	lg := logging.ForAttempt(a.ID, a.FromVersion).WithField("stage", attempt.StatusRolledBack)
	res := &Result{
		AttemptID:     a.ID,
		Version:       a.FromVersion,
		Quality:       QualityNone,
		TreeRestored:  []string{},
		FilesRestored: []string{},
	}

	e.cfg.Progress.Stage(string(attempt.StatusRolledBack), 10, "restoring application tree")
	tree, err := staging.Revert(update.PreviousDir(e.cfg.StagingDir, a.ID), e.cfg.AppDir, e.cfg.Excluded)
	switch {
	case errors.Is(err, staging.ErrNoPromotion):
		lg.Debug("no parked tree to revert")
	case err != nil:
		return res, "", fmt.Errorf("rollback: revert tree: %w", err)
	default:
		res.TreeRestored = tree
	}

	if e.cfg.Points.Exists(a.FromVersion) {
		e.cfg.Progress.Update(25, "restoring rollback point "+a.FromVersion)
		files, err := e.cfg.Points.RestoreFileRollbackPoint(a.FromVersion)
		res.FilesRestored = append(res.FilesRestored, files...)
		if err != nil {
			return res, "", fmt.Errorf("rollback: restore rollback point: %w", err)
		}
	} else {
		lg.Warnf("no rollback point for %s", a.FromVersion)
	}

	if a.HasBackup() {
		e.cfg.Progress.Update(40, "restoring backup "+a.BackupID)
		if err := e.cfg.Backups.Restore(ctx, a.BackupID, snapshot.RestoreOptions{Assets: opts.RestoreAssets}); err != nil {
			return res, "", fmt.Errorf("rollback: restore backup %s: %w", a.BackupID, err)
		}
		res.DataRestored = true
	}

	filesRestored := len(res.TreeRestored) > 0 || len(res.FilesRestored) > 0
	res.Quality = Grade(filesRestored, res.DataRestored)
	if res.Quality == QualityNone {
		return res, "", fmt.Errorf("%w for attempt %s", ErrNothingToRestore, a.ID)
	}

	if err := e.cfg.Releases.WriteCurrentVersion(a.FromVersion); err != nil {
		return res, "", fmt.Errorf("rollback: write version marker: %w", err)
	}
	if out, err := e.run(ctx, e.cfg.Install, 60, "reinstalling dependencies"); err != nil {
		return res, out, fmt.Errorf("rollback: install: %w", err)
	}
	if out, err := e.run(ctx, e.cfg.Build, 80, "rebuilding"); err != nil {
		return res, out, fmt.Errorf("rollback: build: %w", err)
	}

	if err := a.MarkRolledBack(time.Now()); err != nil {
		return res, "", err
	}
	if err := e.cfg.Store.SaveAttempt(a); err != nil {
		return res, "", fmt.Errorf("rollback: save attempt: %w", err)
	}
	res.Message = fmt.Sprintf("rolled back %s -> %s (%s); restart the application", a.ToVersion, a.FromVersion, res.Quality)
	lg.Info(res.Message)
	return res, "", nil
}

func (e *Executor) run(ctx context.Context, cmd executor.Command, percent int, message string) (string, error) {
	if cmd.Name == "" {
		return "", nil
	}
	if cmd.Dir == "" {
		cmd.Dir = e.cfg.AppDir
	}
	e.cfg.Progress.Update(percent, message)
	out, err := e.cfg.Exec.Run(ctx, cmd)
	return out.Output(), err
}

// recordFailure appends the rollback failure to the attempt's error fields
// and leaves its status as it was.
func (e *Executor) recordFailure(a *attempt.Attempt, cause error, output string) {
	msg := e.cfg.Redactor.Redact("rollback failed: " + cause.Error())
	if a.ErrorMessage != "" {
		msg = a.ErrorMessage + "; " + msg
	}
	a.ErrorMessage = msg

	var b strings.Builder
	if a.ErrorStack != "" {
		b.WriteString(a.ErrorStack)
		b.WriteString("--- rollback ---\n")
	}
	for err := cause; err != nil; err = errors.Unwrap(err) {
		b.WriteString(err.Error())
		b.WriteString("\n")
	}
	if out := strings.TrimSpace(e.cfg.Redactor.Redact(output)); out != "" {
		b.WriteString("output:\n")
		b.WriteString(out)
		b.WriteString("\n")
	}
	a.ErrorStack = b.String()

	if err := e.cfg.Store.SaveAttempt(a); err != nil {
		log.Errorf("cannot persist rollback failure for %s: %v", a.ID, err)
	}
}

func (e *Executor) audit(entry audit.Entry) {
	if e.cfg.Audit == nil {
		return
	}
	if err := e.cfg.Audit.Log(entry); err != nil {
		log.Warnf("failed to write audit record: %v", err)
	}
	if _, err := audit.MaybeCreateAnchor(e.cfg.Audit); err != nil {
		log.Warnf("failed to anchor audit log: %v", err)
	}
}
