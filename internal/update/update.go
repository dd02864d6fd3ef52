// Package update drives the forward update pipeline: download, backup,
// promotion of the new tree, schema migration, dependency install, build and
// verification. Every stage change is persisted on the attempt before work
// for that stage starts, and every failure is recorded on the attempt before
// it is returned. Nothing is rolled back automatically.
package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/attempt"
	"github.com/lyndonlyu/upkeep/internal/audit"
	"github.com/lyndonlyu/upkeep/internal/downloader"
	"github.com/lyndonlyu/upkeep/internal/executor"
	"github.com/lyndonlyu/upkeep/internal/filelock"
	"github.com/lyndonlyu/upkeep/internal/logging"
	"github.com/lyndonlyu/upkeep/internal/manifest"
	"github.com/lyndonlyu/upkeep/internal/metrics"
	"github.com/lyndonlyu/upkeep/internal/migration"
	"github.com/lyndonlyu/upkeep/internal/precheck"
	"github.com/lyndonlyu/upkeep/internal/progress"
	"github.com/lyndonlyu/upkeep/internal/redact"
	"github.com/lyndonlyu/upkeep/internal/snapshot"
	"github.com/lyndonlyu/upkeep/internal/staging"
	"github.com/lyndonlyu/upkeep/internal/statedb"
)

var (
	// ErrConflict is returned when another pipeline holds the guard.
	ErrConflict = errors.New("update: another update or rollback is in progress")
	// ErrNotFound is returned when the manifest has no entry for the version.
	ErrNotFound = errors.New("update: version not found")
	// ErrInvalidVersion is returned when the target cannot be installed over
	// the current version.
	ErrInvalidVersion = errors.New("update: invalid target version")
	// ErrIncompatible is returned when a blocking compatibility check fails.
	ErrIncompatible = errors.New("update: target version is incompatible with this host")
	// ErrSchemaInvalid is returned when schema validation reports issues.
	ErrSchemaInvalid = errors.New("update: schema validation failed")
)

// Progress bands per stage.
const (
	pctDownloadEnd = 30
	pctBackup      = 35
	pctApply       = 50
	pctMigrate     = 65
	pctInstall     = 75
	pctBuild       = 85
	pctVerify      = 95
)

// Config wires the orchestrator to its collaborators. Compat, Migrator, Audit
// and Redactor are optional.
type Config struct {
	AppDir     string
	StagingDir string
	Excluded   []string
	Install    executor.Command
	Build      executor.Command

	Store    *statedb.DB
	Releases *manifest.Client
	Compat   *precheck.Checker
	Fetcher  *downloader.Downloader
	Points   *snapshot.Manager
	Backups  snapshot.Service
	Migrator *migration.Runner
	Exec     executor.Runner
	Guard    *filelock.Guard
	Progress *progress.Tracker
	Audit    *audit.Logger
	Redactor *redact.Redactor
}

// ApplyResult is returned by a successful Apply.
type ApplyResult struct {
	AttemptID       string `json:"attempt_id"`
	FromVersion     string `json:"from_version"`
	ToVersion       string `json:"to_version"`
	Message         string `json:"message"`
	RestartRequired bool   `json:"restart_required"`
}

// Orchestrator runs the update pipeline. At most one pipeline runs at a time
// across every process sharing the guard's lock file.
type Orchestrator struct {
	cfg Config
}

func New(cfg Config) *Orchestrator {
	if cfg.Progress == nil {
		cfg.Progress = progress.NewTracker()
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = downloader.New(nil)
	}
	if cfg.Exec == nil {
		cfg.Exec = executor.New()
	}
	return &Orchestrator{cfg: cfg}
}

// InProgress reports whether any pipeline holds the guard.
func (o *Orchestrator) InProgress() bool {
	return o.cfg.Guard.Busy()
}

// Progress returns the live progress of the most recent pipeline run.
func (o *Orchestrator) Progress() (progress.Report, error) {
	return o.cfg.Progress.Current()
}

// Acquire takes the pipeline guard. Contention is reported as ErrConflict.
func Acquire(g *filelock.Guard, purpose string) error {
	if err := g.Acquire(purpose); err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("update: acquire lock: %w", err)
	}
	metrics.UpdateInProgress.Set(1)
	return nil
}

// Release drops the pipeline guard.
func Release(g *filelock.Guard) {
	metrics.UpdateInProgress.Set(0)
	if err := g.Release(); err != nil {
		log.Errorf("failed to release update lock: %v", err)
	}
}

// Download fetches the artifact for version into the staging area and returns
// the DOWNLOADED attempt. An attempt already DOWNLOADED for the version whose
// artifact is still on disk is returned as is.
func (o *Orchestrator) Download(ctx context.Context, version, initiatedBy string) (*attempt.Attempt, error) {
	start := time.Now()
	if err := Acquire(o.cfg.Guard, "download "+version); err != nil {
		o.audit(audit.Entry{Action: audit.ActionDownload, Version: version, InitiatedBy: initiatedBy,
			Outcome: audit.OutcomeRejected, Error: err.Error()})
		return nil, err
	}
	defer Release(o.cfg.Guard)

	o.cfg.Progress.Start("download", string(attempt.StatusPending))
	a, err := o.download(ctx, version, initiatedBy)

	entry := audit.Entry{Action: audit.ActionDownload, Version: version, InitiatedBy: initiatedBy,
		Outcome: audit.OutcomeSuccess, Duration: time.Since(start)}
	if a != nil {
		entry.AttemptID = a.ID
	}
	if err != nil {
		entry.Outcome = outcomeFor(err)
		entry.Error = err.Error()
		o.audit(entry)
		o.cfg.Progress.Fail(o.cfg.Redactor.Redact(err.Error()))
		return a, err
	}
	o.audit(entry)
	o.cfg.Progress.Complete(fmt.Sprintf("downloaded %s", a.ToVersion))
	return a, nil
}

func (o *Orchestrator) download(ctx context.Context, version, initiatedBy string) (*attempt.Attempt, error) {
	rel, from, err := o.resolve(ctx, version)
	if err != nil {
		return nil, err
	}
	return o.obtain(ctx, rel, from, initiatedBy)
}

// Apply runs the full pipeline for version. On success the version marker
// names the new version and the application must be restarted.
func (o *Orchestrator) Apply(ctx context.Context, version, initiatedBy string) (*ApplyResult, error) {
	start := time.Now()
	if err := Acquire(o.cfg.Guard, "apply "+version); err != nil {
		metrics.AttemptsTotal.WithLabelValues("rejected").Inc()
		o.audit(audit.Entry{Action: audit.ActionApply, Version: version, InitiatedBy: initiatedBy,
			Outcome: audit.OutcomeRejected, Error: err.Error()})
		return nil, err
	}
	defer Release(o.cfg.Guard)

	o.cfg.Progress.Start("apply", string(attempt.StatusPending))
	a, err := o.apply(ctx, version, initiatedBy)

	entry := audit.Entry{Action: audit.ActionApply, Version: version, InitiatedBy: initiatedBy,
		Outcome: audit.OutcomeSuccess, Duration: time.Since(start)}
	if a != nil {
		entry.AttemptID = a.ID
	}
	if err != nil {
		outcome := outcomeFor(err)
		if outcome == audit.OutcomeRejected {
			metrics.AttemptsTotal.WithLabelValues("rejected").Inc()
		} else {
			metrics.AttemptsTotal.WithLabelValues("failed").Inc()
		}
		entry.Outcome = outcome
		entry.Error = err.Error()
		o.audit(entry)
		o.cfg.Progress.Fail(o.cfg.Redactor.Redact(err.Error()))
		if a == nil {
			return nil, err
		}
		// The failed attempt stays inspectable through its id.
		return &ApplyResult{
			AttemptID:   a.ID,
			FromVersion: a.FromVersion,
			ToVersion:   a.ToVersion,
			Message:     a.ErrorMessage,
		}, err
	}

	metrics.AttemptsTotal.WithLabelValues("completed").Inc()
	o.audit(entry)
	msg := fmt.Sprintf("updated %s -> %s; restart the application to run the new version", a.FromVersion, a.ToVersion)
	o.cfg.Progress.Complete(msg)
	return &ApplyResult{
		AttemptID:       a.ID,
		FromVersion:     a.FromVersion,
		ToVersion:       a.ToVersion,
		Message:         msg,
		RestartRequired: true,
	}, nil
}

func (o *Orchestrator) apply(ctx context.Context, version, initiatedBy string) (*attempt.Attempt, error) {
	rel, from, err := o.resolve(ctx, version)
	if err != nil {
		return nil, err
	}
	if o.cfg.Compat != nil {
		report := o.cfg.Compat.CheckCompatibility(ctx, rel)
		if !report.Compatible {
			return nil, fmt.Errorf("%w: %s", ErrIncompatible, strings.Join(report.Issues, "; "))
		}
		for _, w := range report.Warnings {
			log.WithField("version", rel.Version).Warn(w)
		}
	}

	a, err := o.obtain(ctx, rel, from, initiatedBy)
	if err != nil {
		return a, err
	}
	lg := logging.ForAttempt(a.ID, a.ToVersion)

	// Backup and rollback point both complete before the live tree changes.
	if err := o.enter(a, attempt.StatusBackingUp, pctBackup, "creating backup"); err != nil {
		return a, err
	}
	timer := metrics.NewTimer()
	b, err := o.cfg.Backups.Create(ctx, "pre-update "+a.FromVersion+" -> "+a.ToVersion)
	if err != nil {
		return a, o.fail(a, attempt.StatusBackingUp, fmt.Errorf("update: backup: %w", err), "")
	}
	a.BackupID = b.ID
	if err := o.save(a, attempt.StatusBackingUp); err != nil {
		return a, err
	}
	if _, err := o.cfg.Points.CreateFileRollbackPoint(a.FromVersion); err != nil {
		return a, o.fail(a, attempt.StatusBackingUp, fmt.Errorf("update: rollback point: %w", err), "")
	}
	timer.ObserveStage(string(attempt.StatusBackingUp))
	lg.WithField("stage", attempt.StatusBackingUp).Infof("backup %s created", b.ID)

	if err := o.enter(a, attempt.StatusApplying, pctApply, "promoting new release"); err != nil {
		return a, err
	}
	timer = metrics.NewTimer()
	promotion, err := o.promote(ctx, a)
	if err != nil {
		return a, o.fail(a, attempt.StatusApplying, err, "")
	}
	timer.ObserveStage(string(attempt.StatusApplying))
	lg.WithField("stage", attempt.StatusApplying).
		Infof("promoted release: %d replaced, %d added", len(promotion.Replaced), len(promotion.Added))

	if err := o.enter(a, attempt.StatusMigrating, pctMigrate, "running migrations"); err != nil {
		return a, err
	}
	timer = metrics.NewTimer()
	if err := o.migrate(ctx, a); err != nil {
		return a, err
	}
	if out, err := o.runStep(ctx, o.cfg.Install, pctInstall, "installing dependencies"); err != nil {
		return a, o.fail(a, attempt.StatusMigrating, fmt.Errorf("update: install: %w", err), out)
	}
	if out, err := o.runStep(ctx, o.cfg.Build, pctBuild, "building"); err != nil {
		return a, o.fail(a, attempt.StatusMigrating, fmt.Errorf("update: build: %w", err), out)
	}
	timer.ObserveStage(string(attempt.StatusMigrating))

	if err := o.enter(a, attempt.StatusVerifying, pctVerify, "validating schema"); err != nil {
		return a, err
	}
	timer = metrics.NewTimer()
	if err := o.verify(ctx, a); err != nil {
		return a, err
	}
	if err := o.cfg.Releases.WriteCurrentVersion(a.ToVersion); err != nil {
		return a, o.fail(a, attempt.StatusVerifying, fmt.Errorf("update: write version marker: %w", err), "")
	}
	timer.ObserveStage(string(attempt.StatusVerifying))

	if err := promotion.Discard(); err != nil {
		lg.Warnf("failed to remove previous tree %s: %v", promotion.PreviousDir, err)
	}
	if err := a.Advance(attempt.StatusCompleted); err != nil {
		return a, o.fail(a, attempt.StatusVerifying, err, "")
	}
	if err := o.cfg.Store.SaveAttempt(a); err != nil {
		return a, fmt.Errorf("update: save completed attempt: %w", err)
	}
	o.cfg.Progress.Stage(string(attempt.StatusCompleted), 100, "update completed")
	lg.WithField("stage", attempt.StatusCompleted).Infof("update %s -> %s completed", a.FromVersion, a.ToVersion)
	return a, nil
}

// resolve validates version against the manifest and the installed version
// before any I/O on the live tree.
func (o *Orchestrator) resolve(ctx context.Context, version string) (*manifest.Release, string, error) {
	if strings.TrimSpace(version) == "" {
		return nil, "", fmt.Errorf("%w: version is required", ErrInvalidVersion)
	}
	current, err := o.cfg.Releases.CurrentVersion()
	if err != nil {
		return nil, "", fmt.Errorf("update: read current version: %w", err)
	}
	rel, err := o.cfg.Releases.Find(ctx, version)
	if err != nil {
		if errors.Is(err, manifest.ErrVersionNotFound) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, version)
		}
		return nil, "", fmt.Errorf("update: fetch manifest: %w", err)
	}
	if manifest.CompareVersions(current, rel.Version) >= 0 {
		return nil, "", fmt.Errorf("%w: %s is not newer than installed %s", ErrInvalidVersion, rel.Version, current)
	}
	if rel.DownloadURL == "" {
		return nil, "", fmt.Errorf("%w: %s has no downloadable artifact", ErrInvalidVersion, rel.Version)
	}
	return rel, current, nil
}

// obtain returns a DOWNLOADED attempt for rel, reusing one whose artifact is
// still staged or downloading a fresh one.
func (o *Orchestrator) obtain(ctx context.Context, rel *manifest.Release, from, initiatedBy string) (*attempt.Attempt, error) {
	existing, err := o.cfg.Store.LatestAttempt(rel.Version, attempt.StatusDownloaded)
	switch {
	case err == nil:
		if _, statErr := os.Stat(existing.FilePath); existing.FilePath != "" && statErr == nil {
			if existing.FromVersion != from {
				existing.FromVersion = from
				if err := o.cfg.Store.SaveAttempt(existing); err != nil {
					return nil, fmt.Errorf("update: save attempt: %w", err)
				}
			}
			o.cfg.Progress.SetAttempt(existing.ID)
			o.cfg.Progress.Stage(string(attempt.StatusDownloaded), pctDownloadEnd, "using staged artifact")
			logging.ForAttempt(existing.ID, existing.ToVersion).Infof("reusing staged artifact %s", existing.FilePath)
			return existing, nil
		}
		if err := o.fail(existing, attempt.StatusDownloaded, fmt.Errorf("update: staged artifact %s is missing", existing.FilePath), ""); err != nil {
			log.Warnf("discarding stale attempt %s: %v", existing.ID, err)
		}
	case !errors.Is(err, statedb.ErrNotFound):
		return nil, fmt.Errorf("update: look up downloaded attempt: %w", err)
	}

	a := attempt.New(from, rel.Version, initiatedBy)
	a.DownloadURL = rel.DownloadURL
	a.Checksum = rel.Checksum
	a.FileSize = rel.FileSize
	a.Changelog = rel.Changelog
	a.ReleaseNotes = rel.ReleaseNotes
	if err := o.cfg.Store.CreateAttempt(a); err != nil {
		return nil, fmt.Errorf("update: create attempt: %w", err)
	}
	o.cfg.Progress.SetAttempt(a.ID)

	if err := o.enter(a, attempt.StatusDownloading, 0, "downloading "+rel.Version); err != nil {
		return a, err
	}
	timer := metrics.NewTimer()
	dest := filepath.Join(o.cfg.StagingDir, artifactName(a))
	res, err := o.cfg.Fetcher.Download(ctx, downloader.Request{
		URL:      a.DownloadURL,
		Dest:     dest,
		Checksum: a.Checksum,
		Size:     a.FileSize,
	}, func(percent int) {
		o.cfg.Progress.Update(percent*pctDownloadEnd/100, fmt.Sprintf("downloading %s (%d%%)", rel.Version, percent))
	})
	if err != nil {
		return a, o.fail(a, attempt.StatusDownloading, fmt.Errorf("update: download: %w", err), "")
	}
	timer.ObserveStage(string(attempt.StatusDownloading))

	a.FilePath = res.Path
	a.FileSize = res.Size
	if a.Checksum == "" {
		a.Checksum = res.Checksum
	}
	if err := o.enter(a, attempt.StatusDownloaded, pctDownloadEnd, "download complete"); err != nil {
		return a, err
	}
	logging.ForAttempt(a.ID, a.ToVersion).Infof("downloaded %d bytes to %s", res.Size, res.Path)
	return a, nil
}

// promote extracts the artifact into scratch space and swaps it into the
// live tree. The replaced entries stay parked until the update completes.
func (o *Orchestrator) promote(ctx context.Context, a *attempt.Attempt) (*staging.Promotion, error) {
	scratch := filepath.Join(o.cfg.StagingDir, "extract-"+shortID(a.ID))
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warnf("failed to remove extraction dir %s: %v", scratch, err)
		}
	}()

	ex, err := staging.Extract(ctx, a.FilePath, scratch)
	if err != nil {
		return nil, fmt.Errorf("update: extract: %w", err)
	}
	p, err := staging.Promote(ex.Root, o.cfg.AppDir, PreviousDir(o.cfg.StagingDir, a.ID), o.cfg.Excluded)
	if err != nil {
		return nil, fmt.Errorf("update: promote: %w", err)
	}
	// The release may ship its own marker (VERSION, package.json). Until the
	// update completes the marker keeps naming the installed version.
	if err := o.cfg.Releases.WriteCurrentVersion(a.FromVersion); err != nil {
		if undoErr := p.Undo(); undoErr != nil {
			log.Errorf("undo promotion of %s: %v", a.ID, undoErr)
		}
		return nil, fmt.Errorf("update: reset version marker: %w", err)
	}
	if err := p.Save(); err != nil {
		log.Warnf("promotion of %s cannot be reverted from disk: %v", a.ID, err)
	}
	return p, nil
}

// PreviousDir is where the entries replaced by an attempt's promotion are
// parked until the attempt completes or is rolled back.
func PreviousDir(stagingDir, attemptID string) string {
	return filepath.Join(stagingDir, "previous-"+shortID(attemptID))
}

func (o *Orchestrator) migrate(ctx context.Context, a *attempt.Attempt) error {
	if o.cfg.Migrator == nil {
		return a.RecordMigrations(nil, "")
	}
	res, err := o.cfg.Migrator.Run(ctx)
	logs := o.cfg.Redactor.Redact(res.Logs)
	if recErr := a.RecordMigrations(res.MigrationsRun, logs); recErr != nil {
		log.Warnf("failed to record migrations for %s: %v", a.ID, recErr)
	}
	if err != nil {
		return o.fail(a, attempt.StatusMigrating, err, res.Logs)
	}
	if err := o.save(a, attempt.StatusMigrating); err != nil {
		return err
	}
	logging.ForAttempt(a.ID, a.ToVersion).WithField("stage", attempt.StatusMigrating).
		Infof("applied %d migrations", len(res.MigrationsRun))
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, a *attempt.Attempt) error {
	if o.cfg.Migrator == nil {
		return nil
	}
	v, err := o.cfg.Migrator.ValidateSchema(ctx)
	if err != nil {
		return o.fail(a, attempt.StatusVerifying, fmt.Errorf("update: validate: %w", err), "")
	}
	if !v.Valid {
		err := fmt.Errorf("%w: %s", ErrSchemaInvalid, strings.Join(v.Issues, "; "))
		return o.fail(a, attempt.StatusVerifying, err, strings.Join(v.Issues, "\n"))
	}
	return nil
}

// runStep runs one external command inside the app directory. An empty
// command is skipped.
func (o *Orchestrator) runStep(ctx context.Context, cmd executor.Command, percent int, message string) (string, error) {
	if cmd.Name == "" {
		return "", nil
	}
	if cmd.Dir == "" {
		cmd.Dir = o.cfg.AppDir
	}
	o.cfg.Progress.Update(percent, message)
	res, err := o.cfg.Exec.Run(ctx, cmd)
	return res.Output(), err
}

// enter advances a to next and persists the change before the stage runs.
func (o *Orchestrator) enter(a *attempt.Attempt, next attempt.Status, percent int, message string) error {
	if err := a.Advance(next); err != nil {
		return o.fail(a, next, err, "")
	}
	if err := o.save(a, next); err != nil {
		return err
	}
	o.cfg.Progress.Stage(string(next), percent, message)
	logging.ForAttempt(a.ID, a.ToVersion).WithField("stage", next).Debug(message)
	return nil
}

func (o *Orchestrator) save(a *attempt.Attempt, stage attempt.Status) error {
	if err := o.cfg.Store.SaveAttempt(a); err != nil {
		return o.fail(a, stage, fmt.Errorf("update: save attempt: %w", err), "")
	}
	return nil
}

// fail marks a FAILED, persists the error and returns cause. The returned
// error also carries a persistence failure when the record could not be
// saved.
func (o *Orchestrator) fail(a *attempt.Attempt, stage attempt.Status, cause error, output string) error {
	lg := logging.ForAttempt(a.ID, a.ToVersion).WithField("stage", stage)
	lg.Errorf("update failed: %v", cause)

	stack := errorStack(stage, cause, o.cfg.Redactor.Redact(output))
	if err := a.Fail(cause, stack); err != nil {
		lg.Errorf("cannot mark attempt failed: %v", err)
		return cause
	}
	a.ErrorMessage = o.cfg.Redactor.Redact(a.ErrorMessage)
	if err := o.cfg.Store.SaveAttempt(a); err != nil {
		lg.Errorf("cannot persist failed attempt: %v", err)
		return multierror.Append(cause, fmt.Errorf("update: persist failure: %w", err))
	}
	return cause
}

func (o *Orchestrator) audit(e audit.Entry) {
	if o.cfg.Audit == nil {
		return
	}
	if err := o.cfg.Audit.Log(e); err != nil {
		log.Warnf("failed to write audit record: %v", err)
	}
	if _, err := audit.MaybeCreateAnchor(o.cfg.Audit); err != nil {
		log.Warnf("failed to anchor audit log: %v", err)
	}
}

// errorStack renders the failed stage, the wrapped error chain and any
// captured process output.
func errorStack(stage attempt.Status, err error, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage: %s\n", stage)
	for depth := 0; err != nil; depth++ {
		fmt.Fprintf(&b, "%s%s\n", strings.Repeat("  ", depth), err.Error())
		err = errors.Unwrap(err)
	}
	if out := strings.TrimSpace(output); out != "" {
		b.WriteString("output:\n")
		b.WriteString(out)
		b.WriteString("\n")
	}
	return b.String()
}

// outcomeFor classifies a pipeline error for the audit trail: anything
// rejected before an attempt existed is "rejected".
func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidVersion), errors.Is(err, ErrIncompatible):
		return audit.OutcomeRejected
	}
	return audit.OutcomeFailure
}

func artifactName(a *attempt.Attempt) string {
	name := a.ToVersion + "-" + shortID(a.ID)
	lower := strings.ToLower(path.Base(a.DownloadURL))
	for _, ext := range []string{".tar.gz", ".tgz", ".tar", ".zip"} {
		if strings.HasSuffix(lower, ext) {
			return name + ext
		}
	}
	return name
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
