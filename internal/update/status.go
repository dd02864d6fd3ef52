package update

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/attempt"
	"github.com/lyndonlyu/upkeep/internal/manifest"
	"github.com/lyndonlyu/upkeep/internal/precheck"
	"github.com/lyndonlyu/upkeep/internal/progress"
	"github.com/lyndonlyu/upkeep/internal/statedb"
)

// Status is the operator view of the installation.
type Status struct {
	CurrentVersion    string           `json:"current_version"`
	LatestVersion     string           `json:"latest_version,omitempty"`
	UpdateAvailable   bool             `json:"update_available"`
	PendingMigrations []string         `json:"pending_migrations"`
	InProgress        bool             `json:"in_progress"`
	Progress          *progress.Report `json:"progress,omitempty"`
	LastCheck         string           `json:"last_check,omitempty"`
	ManifestError     string           `json:"manifest_error,omitempty"`
}

// VersionInfo describes the installed version and the host it runs on.
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
}

// Status reports the installed version, the latest known release, pending
// migrations and live progress. An unreachable manifest falls back to the
// last recorded latest version.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	current, err := o.cfg.Releases.CurrentVersion()
	if err != nil {
		return nil, fmt.Errorf("update: read current version: %w", err)
	}
	st := &Status{
		CurrentVersion:    current,
		PendingMigrations: []string{},
		InProgress:        o.InProgress(),
	}

	av, err := o.cfg.Releases.IsUpdateAvailable(ctx)
	if err != nil {
		st.ManifestError = err.Error()
		if entry, stateErr := o.cfg.Store.GetState(statedb.KeyLatestVersion); stateErr == nil {
			st.LatestVersion = entry.Value
			st.UpdateAvailable = manifest.CompareVersions(current, entry.Value) < 0
		}
	} else {
		st.LatestVersion = av.LatestVersion
		st.UpdateAvailable = av.Available
	}
	if entry, err := o.cfg.Store.GetState(statedb.KeyLastCheck); err == nil {
		st.LastCheck = entry.Value
	}

	if o.cfg.Migrator != nil {
		pending, err := o.cfg.Migrator.Pending(ctx)
		if err != nil {
			log.Warnf("cannot list pending migrations: %v", err)
		} else {
			st.PendingMigrations = pending
		}
	}
	if report, err := o.cfg.Progress.Current(); err == nil {
		st.Progress = &report
	}
	return st, nil
}

// Check refreshes the manifest regardless of the cache and returns
// availability together with every newer release. The outcome is recorded so
// Status can answer while the manifest is unreachable.
func (o *Orchestrator) Check(ctx context.Context) (*manifest.Availability, error) {
	if _, err := o.cfg.Releases.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("update: refresh manifest: %w", err)
	}
	av, err := o.cfg.Releases.IsUpdateAvailable(ctx)
	if err != nil {
		return nil, err
	}
	releases, err := o.cfg.Releases.AvailableUpdates(ctx)
	if err != nil {
		return nil, err
	}
	av.Releases = releases

	if err := o.cfg.Store.SetState(statedb.KeyLastCheck, time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Warnf("failed to record last check: %v", err)
	}
	if av.LatestVersion != "" {
		if err := o.cfg.Store.SetState(statedb.KeyLatestVersion, av.LatestVersion); err != nil {
			log.Warnf("failed to record latest version: %v", err)
		}
	}
	return av, nil
}

// Available returns every release newer than the installed version, newest
// first.
func (o *Orchestrator) Available(ctx context.Context) ([]manifest.Release, error) {
	return o.cfg.Releases.AvailableUpdates(ctx)
}

// History returns the most recent attempts, newest first. A limit of zero
// returns all of them.
func (o *Orchestrator) History(limit int) ([]*attempt.Attempt, error) {
	return o.cfg.Store.ListAttempts(limit)
}

// Attempt loads one attempt by id.
func (o *Orchestrator) Attempt(id string) (*attempt.Attempt, error) {
	a, err := o.cfg.Store.GetAttempt(id)
	if errors.Is(err, statedb.ErrNotFound) {
		return nil, fmt.Errorf("%w: attempt %s", ErrNotFound, id)
	}
	return a, err
}

// Compatibility runs the compatibility checks for version without changing
// anything.
func (o *Orchestrator) Compatibility(ctx context.Context, version string) (*precheck.Report, error) {
	rel, err := o.cfg.Releases.Find(ctx, version)
	if err != nil {
		if errors.Is(err, manifest.ErrVersionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, version)
		}
		return nil, fmt.Errorf("update: fetch manifest: %w", err)
	}
	if o.cfg.Compat == nil {
		return &precheck.Report{Version: rel.Version, Compatible: true, Issues: []string{}, Warnings: []string{}}, nil
	}
	return o.cfg.Compat.CheckCompatibility(ctx, rel), nil
}

// Version returns the installed version and runtime platform details.
func (o *Orchestrator) Version() (*VersionInfo, error) {
	current, err := o.cfg.Releases.CurrentVersion()
	if err != nil {
		return nil, fmt.Errorf("update: read current version: %w", err)
	}
	return &VersionInfo{
		Version:   current,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}, nil
}
