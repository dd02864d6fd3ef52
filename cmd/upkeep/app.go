package main

import (
	"context"
	"fmt"

	"github.com/lyndonlyu/upkeep/internal/audit"
	"github.com/lyndonlyu/upkeep/internal/backup"
	"github.com/lyndonlyu/upkeep/internal/config"
	"github.com/lyndonlyu/upkeep/internal/downloader"
	"github.com/lyndonlyu/upkeep/internal/executor"
	"github.com/lyndonlyu/upkeep/internal/filelock"
	"github.com/lyndonlyu/upkeep/internal/health"
	"github.com/lyndonlyu/upkeep/internal/manifest"
	"github.com/lyndonlyu/upkeep/internal/migration"
	"github.com/lyndonlyu/upkeep/internal/precheck"
	"github.com/lyndonlyu/upkeep/internal/progress"
	"github.com/lyndonlyu/upkeep/internal/redact"
	"github.com/lyndonlyu/upkeep/internal/retry"
	"github.com/lyndonlyu/upkeep/internal/rollback"
	"github.com/lyndonlyu/upkeep/internal/snapshot"
	"github.com/lyndonlyu/upkeep/internal/statedb"
	"github.com/lyndonlyu/upkeep/internal/update"
)

// app holds every component wired from one config file.
type app struct {
	cfg       *config.Config
	store     *statedb.DB
	releases  *manifest.Client
	points    *snapshot.Manager
	backups   *backup.Service
	audit     *audit.Logger
	redactor  *redact.Redactor
	progress  *progress.Tracker
	guard     *filelock.Guard
	exec      executor.Runner
	updates   *update.Orchestrator
	rollbacks *rollback.Executor
}

func openApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to create state directories: %w", err)
	}

	store, err := statedb.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	redactor := redact.New(cfg.Redact)
	auditLog, err := audit.NewLogger(cfg.AuditDir())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("audit error: %w", err)
	}
	auditLog.SetRedactor(redactor)

	run := executor.New()
	releases := manifest.NewClient(manifest.Options{
		URL:                cfg.Manifest.URL,
		VersionFile:        cfg.VersionFilePath(),
		CacheTTL:           cfg.CacheTTL(),
		IncludePrereleases: cfg.Manifest.IncludePrereleases,
	})
	points := snapshot.New(cfg.RollbackDir(), cfg.App.Dir, cfg.App.SnapshotFiles)
	backups := backup.New(backup.Options{
		Dir:       cfg.BackupDir(),
		AppDir:    cfg.App.Dir,
		DataFiles: cfg.App.DataFiles,
		AssetDirs: cfg.App.AssetDirs,
		Version:   releases.CurrentVersion,
	})
	guard := filelock.NewGuard(cfg.LockPath())
	tracker := progress.NewTracker()
	install := command(cfg.Commands.Install)
	build := command(cfg.Commands.Build)
	compat := precheck.NewChecker(precheck.Options{
		AppDir:        cfg.App.Dir,
		StagingDir:    cfg.StagingDir(),
		MinFreeDiskMB: cfg.Compat.MinFreeDiskMB,
		Exec:          run,
		RuntimeCmd:    command(cfg.Commands.RuntimeVersion),
	})
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Manifest.DownloadAttempts
	fetcher := downloader.New(nil).WithRetry(policy)
	migrator := migration.NewRunner(run,
		command(cfg.Commands.Migrate),
		command(cfg.Commands.MigrateStatus),
		command(cfg.Commands.Validate))

	a := &app{
		cfg:      cfg,
		store:    store,
		releases: releases,
		points:   points,
		backups:  backups,
		audit:    auditLog,
		redactor: redactor,
		progress: tracker,
		guard:    guard,
		exec:     run,
	}
	a.updates = update.New(update.Config{
		AppDir:     cfg.App.Dir,
		StagingDir: cfg.StagingDir(),
		Excluded:   cfg.App.ExcludedDirs,
		Install:    install,
		Build:      build,
		Store:      store,
		Releases:   releases,
		Fetcher:    fetcher,
		Compat:     compat,
		Points:     points,
		Backups:    backups,
		Migrator:   migrator,
		Exec:       run,
		Guard:      guard,
		Progress:   tracker,
		Audit:      auditLog,
		Redactor:   redactor,
	})
	a.rollbacks = rollback.New(rollback.Config{
		AppDir:     cfg.App.Dir,
		StagingDir: cfg.StagingDir(),
		Excluded:   cfg.App.ExcludedDirs,
		Install:    install,
		Build:      build,
		Store:      store,
		Releases:   releases,
		Points:     points,
		Backups:    backups,
		Exec:       run,
		Guard:      guard,
		Progress:   tracker,
		Audit:      auditLog,
		Redactor:   redactor,
	})
	return a, nil
}

// health evaluates the updater's own dependencies.
func (a *app) health(ctx context.Context) *health.Report {
	return health.Evaluate(ctx, health.Sources{
		Store:         a.store,
		Audit:         a.audit,
		Releases:      a.releases,
		LockPath:      a.cfg.LockPath(),
		StagingDir:    a.cfg.StagingDir(),
		BackupDir:     a.cfg.BackupDir(),
		MinFreeDiskMB: a.cfg.Compat.MinFreeDiskMB,
		Exec:          a.exec,
		Runtime:       command(a.cfg.Commands.RuntimeVersion),
	})
}

func (a *app) Close() error {
	return a.store.Close()
}

func command(c config.CommandConfig) executor.Command {
	return executor.Command{
		Name:    c.Command,
		Args:    c.Args,
		Timeout: c.TimeoutDuration(),
	}
}
