// Package gc applies the retention policy to the state directory: stale
// staged downloads, old file rollback points and old backups.
package gc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/attempt"
	"github.com/lyndonlyu/upkeep/internal/snapshot"
	"github.com/lyndonlyu/upkeep/internal/update"
)

// Policy defines retention rules for garbage collection.
type Policy struct {
	MaxAgeDays         int  // delete staged downloads older than N days (default: 30)
	KeepRollbackPoints int  // keep at most N rollback points (default: 5)
	KeepBackups        int  // keep at most N backups (default: 5)
	DryRun             bool // report without deleting
}

// Result tracks what was cleaned up.
type Result struct {
	StagedRemoved         int      `json:"staged_removed"`
	RollbackPointsRemoved int      `json:"rollback_points_removed"`
	BackupsRemoved        int      `json:"backups_removed"`
	BytesFreed            int64    `json:"bytes_freed"`
	Removed               []string `json:"removed"`
	DryRun                bool     `json:"dry_run"`
}

// DefaultPolicy returns the default GC policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAgeDays:         30,
		KeepRollbackPoints: 5,
		KeepBackups:        5,
	}
}

// BackupStore is the part of the backup service retention needs.
type BackupStore interface {
	List() ([]snapshot.Backup, error)
	Delete(id string) error
}

// Protected lists what must survive regardless of age or count.
type Protected struct {
	// Paths of staged artifacts still referenced by a DOWNLOADED attempt.
	Artifacts []string
	// Backups still needed to roll back a failed attempt.
	Backups []string
	// CurrentVersion's rollback point is never removed.
	CurrentVersion string
}

// ProtectFor derives what must survive from the attempt history: artifacts
// of DOWNLOADED attempts, and the parked tree and backup of every attempt an
// operator may still roll back (FAILED, or the newest COMPLETED one).
func ProtectFor(attempts []*attempt.Attempt, stagingDir, currentVersion string) Protected {
	keep := Protected{CurrentVersion: currentVersion}
	newestCompleted := true
	for _, a := range attempts {
		switch a.Status {
		case attempt.StatusDownloaded:
			if a.FilePath != "" {
				keep.Artifacts = append(keep.Artifacts, a.FilePath)
			}
		case attempt.StatusFailed:
			keep.Artifacts = append(keep.Artifacts, update.PreviousDir(stagingDir, a.ID))
			if a.HasBackup() {
				keep.Backups = append(keep.Backups, a.BackupID)
			}
		case attempt.StatusCompleted:
			if newestCompleted && a.HasBackup() {
				keep.Backups = append(keep.Backups, a.BackupID)
			}
			newestCompleted = false
		}
	}
	return keep
}

// Target bundles the stores retention runs over.
type Target struct {
	StagingDir string
	Points     *snapshot.Manager
	Backups    BackupStore
}

// Run performs garbage collection.
func Run(target Target, policy Policy, keep Protected) (*Result, error) {
	result := &Result{DryRun: policy.DryRun, Removed: []string{}}

	if err := cleanStaging(target.StagingDir, policy, keep, result); err != nil {
		return result, fmt.Errorf("gc: staging cleanup: %w", err)
	}
	if target.Points != nil {
		if err := cleanRollbackPoints(target.Points, policy, keep, result); err != nil {
			return result, fmt.Errorf("gc: rollback point cleanup: %w", err)
		}
	}
	if target.Backups != nil {
		if err := cleanBackups(target.Backups, policy, keep, result); err != nil {
			return result, fmt.Errorf("gc: backup cleanup: %w", err)
		}
	}
	return result, nil
}

func cleanStaging(dir string, policy Policy, keep Protected, result *Result) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	protected := make(map[string]bool, len(keep.Artifacts))
	for _, p := range keep.Artifacts {
		protected[filepath.Clean(p)] = true
	}
	cutoff := time.Now().AddDate(0, 0, -policy.MaxAgeDays)

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if protected[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		size := info.Size()
		if info.IsDir() {
			size = dirSize(path)
		}
		if !policy.DryRun {
			if err := os.RemoveAll(path); err != nil {
				return err
			}
		}
		result.StagedRemoved++
		result.BytesFreed += size
		result.Removed = append(result.Removed, path)
	}
	return nil
}

func cleanRollbackPoints(points *snapshot.Manager, policy Policy, keep Protected, result *Result) error {
	list, err := points.List()
	if err != nil {
		return err
	}
	kept := 0
	for _, p := range list {
		if p.Version == keep.CurrentVersion {
			continue
		}
		if kept < policy.KeepRollbackPoints {
			kept++
			continue
		}
		size := dirSize(p.Dir)
		if !policy.DryRun {
			if err := points.Drop(p.Version); err != nil {
				return err
			}
		}
		result.RollbackPointsRemoved++
		result.BytesFreed += size
		result.Removed = append(result.Removed, p.Dir)
	}
	return nil
}

func cleanBackups(store BackupStore, policy Policy, keep Protected, result *Result) error {
	list, err := store.List()
	if err != nil {
		return err
	}
	protected := make(map[string]bool, len(keep.Backups))
	for _, id := range keep.Backups {
		protected[id] = true
	}

	kept := 0
	for _, b := range list {
		if protected[b.ID] {
			continue
		}
		if kept < policy.KeepBackups {
			kept++
			continue
		}
		if !policy.DryRun {
			if err := store.Delete(b.ID); err != nil {
				return err
			}
		}
		log.WithField("backup", b.ID).Debug("gc: backup removed")
		result.BackupsRemoved++
		result.BytesFreed += b.Size
		result.Removed = append(result.Removed, b.Path)
	}
	return nil
}

func dirSize(path string) int64 {
	var size int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}
