package gc

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/upkeep/internal/attempt"
	"github.com/lyndonlyu/upkeep/internal/snapshot"
)

type fakeBackups struct {
	list    []snapshot.Backup
	deleted []string
}

func (f *fakeBackups) List() ([]snapshot.Backup, error) { return f.list, nil }

func (f *fakeBackups) Delete(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func writeStaged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(path, []byte("artifact"), 0644))
	ts := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, ts, ts))
	return path
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 30, p.MaxAgeDays)
	assert.Equal(t, 5, p.KeepRollbackPoints)
	assert.Equal(t, 5, p.KeepBackups)
	assert.False(t, p.DryRun)
}

func TestStagingCleanupByAge(t *testing.T) {
	dir := t.TempDir()
	old := writeStaged(t, dir, "1.0.0-aaaa.tar.gz", 40*24*time.Hour)
	fresh := writeStaged(t, dir, "1.1.0-bbbb.tar.gz", time.Hour)
	pinned := writeStaged(t, dir, "1.2.0-cccc.tar.gz", 40*24*time.Hour)

	result, err := Run(Target{StagingDir: dir}, DefaultPolicy(), Protected{Artifacts: []string{pinned}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.StagedRemoved)
	assert.Equal(t, int64(len("artifact")), result.BytesFreed)
	assert.Equal(t, []string{old}, result.Removed)

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, pinned, "artifacts of DOWNLOADED attempts are kept")
}

func TestRollbackPointRetention(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "app")
	require.NoError(t, os.MkdirAll(appDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "VERSION"), []byte("x"), 0644))
	points := snapshot.New(filepath.Join(root, "rollback"), appDir, []string{"VERSION"})

	for i := 0; i < 4; i++ {
		_, err := points.CreateFileRollbackPoint(fmt.Sprintf("1.%d.0", i))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	policy := DefaultPolicy()
	policy.KeepRollbackPoints = 1
	result, err := Run(Target{StagingDir: filepath.Join(root, "staging"), Points: points}, policy,
		Protected{CurrentVersion: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.RollbackPointsRemoved)

	assert.True(t, points.Exists("1.3.0"), "newest point is kept")
	assert.True(t, points.Exists("1.0.0"), "current version's point is never removed")
	assert.False(t, points.Exists("1.2.0"))
	assert.False(t, points.Exists("1.1.0"))
}

func TestBackupRetention(t *testing.T) {
	store := &fakeBackups{list: []snapshot.Backup{
		{ID: "b4", Size: 10}, {ID: "b3", Size: 10}, {ID: "b2", Size: 10}, {ID: "b1", Size: 10},
	}}
	policy := DefaultPolicy()
	policy.KeepBackups = 2

	result, err := Run(Target{StagingDir: t.TempDir(), Backups: store}, policy, Protected{Backups: []string{"b1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.BackupsRemoved)
	assert.Equal(t, []string{"b2"}, store.deleted, "b1 is protected; b4 and b3 are the newest two")
	assert.Equal(t, int64(10), result.BytesFreed)
}

func TestDryRun(t *testing.T) {
	dir := t.TempDir()
	old := writeStaged(t, dir, "1.0.0-aaaa.tar.gz", 40*24*time.Hour)
	store := &fakeBackups{list: []snapshot.Backup{{ID: "b2"}, {ID: "b1"}}}

	policy := DefaultPolicy()
	policy.KeepBackups = 1
	policy.DryRun = true
	result, err := Run(Target{StagingDir: dir, Backups: store}, policy, Protected{})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.StagedRemoved)
	assert.Equal(t, 1, result.BackupsRemoved)
	assert.FileExists(t, old)
	assert.Empty(t, store.deleted)
}

func TestMissingStagingDir(t *testing.T) {
	result, err := Run(Target{StagingDir: "/nonexistent/path"}, DefaultPolicy(), Protected{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.StagedRemoved)
}

func TestProtectFor(t *testing.T) {
	staging := "/state/staging"
	downloaded := &attempt.Attempt{ID: "aaaaaaaa-1", Status: attempt.StatusDownloaded, FilePath: "/state/staging/1.2.0-aaaaaaaa.tar.gz"}
	failed := &attempt.Attempt{ID: "bbbbbbbb-2", Status: attempt.StatusFailed, BackupID: "b2"}
	rolledBack := &attempt.Attempt{ID: "cccccccc-3", Status: attempt.StatusRolledBack, BackupID: "b3", RolledBack: true}
	newest := &attempt.Attempt{ID: "dddddddd-4", Status: attempt.StatusCompleted, BackupID: "b4"}
	older := &attempt.Attempt{ID: "eeeeeeee-5", Status: attempt.StatusCompleted, BackupID: "b5"}

	keep := ProtectFor([]*attempt.Attempt{downloaded, failed, rolledBack, newest, older}, staging, "1.1.0")
	assert.Equal(t, "1.1.0", keep.CurrentVersion)
	assert.ElementsMatch(t, []string{downloaded.FilePath, "/state/staging/previous-bbbbbbbb"}, keep.Artifacts)
	assert.ElementsMatch(t, []string{"b2", "b4"}, keep.Backups)
}
