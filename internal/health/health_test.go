package health

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/upkeep/internal/executor"
	"github.com/lyndonlyu/upkeep/internal/filelock"
	"github.com/lyndonlyu/upkeep/internal/update/updatetest"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{GREEN, "GREEN"},
		{YELLOW, "YELLOW"},
		{RED, "RED"},
		{CRITICAL, "CRITICAL"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, tc.level.String(), "Level %d should stringify correctly", tc.level)
	}
	assert.True(t, YELLOW.Serving())
	assert.False(t, RED.Serving())
}

func TestDetermineAllHealthy(t *testing.T) {
	components := []ComponentStatus{
		{Name: "audit_chain", Category: Critical, Healthy: true},
		{Name: "manifest", Category: Important, Healthy: true},
		{Name: "runtime", Category: Optional, Healthy: true},
	}
	assert.Equal(t, GREEN, Determine(components))
}

func TestDetermineOneImportantFailed(t *testing.T) {
	components := []ComponentStatus{
		{Name: "audit_chain", Category: Critical, Healthy: true},
		{Name: "manifest", Category: Important, Healthy: false},
	}
	assert.Equal(t, YELLOW, Determine(components))
}

func TestDetermineTwoImportantFailed(t *testing.T) {
	components := []ComponentStatus{
		{Name: "audit_chain", Category: Critical, Healthy: true},
		{Name: "manifest", Category: Important, Healthy: false},
		{Name: "disk_space", Category: Important, Healthy: false},
	}
	assert.Equal(t, RED, Determine(components))
}

func TestDetermineCriticalFailures(t *testing.T) {
	one := []ComponentStatus{
		{Name: "audit_chain", Category: Critical, Healthy: false},
		{Name: "manifest", Category: Important, Healthy: false},
	}
	// 1 critical + 1 important is RED, not CRITICAL
	assert.Equal(t, RED, Determine(one))

	two := []ComponentStatus{
		{Name: "audit_chain", Category: Critical, Healthy: false},
		{Name: "state_db", Category: Critical, Healthy: false},
	}
	assert.Equal(t, CRITICAL, Determine(two))
}

func TestDetermineOptionalIgnored(t *testing.T) {
	components := []ComponentStatus{
		{Name: "runtime", Category: Optional, Healthy: false},
		{Name: "other", Category: Optional, Healthy: false},
	}
	assert.Equal(t, GREEN, Determine(components))
}

func TestReportJSON(t *testing.T) {
	report := NewReport([]ComponentStatus{{Name: "state_db", Category: Critical, Healthy: false, Detail: "locked"}})
	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":"RED","components":[{"name":"state_db","category":"critical","healthy":false,"detail":"locked"}]}`, string(data))
}

func TestCheckStateDB(t *testing.T) {
	env := updatetest.New(t)

	cs := CheckStateDB(env.Store)
	assert.True(t, cs.Healthy, cs.Detail)
	assert.Equal(t, "state_db", cs.Name)
	assert.Contains(t, cs.Detail, "Schema v")
}

func TestCheckAuditChain(t *testing.T) {
	env := updatetest.New(t)

	cs := CheckAuditChain(env.Audit)
	assert.True(t, cs.Healthy)
	assert.Equal(t, "Hash chain intact", cs.Detail)

	require.NoError(t, os.WriteFile(filepath.Join(env.Audit.Dir(), "2025-01-01.jsonl"), []byte("not-valid-json\n"), 0644))
	cs = CheckAuditChain(env.Audit)
	assert.False(t, cs.Healthy)
	assert.Equal(t, "Hash chain broken at record 0", cs.Detail)
}

func TestCheckManifest(t *testing.T) {
	env := updatetest.New(t)

	cs := CheckManifest(context.Background(), env.Releases)
	assert.True(t, cs.Healthy, cs.Detail)
	assert.Contains(t, cs.Detail, "releases published")

	marker := CheckVersionMarker(env.Releases)
	assert.True(t, marker.Healthy)
	assert.Equal(t, "Installed "+updatetest.FromVersion, marker.Detail)
}

func TestCheckLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upkeep.lock")

	cs := CheckLock(path)
	assert.True(t, cs.Healthy)
	assert.Equal(t, "Free", cs.Detail)

	lock, err := filelock.Acquire(path, "apply")
	require.NoError(t, err)
	defer lock.Release()

	cs = CheckLock(path)
	assert.True(t, cs.Healthy, cs.Detail)
	assert.Contains(t, cs.Detail, "(apply)")
}

func TestCheckLockStaleRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upkeep.lock")
	require.NoError(t, os.WriteFile(path+".meta", []byte(`{"pid":999999999,"purpose":"apply"}`), 0644))

	cs := CheckLock(path)
	assert.True(t, cs.Healthy)
	assert.Equal(t, "Free, stale holder record from pid 999999999", cs.Detail)
}

func TestCheckDirWritable(t *testing.T) {
	dir := t.TempDir()

	cs := CheckDirWritable(dir, "staging_dir", Important)
	assert.True(t, cs.Healthy)
	assert.Equal(t, "Writable", cs.Detail)

	cs = CheckDirWritable(filepath.Join(dir, "missing"), "backup_dir", Important)
	assert.False(t, cs.Healthy)
	assert.Equal(t, "Missing", cs.Detail)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	cs = CheckDirWritable(file, "backup_dir", Important)
	assert.False(t, cs.Healthy)
	assert.Equal(t, "Not a directory", cs.Detail)
}

func TestCheckRuntime(t *testing.T) {
	env := updatetest.New(t)
	node := executor.Command{Name: "node", Args: []string{"--version"}}
	env.Exec.On(node, updatetest.Response{Result: executor.Result{Stdout: "v20.11.0\n"}})

	cs := CheckRuntime(context.Background(), env.Exec, node)
	assert.True(t, cs.Healthy)
	assert.Equal(t, "v20.11.0", cs.Detail)

	env.Exec.On(node, updatetest.Response{Err: errors.New("executable file not found")})
	cs = CheckRuntime(context.Background(), env.Exec, node)
	assert.False(t, cs.Healthy)
	assert.Equal(t, Optional, cs.Category)
}

func TestEvaluateAllHealthy(t *testing.T) {
	env := updatetest.New(t)
	require.NoError(t, os.MkdirAll(env.StagingDir(), 0755))

	report := Evaluate(context.Background(), Sources{
		Store:         env.Store,
		Audit:         env.Audit,
		Releases:      env.Releases,
		LockPath:      filepath.Join(env.StateDir, "upkeep.lock"),
		StagingDir:    env.StagingDir(),
		MinFreeDiskMB: 1,
	})
	assert.Equal(t, GREEN, report.Level, "components: %+v", report.Components)

	var names []string
	for _, c := range report.Components {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"state_db", "audit_chain", "version_marker", "manifest", "pipeline_lock", "staging_dir", "disk_space"}, names)
}

func TestEvaluateWithUnreachableManifest(t *testing.T) {
	env := updatetest.New(t)
	env.Server.Close()

	report := Evaluate(context.Background(), Sources{
		Store:     env.Store,
		Releases:  env.Releases,
		BackupDir: filepath.Join(env.StateDir, "missing"),
	})
	assert.Equal(t, RED, report.Level, "components: %+v", report.Components)
}
