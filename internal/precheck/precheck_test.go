package precheck

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/upkeep/internal/executor"
	"github.com/lyndonlyu/upkeep/internal/manifest"
)

func stubFreeSpace(t *testing.T, free uint64, err error) {
	t.Helper()
	orig := freeSpace
	freeSpace = func(string) (uint64, error) { return free, err }
	t.Cleanup(func() { freeSpace = orig })
}

func runtimeReporting(version string) executor.Func {
	return func(context.Context, executor.Command) (executor.Result, error) {
		return executor.Result{Stdout: version + "\n"}, nil
	}
}

func newChecker(t *testing.T, run executor.Runner) *Checker {
	t.Helper()
	return NewChecker(Options{
		AppDir:        t.TempDir(),
		StagingDir:    filepath.Join(t.TempDir(), "staging"),
		MinFreeDiskMB: 100,
		Exec:          run,
		RuntimeCmd:    executor.Command{Name: "node", Args: []string{"--version"}},
	})
}

func TestCheckCompatibilityPasses(t *testing.T) {
	stubFreeSpace(t, 10<<30, nil)
	c := newChecker(t, runtimeReporting("v20.11.1"))

	report := c.CheckCompatibility(context.Background(), &manifest.Release{
		Version:           "1.1.0",
		MinRuntimeVersion: "18.0.0",
		FileSize:          1 << 20,
	})
	assert.True(t, report.Compatible)
	assert.Empty(t, report.Issues)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, "1.1.0", report.Version)
	assert.Len(t, report.Results, 3)
}

func TestCheckCompatibilityOldRuntime(t *testing.T) {
	stubFreeSpace(t, 10<<30, nil)
	c := newChecker(t, runtimeReporting("v16.20.0"))

	report := c.CheckCompatibility(context.Background(), &manifest.Release{Version: "2.0.0", MinRuntimeVersion: "18"})
	assert.False(t, report.Compatible)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "16.20.0 is older than required 18")
}

func TestCheckCompatibilityRuntimeCommandFails(t *testing.T) {
	stubFreeSpace(t, 10<<30, nil)
	run := executor.Func(func(context.Context, executor.Command) (executor.Result, error) {
		return executor.Result{}, errors.New("node: not found")
	})
	report := newChecker(t, run).CheckCompatibility(context.Background(),
		&manifest.Release{Version: "2.0.0", MinRuntimeVersion: "18"})
	assert.False(t, report.Compatible)
	assert.Contains(t, report.Issues[0], "cannot determine runtime version")
}

func TestCheckCompatibilityDiskSpace(t *testing.T) {
	stubFreeSpace(t, 150<<20, nil)
	c := newChecker(t, runtimeReporting("v20.0.0"))

	report := c.CheckCompatibility(context.Background(), &manifest.Release{Version: "1.1.0", FileSize: 10 << 20})
	assert.True(t, report.Compatible, "150MB free covers the 100MB floor")

	report = c.CheckCompatibility(context.Background(), &manifest.Release{Version: "1.1.0", FileSize: 60 << 20})
	assert.False(t, report.Compatible, "three times a 60MB artifact exceeds 150MB")
	assert.Contains(t, report.Issues[0], "insufficient disk space")
}

func TestCheckCompatibilityWarnings(t *testing.T) {
	stubFreeSpace(t, 10<<30, nil)
	c := newChecker(t, runtimeReporting("v20.0.0"))

	report := c.CheckCompatibility(context.Background(), &manifest.Release{
		Version:             "3.0.0-rc.1",
		BreakingChanges:     true,
		RequiresManualSteps: true,
		Prerelease:          true,
	})
	assert.True(t, report.Compatible, "warnings never block")
	assert.Len(t, report.Warnings, 3)
	assert.Contains(t, report.Warnings[0], "breaking changes")
}

func TestWritableCheck(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "staging")
	result := WritableCheck{Dir: dir}.Run(context.Background())
	assert.True(t, result.Passed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is removed")

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	result = WritableCheck{Dir: filepath.Join(file, "sub")}.Run(context.Background())
	assert.False(t, result.Passed)
	assert.True(t, result.Blocking)
}

func TestDiskCheckStatError(t *testing.T) {
	stubFreeSpace(t, 0, errors.New("no such file"))
	result := DiskCheck{Dir: "/nope", MinBytes: 1}.Run(context.Background())
	assert.False(t, result.Passed)
	assert.Contains(t, result.Message, "cannot stat")
}

func TestFreeSpaceOnTempDir(t *testing.T) {
	free, err := freeSpace(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func TestRunnerChecks(t *testing.T) {
	r := NewRunner()
	r.Add(notice("a", "first"))
	r.Add(CustomCheck{CheckName: "b", Fn: func(context.Context) CheckResult {
		return CheckResult{Name: "b", Passed: true, Message: "OK"}
	}})
	assert.Equal(t, []string{"a", "b"}, r.Checks())

	report := r.Run(context.Background())
	assert.True(t, report.Compatible)
	assert.Equal(t, []string{"first"}, report.Warnings)
}

func TestFormatReport(t *testing.T) {
	report := &Report{
		Version:    "1.1.0",
		Compatible: false,
		Issues:     []string{"runtime too old"},
		Warnings:   []string{"breaking"},
		Results: []CheckResult{
			{Name: "runtime", Blocking: true, Message: "runtime too old"},
			{Name: "breaking-changes", Message: "breaking"},
			{Name: "disk", Passed: true, Blocking: true, Message: "OK"},
		},
		Duration: "1ms",
	}
	out := FormatReport(report)
	assert.Contains(t, out, "[FAIL] runtime")
	assert.Contains(t, out, "[WARN] breaking-changes")
	assert.Contains(t, out, "[PASS] disk")
	assert.Contains(t, out, "Result: INCOMPATIBLE (1 issues, 1 warnings, 1ms)")

	js, err := FormatReportJSON(report)
	require.NoError(t, err)
	assert.Contains(t, js, `"compatible": false`)
}
