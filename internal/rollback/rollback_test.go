package rollback_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/upkeep/internal/attempt"
	"github.com/lyndonlyu/upkeep/internal/audit"
	"github.com/lyndonlyu/upkeep/internal/executor"
	"github.com/lyndonlyu/upkeep/internal/rollback"
	"github.com/lyndonlyu/upkeep/internal/update"
	"github.com/lyndonlyu/upkeep/internal/update/updatetest"
)

func failedMigration(t *testing.T, env *updatetest.Env) *attempt.Attempt {
	t.Helper()
	env.Exec.On(updatetest.DeployCmd, updatetest.Response{
		Result: executor.Result{Stderr: "P3018 migration failed", ExitCode: 1},
		Err:    &executor.ExitError{Command: updatetest.DeployCmd.String(), ExitCode: 1},
	})
	res, err := env.Orchestrator().Apply(context.Background(), updatetest.ToVersion, "ops")
	require.Error(t, err)
	a, err := env.Store.GetAttempt(res.AttemptID)
	require.NoError(t, err)
	require.Equal(t, attempt.StatusFailed, a.Status)
	return a
}

func TestRollbackFailedAttempt(t *testing.T) {
	env := updatetest.New(t)
	failed := failedMigration(t, env)

	// Data written after the backup must be reverted.
	env.AddUser(t, "eve")
	require.Equal(t, 3, env.Users(t))
	require.Equal(t, "console.log('v2')", env.Read(t, "server.js"))

	res, err := env.Rollbacks().Rollback(context.Background(), failed.ID, rollback.Options{InitiatedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, rollback.QualityFull, res.Quality)
	assert.True(t, res.DataRestored)
	assert.ElementsMatch(t, []string{"package.json", "server.js", "prisma"}, res.TreeRestored)
	assert.Contains(t, res.FilesRestored, "VERSION")
	assert.Equal(t, updatetest.FromVersion, res.Version)

	assert.Equal(t, "console.log('v1')", env.Read(t, "server.js"))
	assert.Equal(t, "// schema v1", env.Read(t, "prisma/schema.prisma"))
	_, err = os.Stat(filepath.Join(env.AppDir, "lib"))
	assert.True(t, os.IsNotExist(err), "entries added by the update are removed")
	assert.Equal(t, 2, env.Users(t))
	assert.Equal(t, "png-a", env.Read(t, "uploads/a.png"))

	current, err := env.Releases.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, updatetest.FromVersion, current)

	got, err := env.Store.GetAttempt(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusRolledBack, got.Status)
	assert.True(t, got.RolledBack)
	require.NotNil(t, got.RollbackAt)
	assert.Contains(t, got.ErrorMessage, "migration: deploy", "the original failure is kept")

	calls := env.Exec.Calls()
	assert.Equal(t, []string{"npm ci", "npm run build"}, calls[len(calls)-2:])

	records, err := env.Audit.Recent(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.ActionRollback, records[0].Action)
	assert.Equal(t, audit.OutcomeSuccess, records[0].Outcome)
}

func TestRollbackCompletedAttempt(t *testing.T) {
	env := updatetest.New(t)
	res, err := env.Orchestrator().Apply(context.Background(), updatetest.ToVersion, "ops")
	require.NoError(t, err)

	out, err := env.Rollbacks().Rollback(context.Background(), res.AttemptID, rollback.Options{RestoreAssets: true, InitiatedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, rollback.QualityFull, out.Quality)
	assert.Empty(t, out.TreeRestored, "the parked tree is gone once an update completes")
	assert.ElementsMatch(t, []string{"package.json", "prisma/schema.prisma", "VERSION"}, out.FilesRestored)
	assert.Equal(t, `{"name":"app","version":"1.0.0"}`, env.Read(t, "package.json"))

	current, err := env.Releases.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, updatetest.FromVersion, current)
}

func TestRollbackRejectsUnknownAndInFlightAttempts(t *testing.T) {
	env := updatetest.New(t)
	ex := env.Rollbacks()

	_, err := ex.Rollback(context.Background(), "missing", rollback.Options{})
	assert.ErrorIs(t, err, update.ErrNotFound)

	a, err := env.Orchestrator().Download(context.Background(), updatetest.ToVersion, "ops")
	require.NoError(t, err)
	_, err = ex.Rollback(context.Background(), a.ID, rollback.Options{})
	assert.ErrorIs(t, err, rollback.ErrNotRollbackable)

	got, err := env.Store.GetAttempt(a.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusDownloaded, got.Status, "rejected rollbacks change nothing")
}

func TestRollbackConflictsWithRunningPipeline(t *testing.T) {
	env := updatetest.New(t)
	failed := failedMigration(t, env)

	require.NoError(t, update.Acquire(env.Guard, "apply 1.1.0"))
	_, err := env.Rollbacks().Rollback(context.Background(), failed.ID, rollback.Options{})
	update.Release(env.Guard)
	assert.ErrorIs(t, err, update.ErrConflict)

	got, err := env.Store.GetAttempt(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusFailed, got.Status)
}

func TestRollbackFailureIsRecorded(t *testing.T) {
	env := updatetest.New(t)
	failed := failedMigration(t, env)
	env.Exec.On(updatetest.InstallCmd, updatetest.Response{
		Result: executor.Result{Stderr: "npm ERR! network", ExitCode: 1},
		Err:    &executor.ExitError{Command: updatetest.InstallCmd.String(), ExitCode: 1},
	})

	_, err := env.Rollbacks().Rollback(context.Background(), failed.ID, rollback.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrNonZeroExit)

	got, err := env.Store.GetAttempt(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusFailed, got.Status, "status is unchanged by a failed rollback")
	assert.False(t, got.RolledBack)
	assert.Contains(t, got.ErrorMessage, "rollback failed: rollback: install")
	assert.Contains(t, got.ErrorStack, "--- rollback ---")
	assert.Contains(t, got.ErrorStack, "npm ERR! network")
	assert.False(t, env.Guard.Running())
}

func TestRollbackWithNothingToRestore(t *testing.T) {
	env := updatetest.New(t)
	a := attempt.New(updatetest.FromVersion, updatetest.ToVersion, "ops")
	require.NoError(t, a.Fail(assert.AnError, "stage: DOWNLOADING\n"))
	require.NoError(t, env.Store.CreateAttempt(a))

	_, err := env.Rollbacks().Rollback(context.Background(), a.ID, rollback.Options{})
	assert.ErrorIs(t, err, rollback.ErrNothingToRestore)
}

func TestGrade(t *testing.T) {
	assert.Equal(t, rollback.QualityFull, rollback.Grade(true, true))
	assert.Equal(t, rollback.QualityPartial, rollback.Grade(true, false))
	assert.Equal(t, rollback.QualityPartial, rollback.Grade(false, true))
	assert.Equal(t, rollback.QualityNone, rollback.Grade(false, false))
}
