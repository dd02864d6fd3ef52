package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracker(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Current()
	assert.ErrorIs(t, err, ErrNotTracking)
	assert.ErrorIs(t, tr.Update(10, "x"), ErrNotTracking)
}

func TestTrackerStart(t *testing.T) {
	tr := NewTracker()
	tr.Start("apply", "PENDING")

	report, err := tr.Current()
	require.NoError(t, err)
	assert.Equal(t, "apply", report.Operation)
	assert.Equal(t, "PENDING", report.Stage)
	assert.Equal(t, 0, report.Percent)
	assert.Equal(t, StatusRunning, report.Status)
	assert.False(t, report.StartedAt.IsZero())
	assert.False(t, report.UpdatedAt.IsZero())

	require.NoError(t, tr.SetAttempt("a-1"))
	report, _ = tr.Current()
	assert.Equal(t, "a-1", report.AttemptID)
}

func TestTrackerStageAndUpdate(t *testing.T) {
	tr := NewTracker()
	tr.Start("apply", "PENDING")

	t.Run("stage change", func(t *testing.T) {
		require.NoError(t, tr.Stage("DOWNLOADING", 5, "downloading 1.1.0"))
		report, err := tr.Current()
		require.NoError(t, err)
		assert.Equal(t, "DOWNLOADING", report.Stage)
		assert.Equal(t, 5, report.Percent)
		assert.Equal(t, "downloading 1.1.0", report.Message)
	})

	t.Run("update keeps message when empty", func(t *testing.T) {
		require.NoError(t, tr.Update(40, ""))
		report, _ := tr.Current()
		assert.Equal(t, 40, report.Percent)
		assert.Equal(t, "downloading 1.1.0", report.Message)
	})

	t.Run("clamp above 100", func(t *testing.T) {
		require.NoError(t, tr.Update(150, "over"))
		report, _ := tr.Current()
		assert.Equal(t, 100, report.Percent)
	})

	t.Run("clamp below 0", func(t *testing.T) {
		require.NoError(t, tr.Stage("APPLYING", -5, "under"))
		report, _ := tr.Current()
		assert.Equal(t, 0, report.Percent)
	})
}

func TestTrackerCompleteAndFail(t *testing.T) {
	tr := NewTracker()
	tr.Start("apply", "VERIFYING")
	require.NoError(t, tr.Complete("done"))

	report, _ := tr.Current()
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 100, report.Percent)

	tr.Start("rollback", "ROLLING_BACK")
	require.NoError(t, tr.Stage("ROLLING_BACK", 30, "restoring files"))
	require.NoError(t, tr.Fail("restore failed"))

	report, _ = tr.Current()
	assert.Equal(t, "rollback", report.Operation)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, 30, report.Percent)
	assert.Equal(t, "restore failed", report.Message)
}

func TestFormatReport(t *testing.T) {
	tr := NewTracker()
	tr.Start("apply", "MIGRATING")
	require.NoError(t, tr.SetAttempt("a-9"))
	require.NoError(t, tr.Update(50, "running migrations"))
	report, _ := tr.Current()

	out := FormatReport(report)
	assert.Contains(t, out, "Attempt:   a-9")
	assert.Contains(t, out, "Stage:     MIGRATING")
	assert.Contains(t, out, "Percent:   50%")

	assert.Equal(t, "[#####.....]  50% MIGRATING", FormatBar(report, 10))
}
