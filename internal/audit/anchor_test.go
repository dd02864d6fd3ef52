package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchorWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	a := Anchor{
		Date:        "2026-02-19",
		ChainHash:   "abc123",
		RecordCount: 5,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	err := WriteAnchor(dir, a)
	require.NoError(t, err)
	path := filepath.Join(dir, "anchors.jsonl")
	assert.FileExists(t, path)
	anchors, err := LoadAnchors(dir)
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, "2026-02-19", anchors[0].Date)
	assert.Equal(t, "abc123", anchors[0].ChainHash)
	assert.Equal(t, 5, anchors[0].RecordCount)
}

func TestAnchorUpdateSameDay(t *testing.T) {
	dir := t.TempDir()
	WriteAnchor(dir, Anchor{Date: "2026-02-19", ChainHash: "hash1", RecordCount: 3, CreatedAt: "t1"})
	WriteAnchor(dir, Anchor{Date: "2026-02-19", ChainHash: "hash2", RecordCount: 5, CreatedAt: "t2"})
	anchors, err := LoadAnchors(dir)
	require.NoError(t, err)
	require.Len(t, anchors, 1, "should replace, not append")
	assert.Equal(t, "hash2", anchors[0].ChainHash)
	assert.Equal(t, 5, anchors[0].RecordCount)
}

func TestAnchorMultipleDays(t *testing.T) {
	dir := t.TempDir()
	WriteAnchor(dir, Anchor{Date: "2026-02-18", ChainHash: "hash18", RecordCount: 2, CreatedAt: "t1"})
	WriteAnchor(dir, Anchor{Date: "2026-02-19", ChainHash: "hash19", RecordCount: 3, CreatedAt: "t2"})
	anchors, err := LoadAnchors(dir)
	require.NoError(t, err)
	require.Len(t, anchors, 2)
	assert.Equal(t, "2026-02-18", anchors[0].Date)
	assert.Equal(t, "2026-02-19", anchors[1].Date)
}

func TestLoadAnchorsEmpty(t *testing.T) {
	dir := t.TempDir()
	anchors, err := LoadAnchors(dir)
	require.NoError(t, err)
	assert.Empty(t, anchors)
}

func TestAnchorFilePermissions(t *testing.T) {
	dir := t.TempDir()
	WriteAnchor(dir, Anchor{Date: "2026-02-19", ChainHash: "hash", RecordCount: 1, CreatedAt: "t1"})
	path := filepath.Join(dir, "anchors.jsonl")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestMaybeCreateAnchorAndCheck(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	require.NoError(t, err)

	created, err := MaybeCreateAnchor(logger)
	require.NoError(t, err)
	assert.False(t, created, "no records, no anchor")

	require.NoError(t, logger.Log(Entry{Action: ActionApply, Outcome: OutcomeSuccess}))
	require.NoError(t, logger.Log(Entry{Action: ActionRollback, Outcome: OutcomeSuccess}))

	created, err = MaybeCreateAnchor(logger)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = MaybeCreateAnchor(logger)
	require.NoError(t, err)
	assert.False(t, created, "unchanged head is not re-anchored")

	broken, err := CheckAnchors(logger)
	require.NoError(t, err)
	assert.Empty(t, broken)

	// Dropping the newest record leaves an intact chain that no longer
	// reaches the anchor.
	path := filepath.Join(dir, time.Now().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines[0]), 0644))

	ok, _, err := logger.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
	broken, err = CheckAnchors(logger)
	require.NoError(t, err)
	assert.Equal(t, []string{time.Now().Format("2006-01-02")}, broken)
}
