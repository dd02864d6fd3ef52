package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupApp(t *testing.T) (appDir, pointsDir string) {
	t.Helper()
	root := t.TempDir()
	appDir = filepath.Join(root, "app")
	pointsDir = filepath.Join(root, "rollback")

	files := map[string]string{
		"package.json":         `{"version":"1.0.0"}`,
		"package-lock.json":    `{"lockfileVersion":3}`,
		"prisma/schema.prisma": "model User {}",
	}
	for rel, content := range files {
		path := filepath.Join(appDir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return appDir, pointsDir
}

func newManager(appDir, pointsDir string) *Manager {
	return New(pointsDir, appDir, []string{"package.json", "package-lock.json", "prisma/schema.prisma", "VERSION"})
}

func TestCreateFileRollbackPoint(t *testing.T) {
	appDir, pointsDir := setupApp(t)
	m := newManager(appDir, pointsDir)

	point, err := m.CreateFileRollbackPoint("1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", point.Version)
	assert.ElementsMatch(t, []string{"package.json", "package-lock.json", "prisma/schema.prisma"}, point.Files,
		"missing VERSION is skipped")
	assert.True(t, m.Exists("1.0.0"))

	data, err := os.ReadFile(filepath.Join(pointsDir, "1.0.0", "prisma", "schema.prisma"))
	require.NoError(t, err)
	assert.Equal(t, "model User {}", string(data))
}

func TestCreateFileRollbackPointIsIdempotent(t *testing.T) {
	appDir, pointsDir := setupApp(t)
	m := newManager(appDir, pointsDir)

	first, err := m.CreateFileRollbackPoint("1.0.0")
	require.NoError(t, err)

	// Changing the live tree must not overwrite an existing point.
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "package.json"), []byte(`{"version":"1.1.0"}`), 0644))
	second, err := m.CreateFileRollbackPoint("1.0.0")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())

	data, err := os.ReadFile(filepath.Join(pointsDir, "1.0.0", "package.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"version":"1.0.0"}`, string(data))
}

func TestRestoreFileRollbackPoint(t *testing.T) {
	appDir, pointsDir := setupApp(t)
	m := newManager(appDir, pointsDir)

	_, err := m.CreateFileRollbackPoint("1.0.0")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(appDir, "package.json"), []byte(`{"version":"1.1.0"}`), 0644))
	require.NoError(t, os.Remove(filepath.Join(appDir, "prisma", "schema.prisma")))

	restored, err := m.RestoreFileRollbackPoint("1.0.0")
	require.NoError(t, err)
	assert.Len(t, restored, 3)

	data, err := os.ReadFile(filepath.Join(appDir, "package.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"version":"1.0.0"}`, string(data))
	data, err = os.ReadFile(filepath.Join(appDir, "prisma", "schema.prisma"))
	require.NoError(t, err)
	assert.Equal(t, "model User {}", string(data))
}

func TestRestoreMissingPoint(t *testing.T) {
	appDir, pointsDir := setupApp(t)
	m := newManager(appDir, pointsDir)

	_, err := m.RestoreFileRollbackPoint("0.9.0")
	assert.ErrorIs(t, err, ErrNoRollbackPoint)
}

func TestListAndDrop(t *testing.T) {
	appDir, pointsDir := setupApp(t)
	m := newManager(appDir, pointsDir)

	points, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, points)

	_, err = m.CreateFileRollbackPoint("1.0.0")
	require.NoError(t, err)
	_, err = m.CreateFileRollbackPoint("1.1.0")
	require.NoError(t, err)

	points, err = m.List()
	require.NoError(t, err)
	assert.Len(t, points, 2)

	require.NoError(t, m.Drop("1.0.0"))
	assert.False(t, m.Exists("1.0.0"))
	assert.ErrorIs(t, m.Drop("1.0.0"), ErrNoRollbackPoint)
}
