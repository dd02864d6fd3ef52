package logging

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Init("loud", "console"))
}

func TestInitWritesToFile(t *testing.T) {
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	path := filepath.Join(t.TempDir(), "logs", "upkeep.log")

	require.NoError(t, Init("debug", path))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	ForAttempt("a-1", "1.1.0").Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "attempt=a-1")
	assert.Contains(t, string(data), "version=1.1.0")
}
