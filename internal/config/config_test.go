package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "VERSION", cfg.App.VersionFile)
	assert.Contains(t, cfg.App.ExcludedDirs, "node_modules")
	assert.Contains(t, cfg.App.ExcludedDirs, "uploads")
	assert.Contains(t, cfg.App.ExcludedDirs, ".env")
	assert.Equal(t, 3600, cfg.Manifest.CacheTTL)
	assert.Equal(t, 1, cfg.Manifest.DownloadAttempts)
	assert.Equal(t, time.Hour, cfg.CacheTTL())
	assert.Equal(t, "npm", cfg.Commands.Install.Command)
	assert.Equal(t, 300, cfg.Commands.Migrate.Timeout)
	assert.Equal(t, int64(500), cfg.Compat.MinFreeDiskMB)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := []byte(`app:
  dir: /srv/app
manifest:
  url: https://example.com/releases.json
  cache_ttl: 60
commands:
  build:
    command: make
    args: [build]
`)
	require.NoError(t, os.WriteFile(configPath, content, 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/srv/app", cfg.App.Dir)
	assert.Equal(t, "https://example.com/releases.json", cfg.Manifest.URL)
	assert.Equal(t, time.Minute, cfg.CacheTTL())
	assert.Equal(t, "make", cfg.Commands.Build.Command)
	assert.Equal(t, []string{"build"}, cfg.Commands.Build.Args)
	// Defaults preserved for unset fields
	assert.Equal(t, 900, cfg.Commands.Build.Timeout)
	assert.Equal(t, "npm", cfg.Commands.Install.Command)
	assert.Equal(t, "VERSION", cfg.App.VersionFile)
	assert.Equal(t, "/srv/app/VERSION", cfg.VersionFilePath())
}

func TestLoadConfigFileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err, "missing config file should return defaults, not error")
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("app: [unclosed"), 0644))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestDefaultPathEnvOverride(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/upkeep.yaml")
	assert.Equal(t, "/etc/upkeep.yaml", DefaultPath())
}

func TestEnsureDirs(t *testing.T) {
	cfg := Default()
	cfg.BaseDir = t.TempDir()

	require.NoError(t, cfg.EnsureDirs())
	for _, d := range []string{cfg.StagingDir(), cfg.RollbackDir(), cfg.BackupDir(), cfg.AuditDir()} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestVersionFilePathAbsolute(t *testing.T) {
	cfg := Default()
	cfg.App.VersionFile = "/opt/app/package.json"
	assert.Equal(t, "/opt/app/package.json", cfg.VersionFilePath())
}

func TestLoadRedactSection(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := []byte(`redact:
  enabled: true
  redact_ips: private_only
  custom_patterns:
    - "acme_[a-z0-9]{16}"
`)
	require.NoError(t, os.WriteFile(configPath, content, 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.True(t, cfg.Redact.Enabled)
	assert.Equal(t, "private_only", cfg.Redact.RedactIPs)
	assert.Equal(t, []string{"acme_[a-z0-9]{16}"}, cfg.Redact.CustomPatterns)
	assert.Equal(t, "[REDACTED]", cfg.Redact.Placeholder)
}

func TestRedactDefaults(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Redact.Enabled)
	assert.Equal(t, "none", cfg.Redact.RedactIPs)
}
