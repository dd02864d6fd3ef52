package e2e_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/lyndonlyu/upkeep/internal/config"
	"github.com/lyndonlyu/upkeep/internal/update/updatetest"
)

// TestEnv is one installation managed by the compiled binary: the app tree
// and release server come from updatetest, the commands are shell one-liners.
type TestEnv struct {
	*updatetest.Env
	Home       string
	ConfigPath string
	T          *testing.T
}

func shell(script string) config.CommandConfig {
	return config.CommandConfig{Command: "sh", Args: []string{"-c", script}, Timeout: 30}
}

// newTestEnv writes config.yaml for a fresh installation. Options adjust the
// config before it is written.
func newTestEnv(t *testing.T, opts ...func(*config.Config)) *TestEnv {
	t.Helper()
	env := &TestEnv{
		Env:  updatetest.New(t),
		Home: t.TempDir(),
		T:    t,
	}

	cfg := config.Default()
	cfg.BaseDir = env.StateDir
	cfg.App.Dir = env.AppDir
	cfg.App.DataFiles = []string{"data/app.db"}
	cfg.App.AssetDirs = []string{"uploads"}
	cfg.App.SnapshotFiles = updatetest.SnapshotFiles
	cfg.Manifest.URL = env.Server.URL + "/releases"
	cfg.Commands = config.CommandsConfig{
		Install:        shell("true"),
		Build:          shell("true"),
		Migrate:        shell("echo 'Applying migration `20240101_init`'"),
		MigrateStatus:  shell("echo 'Database schema is up to date!'"),
		Validate:       shell("true"),
		RuntimeVersion: shell("echo v20.11.0"),
	}
	cfg.Compat.MinFreeDiskMB = 1
	cfg.Log.File = filepath.Join(env.StateDir, "upkeep.log")
	for _, opt := range opts {
		opt(cfg)
	}

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	env.ConfigPath = filepath.Join(env.Home, "config.yaml")
	require.NoError(t, os.WriteFile(env.ConfigPath, data, 0644))
	return env
}

// runUpkeep executes the compiled upkeep binary with the given arguments.
func (e *TestEnv) runUpkeep(args ...string) (stdout, stderr string, exitCode int) {
	e.T.Helper()

	cmd := exec.Command(upkeepBin, args...)
	cmd.Dir = e.AppDir
	cmd.Env = []string{
		"HOME=" + e.Home,
		"PATH=" + os.Getenv("PATH"),
		"USER=" + os.Getenv("USER"),
		config.EnvConfigPath + "=" + e.ConfigPath,
	}

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()

	exitCode = 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	return outBuf.String(), errBuf.String(), exitCode
}

// runJSON runs upkeep with --format json and decodes stdout into v.
func (e *TestEnv) runJSON(v any, args ...string) {
	e.T.Helper()
	stdout, stderr, code := e.runUpkeep(append(args, "--format", "json")...)
	require.Equal(e.T, 0, code, "upkeep %v should exit 0; stdout=%s stderr=%s", args, stdout, stderr)
	require.NoError(e.T, json.Unmarshal([]byte(stdout), v), stdout)
}
