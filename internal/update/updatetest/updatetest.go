// Package updatetest builds a throwaway installation for pipeline tests: an
// application tree at 1.0.0, a release server offering 1.1.0 and a fake
// process runner.
package updatetest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/upkeep/internal/audit"
	"github.com/lyndonlyu/upkeep/internal/backup"
	"github.com/lyndonlyu/upkeep/internal/executor"
	"github.com/lyndonlyu/upkeep/internal/filelock"
	"github.com/lyndonlyu/upkeep/internal/manifest"
	"github.com/lyndonlyu/upkeep/internal/migration"
	"github.com/lyndonlyu/upkeep/internal/precheck"
	"github.com/lyndonlyu/upkeep/internal/progress"
	"github.com/lyndonlyu/upkeep/internal/rollback"
	"github.com/lyndonlyu/upkeep/internal/snapshot"
	"github.com/lyndonlyu/upkeep/internal/statedb"
	"github.com/lyndonlyu/upkeep/internal/update"
)

const (
	FromVersion = "1.0.0"
	ToVersion   = "1.1.0"

	DeployOutput = "1 migration found in prisma/migrations\n\nApplying migration `20240101_init`\n\nAll migrations have been successfully applied."
)

var (
	InstallCmd  = executor.Command{Name: "npm", Args: []string{"ci"}}
	BuildCmd    = executor.Command{Name: "npm", Args: []string{"run", "build"}}
	DeployCmd   = executor.Command{Name: "npx", Args: []string{"prisma", "migrate", "deploy"}}
	StatusCmd   = executor.Command{Name: "npx", Args: []string{"prisma", "migrate", "status"}}
	ValidateCmd = executor.Command{Name: "npx", Args: []string{"prisma", "validate"}}

	// Excluded mirrors the default operational directories.
	Excluded      = []string{"node_modules", "data", "uploads", "backups", "updates", ".env", ".git"}
	SnapshotFiles = []string{"package.json", "package-lock.json", "prisma/schema.prisma", "VERSION"}
)

// Response is what the fake runner returns for one command.
type Response struct {
	Result executor.Result
	Err    error
	// Block, when set, is waited on before returning.
	Block chan struct{}
	// Entered, when set, is closed once the command starts.
	Entered chan struct{}
}

// Exec is a scripted executor.Runner keyed by Command.String().
type Exec struct {
	mu        sync.Mutex
	responses map[string]*Response
	calls     []executor.Command
}

func NewExec() *Exec {
	return &Exec{responses: make(map[string]*Response)}
}

// On scripts the response for cmd. Unscripted commands succeed silently.
func (e *Exec) On(cmd executor.Command, r Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses[cmd.String()] = &r
}

func (e *Exec) Run(_ context.Context, cmd executor.Command) (executor.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, cmd)
	r := e.responses[cmd.String()]
	var entered chan struct{}
	if r != nil {
		entered, r.Entered = r.Entered, nil
	}
	e.mu.Unlock()

	if r == nil {
		return executor.Result{}, nil
	}
	if entered != nil {
		close(entered)
	}
	if r.Block != nil {
		<-r.Block
	}
	return r.Result, r.Err
}

// Calls returns the command lines run so far, in order.
func (e *Exec) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	for i, c := range e.calls {
		out[i] = c.String()
	}
	return out
}

// Env is one isolated installation.
type Env struct {
	Root     string
	AppDir   string
	StateDir string

	Server    *httptest.Server
	Artifact  []byte
	Checksum  string
	Downloads atomic.Int32

	// DeclaredChecksum is what the manifest advertises for 1.1.0. It
	// defaults to the real artifact checksum.
	DeclaredChecksum atomic.Value

	Releases *manifest.Client
	Store    *statedb.DB
	Points   *snapshot.Manager
	Backups  *backup.Service
	Guard    *filelock.Guard
	Progress *progress.Tracker
	Audit    *audit.Logger
	Exec     *Exec
	Migrator *migration.Runner
}

// New creates the installation and the release server.
func New(t *testing.T) *Env {
	t.Helper()
	root := t.TempDir()
	e := &Env{
		Root:     root,
		AppDir:   filepath.Join(root, "app"),
		StateDir: filepath.Join(root, "state"),
		Exec:     NewExec(),
	}

	WriteFile(t, filepath.Join(e.AppDir, "package.json"), `{"name":"app","version":"1.0.0"}`)
	WriteFile(t, filepath.Join(e.AppDir, "server.js"), "console.log('v1')")
	WriteFile(t, filepath.Join(e.AppDir, "prisma", "schema.prisma"), "// schema v1")
	WriteFile(t, filepath.Join(e.AppDir, "VERSION"), FromVersion+"\n")
	WriteFile(t, filepath.Join(e.AppDir, "uploads", "a.png"), "png-a")
	require.NoError(t, os.MkdirAll(filepath.Join(e.AppDir, "data"), 0755))
	db, err := sql.Open("sqlite3", e.DataPath())
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE users (name TEXT); INSERT INTO users VALUES ('ada'), ('grace');`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	e.SetArtifact(t, map[string]string{
		"app-1.1.0/package.json":         `{"name":"app","version":"1.1.0"}`,
		"app-1.1.0/server.js":            "console.log('v2')",
		"app-1.1.0/prisma/schema.prisma": "// schema v2",
		"app-1.1.0/lib/new.js":           "module.exports = {}",
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/releases", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(e.releases())
	})
	mux.HandleFunc("/download/app-1.1.0.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		e.Downloads.Add(1)
		w.Header().Set("Content-Length", fmt.Sprint(len(e.Artifact)))
		_, _ = w.Write(e.Artifact)
	})
	e.Server = httptest.NewServer(mux)
	t.Cleanup(e.Server.Close)

	e.Releases = manifest.NewClient(manifest.Options{
		URL:         e.Server.URL + "/releases",
		VersionFile: filepath.Join(e.AppDir, "VERSION"),
	})
	e.Store, err = statedb.Open(filepath.Join(e.StateDir, "upkeep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { e.Store.Close() })

	e.Points = snapshot.New(filepath.Join(e.StateDir, "rollback"), e.AppDir, SnapshotFiles)
	e.Backups = backup.New(backup.Options{
		Dir:       filepath.Join(e.StateDir, "backups"),
		AppDir:    e.AppDir,
		DataFiles: []string{"data/app.db"},
		AssetDirs: []string{"uploads"},
		Version:   e.Releases.CurrentVersion,
	})
	e.Guard = filelock.NewGuard(filepath.Join(e.StateDir, "upkeep.lock"))
	e.Progress = progress.NewTracker()
	e.Audit, err = audit.NewLogger(filepath.Join(e.StateDir, "audit"))
	require.NoError(t, err)
	e.Migrator = migration.NewRunner(e.Exec, DeployCmd, StatusCmd, ValidateCmd)
	e.Exec.On(DeployCmd, Response{Result: executor.Result{Stdout: DeployOutput}})
	return e
}

// SetArtifact replaces the 1.1.0 tarball served by the release server. Call
// it before the manifest is first fetched.
func (e *Env) SetArtifact(t *testing.T, files map[string]string) {
	t.Helper()
	e.Artifact = buildArtifact(t, files)
	sum := sha256.Sum256(e.Artifact)
	e.Checksum = hex.EncodeToString(sum[:])
	e.DeclaredChecksum.Store(e.Checksum)
}

func (e *Env) releases() []map[string]any {
	checksum, _ := e.DeclaredChecksum.Load().(string)
	return []map[string]any{
		{
			"tag_name":     "v" + ToVersion,
			"name":         "Spring release",
			"published_at": "2024-02-01T10:00:00Z",
			"body":         "New dashboard.\n\nDetails follow.",
			"checksum":     checksum,
			"assets": []map[string]any{{
				"name":                 "app-1.1.0.tar.gz",
				"browser_download_url": e.Server.URL + "/download/app-1.1.0.tar.gz",
				"size":                 len(e.Artifact),
			}},
		},
		{
			"tag_name":     "v" + FromVersion,
			"published_at": "2024-01-01T10:00:00Z",
			"body":         "Initial release.",
			"tarball_url":  e.Server.URL + "/download/app-1.0.0.tar.gz",
		},
	}
}

// DataPath is the application's SQLite database.
func (e *Env) DataPath() string {
	return filepath.Join(e.AppDir, "data", "app.db")
}

// StagingDir is where artifacts are downloaded and extracted.
func (e *Env) StagingDir() string {
	return filepath.Join(e.StateDir, "staging")
}

// UpdateConfig wires an orchestrator to the environment.
func (e *Env) UpdateConfig() update.Config {
	return update.Config{
		AppDir:     e.AppDir,
		StagingDir: e.StagingDir(),
		Excluded:   Excluded,
		Install:    InstallCmd,
		Build:      BuildCmd,
		Store:      e.Store,
		Releases:   e.Releases,
		Compat: precheck.NewChecker(precheck.Options{
			AppDir:     e.AppDir,
			StagingDir: e.StagingDir(),
		}),
		Points:   e.Points,
		Backups:  e.Backups,
		Migrator: e.Migrator,
		Exec:     e.Exec,
		Guard:    e.Guard,
		Progress: e.Progress,
		Audit:    e.Audit,
	}
}

// Orchestrator returns an orchestrator over the environment.
func (e *Env) Orchestrator() *update.Orchestrator {
	return update.New(e.UpdateConfig())
}

// Rollbacks returns a rollback executor sharing the orchestrator's guard.
func (e *Env) Rollbacks() *rollback.Executor {
	return rollback.New(rollback.Config{
		AppDir:     e.AppDir,
		StagingDir: e.StagingDir(),
		Excluded:   Excluded,
		Install:    InstallCmd,
		Build:      BuildCmd,
		Store:      e.Store,
		Releases:   e.Releases,
		Points:     e.Points,
		Backups:    e.Backups,
		Exec:       e.Exec,
		Guard:      e.Guard,
		Progress:   e.Progress,
		Audit:      e.Audit,
	})
}

// Users counts rows in the application's users table.
func (e *Env) Users(t *testing.T) int {
	t.Helper()
	db, err := sql.Open("sqlite3", e.DataPath())
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n))
	return n
}

// AddUser inserts a row so data changes after a backup are detectable.
func (e *Env) AddUser(t *testing.T, name string) {
	t.Helper()
	db, err := sql.Open("sqlite3", e.DataPath())
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`INSERT INTO users VALUES (?)`, name)
	require.NoError(t, err)
}

// Read returns the contents of an app-relative file.
func (e *Env) Read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.AppDir, rel))
	require.NoError(t, err)
	return string(data)
}

func WriteFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func buildArtifact(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}
