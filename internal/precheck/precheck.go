// Package precheck decides whether a release can be installed on this host.
// Checks only read state; nothing here mutates the application tree.
package precheck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lyndonlyu/upkeep/internal/executor"
	"github.com/lyndonlyu/upkeep/internal/manifest"
)

// Check is the interface for environment validation checks.
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

// CheckResult holds the outcome of a single check. A failed check that is not
// Blocking only produces a warning.
type CheckResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Blocking bool   `json:"blocking"`
	Message  string `json:"message"`
}

// Report holds the aggregate outcome of all checks for one target version.
type Report struct {
	Version    string        `json:"version"`
	Compatible bool          `json:"compatible"`
	Issues     []string      `json:"issues"`
	Warnings   []string      `json:"warnings"`
	Results    []CheckResult `json:"results"`
	Duration   string        `json:"duration"`
}

// Runner manages and executes a collection of checks.
type Runner struct {
	mu     sync.RWMutex
	checks []Check
}

func NewRunner() *Runner {
	return &Runner{}
}

// Add appends a check to the runner (thread-safe).
func (r *Runner) Add(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, c)
}

// Checks returns the names of all registered checks.
func (r *Runner) Checks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.checks))
	for i, c := range r.checks {
		names[i] = c.Name()
	}
	return names
}

// Run executes all checks sequentially and sorts failures into issues and
// warnings.
func (r *Runner) Run(ctx context.Context) *Report {
	r.mu.RLock()
	checks := make([]Check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	start := time.Now()
	report := &Report{Compatible: true, Issues: []string{}, Warnings: []string{}}
	for _, c := range checks {
		result := c.Run(ctx)
		report.Results = append(report.Results, result)
		if result.Passed {
			continue
		}
		if result.Blocking {
			report.Compatible = false
			report.Issues = append(report.Issues, result.Message)
		} else {
			report.Warnings = append(report.Warnings, result.Message)
		}
	}
	report.Duration = time.Since(start).String()
	return report
}

// Options configures a Checker.
type Options struct {
	AppDir        string
	StagingDir    string
	MinFreeDiskMB int64
	Exec          executor.Runner
	RuntimeCmd    executor.Command
}

// Checker answers compatibility questions for releases.
type Checker struct {
	opts Options
}

func NewChecker(opts Options) *Checker {
	return &Checker{opts: opts}
}

// CheckCompatibility runs every check that applies to release.
func (c *Checker) CheckCompatibility(ctx context.Context, release *manifest.Release) *Report {
	r := NewRunner()
	r.Add(RuntimeCheck{Exec: c.opts.Exec, Cmd: c.opts.RuntimeCmd, Min: release.MinRuntimeVersion})
	r.Add(DiskCheck{Dir: c.opts.AppDir, MinBytes: requiredBytes(c.opts.MinFreeDiskMB, release.FileSize)})
	r.Add(WritableCheck{Dir: c.opts.StagingDir})
	for _, w := range releaseWarnings(release) {
		r.Add(w)
	}

	report := r.Run(ctx)
	report.Version = release.Version
	log.WithField("version", release.Version).Debugf("compatibility: compatible=%t issues=%d warnings=%d",
		report.Compatible, len(report.Issues), len(report.Warnings))
	return report
}

// requiredBytes is the larger of the configured floor and three times the
// artifact size, which covers the download, its extraction and the parked
// previous tree.
func requiredBytes(minMB, fileSize int64) uint64 {
	floor := minMB << 20
	if need := 3 * fileSize; need > floor {
		floor = need
	}
	if floor < 0 {
		return 0
	}
	return uint64(floor)
}

func releaseWarnings(r *manifest.Release) []Check {
	var checks []Check
	if r.BreakingChanges {
		checks = append(checks, notice("breaking-changes",
			fmt.Sprintf("%s contains breaking changes; review the release notes before applying", r.Version)))
	}
	if r.RequiresManualSteps {
		checks = append(checks, notice("manual-steps",
			fmt.Sprintf("%s requires manual steps after the update", r.Version)))
	}
	if r.Prerelease {
		checks = append(checks, notice("prerelease",
			fmt.Sprintf("%s is a prerelease", r.Version)))
	}
	return checks
}

// ---------- Built-in checks ----------

// RuntimeCheck compares the installed runtime version against the release's
// declared minimum.
type RuntimeCheck struct {
	Exec executor.Runner
	Cmd  executor.Command
	Min  string
}

func (c RuntimeCheck) Name() string { return "runtime" }
func (c RuntimeCheck) Run(ctx context.Context) CheckResult {
	res := CheckResult{Name: c.Name(), Blocking: true}
	if c.Min == "" {
		res.Passed = true
		res.Message = "no minimum runtime declared"
		return res
	}
	if c.Exec == nil || c.Cmd.Name == "" {
		res.Blocking = false
		res.Message = fmt.Sprintf("release requires runtime >= %s; no runtime version command configured", c.Min)
		return res
	}

	out, err := c.Exec.Run(ctx, c.Cmd)
	if err != nil {
		res.Message = fmt.Sprintf("cannot determine runtime version: %v", err)
		return res
	}
	installed := strings.TrimSpace(out.Stdout)
	if installed == "" {
		installed = strings.TrimSpace(out.Stderr)
	}
	installed = manifest.NormalizeVersion(firstLine(installed))
	if manifest.CompareVersions(installed, c.Min) < 0 {
		res.Message = fmt.Sprintf("runtime %s is older than required %s", installed, c.Min)
		return res
	}
	res.Passed = true
	res.Message = fmt.Sprintf("runtime %s satisfies >= %s", installed, c.Min)
	return res
}

// freeSpace is replaced in tests.
var freeSpace = func(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// DiskCheck validates that the filesystem holding Dir has enough free space.
type DiskCheck struct {
	Dir      string
	MinBytes uint64
}

func (c DiskCheck) Name() string { return "disk" }
func (c DiskCheck) Run(_ context.Context) CheckResult {
	res := CheckResult{Name: c.Name(), Blocking: true}
	free, err := freeSpace(c.Dir)
	if err != nil {
		res.Message = fmt.Sprintf("cannot stat %s: %v", c.Dir, err)
		return res
	}
	if free < c.MinBytes {
		res.Message = fmt.Sprintf("insufficient disk space: %d MB free, %d MB required", free>>20, c.MinBytes>>20)
		return res
	}
	res.Passed = true
	res.Message = fmt.Sprintf("%d MB free", free>>20)
	return res
}

// WritableCheck validates that files can be created in Dir, creating it if
// necessary.
type WritableCheck struct {
	Dir string
}

func (c WritableCheck) Name() string { return "writable:" + c.Dir }
func (c WritableCheck) Run(_ context.Context) CheckResult {
	res := CheckResult{Name: c.Name(), Blocking: true}
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		res.Message = fmt.Sprintf("staging directory unavailable: %v", err)
		return res
	}
	f, err := os.CreateTemp(c.Dir, ".probe-*")
	if err != nil {
		res.Message = fmt.Sprintf("staging directory not writable: %v", err)
		return res
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("precheck: remove probe %s: %v", filepath.Base(name), err)
	}
	res.Passed = true
	res.Message = "OK"
	return res
}

// CustomCheck wraps an arbitrary function as a check.
type CustomCheck struct {
	CheckName string
	Fn        func(ctx context.Context) CheckResult
}

func (c CustomCheck) Name() string { return c.CheckName }
func (c CustomCheck) Run(ctx context.Context) CheckResult { return c.Fn(ctx) }

func notice(name, message string) Check {
	return CustomCheck{
		CheckName: name,
		Fn: func(context.Context) CheckResult {
			return CheckResult{Name: name, Message: message}
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
