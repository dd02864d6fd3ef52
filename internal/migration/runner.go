package migration

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/executor"
)

// migrationID matches the timestamp-prefixed directory names migration tools
// print for each applied or pending migration, e.g. 20240101_init.
var migrationID = regexp.MustCompile(`\d{8,14}_[A-Za-z0-9_\-]+`)

// Result is the outcome of one deploy run of the application's migrations.
type Result struct {
	Success       bool          `json:"success"`
	MigrationsRun []string      `json:"migrations_run"`
	Logs          string        `json:"logs"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Validation is the outcome of the schema validation command.
type Validation struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}

// Runner drives the application's migration tool through an executor.Runner.
type Runner struct {
	exec     executor.Runner
	deploy   executor.Command
	status   executor.Command
	validate executor.Command
}

func NewRunner(r executor.Runner, deploy, status, validate executor.Command) *Runner {
	return &Runner{exec: r, deploy: deploy, status: status, validate: validate}
}

// Run applies pending migrations in deploy mode. A failed command is reported
// through Result with Success false and the returned error set; nothing is
// assumed to have been applied in that case.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if r.deploy.Name == "" {
		return &Result{Success: true, MigrationsRun: []string{}}, nil
	}

	res, err := r.exec.Run(ctx, r.deploy)
	out := &Result{
		Logs:     res.Output(),
		Duration: res.Duration,
	}
	if err != nil {
		out.Error = err.Error()
		out.MigrationsRun = []string{}
		log.WithField("command", r.deploy.String()).Errorf("migration deploy failed: %v", err)
		return out, fmt.Errorf("migration: deploy: %w", err)
	}

	out.Success = true
	out.MigrationsRun = ParseIDs(out.Logs)
	log.WithField("command", r.deploy.String()).Infof("applied %d migrations", len(out.MigrationsRun))
	return out, nil
}

// Pending lists migrations the tool reports as not yet applied. Status
// commands commonly exit non-zero while migrations are pending, so an exit
// error still yields the parsed list.
func (r *Runner) Pending(ctx context.Context) ([]string, error) {
	if r.status.Name == "" {
		return []string{}, nil
	}
	res, err := r.exec.Run(ctx, r.status)
	var exitErr *executor.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("migration: status: %w", err)
	}
	return parsePending(res.Output()), nil
}

// ValidateSchema runs the validation command. A command that ran and exited
// non-zero means the schema is invalid, not that validation itself failed.
func (r *Runner) ValidateSchema(ctx context.Context) (*Validation, error) {
	if r.validate.Name == "" {
		return &Validation{Valid: true}, nil
	}
	res, err := r.exec.Run(ctx, r.validate)
	if err == nil {
		return &Validation{Valid: true}, nil
	}

	var exitErr *executor.ExitError
	if !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("migration: validate: %w", err)
	}
	issues := nonEmptyLines(res.Stderr)
	if len(issues) == 0 {
		issues = nonEmptyLines(res.Stdout)
	}
	if len(issues) == 0 {
		issues = []string{exitErr.Error()}
	}
	return &Validation{Valid: false, Issues: issues}, nil
}

// ParseIDs extracts migration identifiers from tool output, keeping the order
// of first appearance.
func ParseIDs(output string) []string {
	ids := []string{}
	seen := make(map[string]bool)
	for _, id := range migrationID.FindAllString(output, -1) {
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// parsePending reads ids from the part of the status output that follows a
// "not yet been applied" style heading, falling back to every id when the
// tool prints no such heading.
func parsePending(output string) []string {
	lower := strings.ToLower(output)
	for _, marker := range []string{"not yet been applied", "pending"} {
		if i := strings.Index(lower, marker); i >= 0 {
			return ParseIDs(output[i:])
		}
	}
	if strings.Contains(lower, "up to date") {
		return []string{}
	}
	return ParseIDs(output)
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
