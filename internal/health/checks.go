package health

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lyndonlyu/upkeep/internal/audit"
	"github.com/lyndonlyu/upkeep/internal/executor"
	"github.com/lyndonlyu/upkeep/internal/filelock"
	"github.com/lyndonlyu/upkeep/internal/manifest"
	"github.com/lyndonlyu/upkeep/internal/precheck"
	"github.com/lyndonlyu/upkeep/internal/statedb"
)

// Sources are the components Evaluate inspects. Zero fields are skipped.
type Sources struct {
	Store         *statedb.DB
	Audit         *audit.Logger
	Releases      *manifest.Client
	LockPath      string
	StagingDir    string
	BackupDir     string
	MinFreeDiskMB int64
	Exec          executor.Runner
	Runtime       executor.Command
}

// CheckStateDB verifies the state database answers and its schema is current.
func CheckStateDB(store *statedb.DB) ComponentStatus {
	cs := ComponentStatus{Name: "state_db", Category: Critical}

	current, latest, err := store.SchemaVersion()
	if err != nil {
		cs.Detail = fmt.Sprintf("Query failed: %v", err)
		return cs
	}
	if current < latest {
		cs.Detail = fmt.Sprintf("Schema at v%d, expected v%d", current, latest)
		return cs
	}
	if _, err := store.CountAttempts(); err != nil {
		cs.Detail = fmt.Sprintf("Attempts unreadable: %v", err)
		return cs
	}
	cs.Healthy = true
	cs.Detail = fmt.Sprintf("Schema v%d", current)
	return cs
}

// CheckAuditChain verifies the integrity of the audit hash chain.
func CheckAuditChain(logger *audit.Logger) ComponentStatus {
	cs := ComponentStatus{Name: "audit_chain", Category: Critical}

	valid, index, err := logger.Verify()
	if err != nil {
		cs.Detail = fmt.Sprintf("Verification error: %v", err)
		return cs
	}
	if !valid {
		cs.Detail = fmt.Sprintf("Hash chain broken at record %d", index)
		return cs
	}
	cs.Healthy = true
	cs.Detail = "Hash chain intact"
	return cs
}

// CheckVersionMarker verifies the installed version can be read.
func CheckVersionMarker(releases *manifest.Client) ComponentStatus {
	cs := ComponentStatus{Name: "version_marker", Category: Critical}

	v, err := releases.CurrentVersion()
	if err != nil {
		cs.Detail = fmt.Sprintf("Unreadable: %v", err)
		return cs
	}
	cs.Healthy = true
	cs.Detail = "Installed " + v
	return cs
}

// CheckManifest fetches the release manifest, honouring the client's cache.
func CheckManifest(ctx context.Context, releases *manifest.Client) ComponentStatus {
	cs := ComponentStatus{Name: "manifest", Category: Important}

	list, err := releases.Fetch(ctx)
	if err != nil {
		cs.Detail = fmt.Sprintf("Unreachable: %v", err)
		return cs
	}
	cs.Healthy = true
	cs.Detail = fmt.Sprintf("%d releases published", len(list))
	return cs
}

// CheckLock reports who holds the pipeline lock. A holder record left by a
// process that has exited does not block Acquire and is only noted.
func CheckLock(lockPath string) ComponentStatus {
	cs := ComponentStatus{Name: "pipeline_lock", Category: Important, Healthy: true}

	meta, err := filelock.ReadMeta(lockPath)
	switch {
	case err != nil:
		cs.Detail = "Free"
	case filelock.IsHeld(lockPath):
		cs.Detail = fmt.Sprintf("Held by pid %d (%s) since %s", meta.PID, meta.Purpose, meta.Timestamp)
	default:
		cs.Detail = fmt.Sprintf("Free, stale holder record from pid %d", meta.PID)
	}
	return cs
}

// CheckDirWritable tests whether a directory exists and is writable by
// creating and immediately removing a temp file.
func CheckDirWritable(dir, name, category string) ComponentStatus {
	cs := ComponentStatus{Name: name, Category: category}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			cs.Detail = "Missing"
		} else {
			cs.Detail = fmt.Sprintf("Stat error: %v", err)
		}
		return cs
	}
	if !info.IsDir() {
		cs.Detail = "Not a directory"
		return cs
	}

	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		cs.Detail = "Not writable"
		return cs
	}
	f.Close()
	os.Remove(f.Name())

	cs.Healthy = true
	cs.Detail = "Writable"
	return cs
}

// CheckDiskSpace reports whether the filesystem holding dir has minMB free.
func CheckDiskSpace(ctx context.Context, dir string, minMB int64) ComponentStatus {
	res := precheck.DiskCheck{Dir: dir, MinBytes: uint64(minMB) << 20}.Run(ctx)
	return ComponentStatus{
		Name:     "disk_space",
		Category: Important,
		Healthy:  res.Passed,
		Detail:   res.Message,
	}
}

// CheckRuntime runs the runtime version command.
func CheckRuntime(ctx context.Context, run executor.Runner, cmd executor.Command) ComponentStatus {
	cs := ComponentStatus{Name: "runtime", Category: Optional}

	res, err := run.Run(ctx, cmd)
	if err != nil {
		cs.Detail = fmt.Sprintf("%s failed: %v", cmd, err)
		return cs
	}
	out := strings.TrimSpace(res.Stdout)
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	cs.Healthy = true
	cs.Detail = out
	return cs
}

// Evaluate runs every check whose source is configured.
func Evaluate(ctx context.Context, src Sources) *Report {
	var components []ComponentStatus
	if src.Store != nil {
		components = append(components, CheckStateDB(src.Store))
	}
	if src.Audit != nil {
		components = append(components, CheckAuditChain(src.Audit))
	}
	if src.Releases != nil {
		components = append(components, CheckVersionMarker(src.Releases), CheckManifest(ctx, src.Releases))
	}
	if src.LockPath != "" {
		components = append(components, CheckLock(src.LockPath))
	}
	if src.StagingDir != "" {
		components = append(components, CheckDirWritable(src.StagingDir, "staging_dir", Important))
		if src.MinFreeDiskMB > 0 {
			components = append(components, CheckDiskSpace(ctx, src.StagingDir, src.MinFreeDiskMB))
		}
	}
	if src.BackupDir != "" {
		components = append(components, CheckDirWritable(src.BackupDir, "backup_dir", Important))
	}
	if src.Exec != nil && src.Runtime.Name != "" {
		components = append(components, CheckRuntime(ctx, src.Exec, src.Runtime))
	}
	return NewReport(components)
}
