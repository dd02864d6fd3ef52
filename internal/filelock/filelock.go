// Package filelock provides flock-based file locking and the single-flight
// guard that keeps at most one update pipeline running.
//
// A Lock is held by an open file description, so the kernel drops it when
// the holding process exits. The .meta file beside the lock records the
// holder's pid for diagnostics.
package filelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// LockVersion is the current version of the lock metadata format.
const LockVersion = 1

var (
	// ErrLocked is returned when another process holds the lock.
	ErrLocked = errors.New("lock is held by another process")
)

// Lock represents an acquired file lock.
type Lock struct {
	Path string
	file *os.File
}

// Meta is the on-disk metadata written alongside a lock file.
type Meta struct {
	PID       int    `json:"pid"`
	Timestamp string `json:"timestamp"`
	Purpose   string `json:"purpose,omitempty"`
	Version   int    `json:"lock_version"`
}

// Acquire takes an exclusive, non-blocking lock on lockPath. purpose is
// recorded in the .meta file.
func Acquire(lockPath, purpose string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("mkdir for lock: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			holderPID := 0
			if meta, metaErr := ReadMeta(lockPath); metaErr == nil {
				holderPID = meta.PID
			}
			return nil, fmt.Errorf("%w (holder PID: %d)", ErrLocked, holderPID)
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	meta := Meta{
		PID:       os.Getpid(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Purpose:   purpose,
		Version:   LockVersion,
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(lockPath+".meta", metaData, 0644); err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("write meta: %w", err)
	}

	return &Lock{Path: lockPath, file: f}, nil
}

// Release removes the flock, closes the file and deletes the .meta file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	// Remove meta first so nobody reads a stale holder after unlock.
	_ = os.Remove(l.Path + ".meta")

	fd := int(l.file.Fd())
	if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
		return fmt.Errorf("flock LOCK_UN: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	l.file = nil
	return nil
}

// IsHeld reports whether a live process holds lockPath, judged from the
// .meta file only; it never takes the flock. Acquire writes the meta after
// locking and Release removes it before unlocking.
func IsHeld(lockPath string) bool {
	meta, err := ReadMeta(lockPath)
	if err != nil {
		return false
	}
	return alive(meta.PID)
}

// IsStale checks whether the lock at lockPath is stale by reading its .meta
// file and testing whether the recorded PID is still alive.
func IsStale(lockPath string) bool {
	meta, err := ReadMeta(lockPath)
	if err != nil {
		return true
	}
	return !alive(meta.PID)
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks process existence without actually sending a signal.
	return proc.Signal(unix.Signal(0)) == nil
}

// ReadMeta reads and parses the .meta JSON file associated with lockPath.
func ReadMeta(lockPath string) (Meta, error) {
	data, err := os.ReadFile(lockPath + ".meta")
	if err != nil {
		return Meta{}, fmt.Errorf("read meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
