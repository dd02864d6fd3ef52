// Package snapshot keeps lightweight file rollback points: copies of the few
// files that identify an installed version, saved per version so a later
// rollback can put them back. Full data backups live behind Service.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

const pointFile = "point.json"

var ErrNoRollbackPoint = errors.New("snapshot: no rollback point for version")

// Backup describes a full data and asset archive.
type Backup struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	AppVersion string    `json:"app_version"`
	CreatedAt  time.Time `json:"created_at"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	Path       string    `json:"path"`
}

type RestoreOptions struct {
	Assets bool
}

// Service creates and restores full backups. The pipeline only records and
// passes through the backup id.
type Service interface {
	Create(ctx context.Context, label string) (*Backup, error)
	Restore(ctx context.Context, id string, opts RestoreOptions) error
}

// Point is the metadata stored with a file rollback point.
type Point struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Files     []string  `json:"files"`
	Dir       string    `json:"-"`
}

// Manager stores file rollback points under dir, one directory per version.
type Manager struct {
	dir    string
	appDir string
	files  []string
}

// New returns a Manager saving the given app-relative files from appDir into
// per-version directories under dir.
func New(dir, appDir string, files []string) *Manager {
	return &Manager{dir: dir, appDir: appDir, files: files}
}

func (m *Manager) pointDir(version string) string {
	return filepath.Join(m.dir, version)
}

// Exists reports whether a rollback point was saved for version.
func (m *Manager) Exists(version string) bool {
	_, err := os.Stat(filepath.Join(m.pointDir(version), pointFile))
	return err == nil
}

// CreateFileRollbackPoint copies the configured files for version. An
// existing point for the same version is kept as is.
func (m *Manager) CreateFileRollbackPoint(version string) (*Point, error) {
	if m.Exists(version) {
		log.Debugf("rollback point for %s already exists", version)
		return m.Get(version)
	}

	dir := m.pointDir(version)
	tmp := dir + ".partial"
	if err := os.RemoveAll(tmp); err != nil {
		return nil, fmt.Errorf("snapshot: clear partial point: %w", err)
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return nil, fmt.Errorf("snapshot: create point dir: %w", err)
	}

	point := &Point{Version: version, CreatedAt: time.Now().UTC(), Files: []string{}}
	for _, rel := range m.files {
		src := filepath.Join(m.appDir, rel)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			log.Debugf("rollback point %s: %s not present, skipping", version, rel)
			continue
		}
		if err := CopyFile(src, filepath.Join(tmp, rel)); err != nil {
			os.RemoveAll(tmp)
			return nil, fmt.Errorf("snapshot: save %s: %w", rel, err)
		}
		point.Files = append(point.Files, rel)
	}

	data, err := json.MarshalIndent(point, "", "  ")
	if err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(tmp, pointFile), data, 0644); err != nil {
		os.RemoveAll(tmp)
		return nil, fmt.Errorf("snapshot: write point metadata: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, dir); err != nil {
		os.RemoveAll(tmp)
		return nil, fmt.Errorf("snapshot: finalize point: %w", err)
	}

	point.Dir = dir
	log.Infof("created rollback point for %s with %d files", version, len(point.Files))
	return point, nil
}

// RestoreFileRollbackPoint copies the saved files back over the app tree and
// returns the restored paths.
func (m *Manager) RestoreFileRollbackPoint(version string) ([]string, error) {
	point, err := m.Get(version)
	if err != nil {
		return nil, err
	}

	restored := make([]string, 0, len(point.Files))
	for _, rel := range point.Files {
		src := filepath.Join(point.Dir, rel)
		if err := CopyFile(src, filepath.Join(m.appDir, rel)); err != nil {
			return restored, fmt.Errorf("snapshot: restore %s: %w", rel, err)
		}
		restored = append(restored, rel)
	}
	log.Infof("restored rollback point %s (%d files)", version, len(restored))
	return restored, nil
}

// Get loads the metadata of the rollback point for version.
func (m *Manager) Get(version string) (*Point, error) {
	dir := m.pointDir(version)
	data, err := os.ReadFile(filepath.Join(dir, pointFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoRollbackPoint, version)
		}
		return nil, err
	}
	var p Point
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("snapshot: parse point %s: %w", version, err)
	}
	p.Dir = dir
	return &p, nil
}

// List returns every saved point, newest first.
func (m *Manager) List() ([]Point, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var points []Point
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := m.Get(e.Name())
		if err != nil {
			continue
		}
		points = append(points, *p)
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].CreatedAt.After(points[j].CreatedAt)
	})
	return points, nil
}

// Drop deletes the rollback point for version.
func (m *Manager) Drop(version string) error {
	if !m.Exists(version) {
		return fmt.Errorf("%w: %s", ErrNoRollbackPoint, version)
	}
	return os.RemoveAll(m.pointDir(version))
}

// CopyFile copies src to dst, creating parent directories and keeping the
// source file mode.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
