// Package backup is the local snapshot service: one tar.gz archive per backup
// holding the application's persistent data files and asset trees.
//
// Archive layout:
//
//	metadata.json        id, label, app version, per-entry checksums
//	data/<rel path>      configured data files (SQLite files exported with VACUUM INTO)
//	assets/<dir>/...     configured asset directories
//
// The archive's own sha256 is stored next to it in <id>.sha256 and checked
// before any restore.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/snapshot"
)

const (
	metadataName  = "metadata.json"
	archiveSuffix = ".tar.gz"
	sumSuffix     = ".sha256"
	dataPrefix    = "data/"
	assetsPrefix  = "assets/"
)

var (
	ErrNotFound  = errors.New("backup: not found")
	ErrIntegrity = errors.New("backup: archive checksum mismatch")
)

// Entry is one data file recorded in the metadata.
type Entry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
	SQLite bool   `json:"sqlite,omitempty"`
}

// Metadata is stored as the first member of every archive.
type Metadata struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	AppVersion string    `json:"app_version"`
	CreatedAt  time.Time `json:"created_at"`
	Data       []Entry   `json:"data"`
	AssetDirs  []string  `json:"asset_dirs"`
}

type Options struct {
	// Dir holds the archives.
	Dir string
	// AppDir is the root the data files and asset dirs are relative to.
	AppDir    string
	DataFiles []string
	AssetDirs []string
	// Version reports the installed version for the metadata.
	Version func() (string, error)
}

// Service implements snapshot.Service on the local filesystem.
type Service struct {
	opts Options
}

var _ snapshot.Service = (*Service)(nil)

func New(opts Options) *Service {
	return &Service{opts: opts}
}

func (s *Service) archivePath(id string) string {
	return filepath.Join(s.opts.Dir, id+archiveSuffix)
}

func (s *Service) sumPath(id string) string {
	return filepath.Join(s.opts.Dir, id+sumSuffix)
}

func newID(now time.Time) string {
	return now.Format("20060102T150405Z") + "-" + uuid.New().String()[:8]
}

// Create writes a new backup archive and returns its description.
func (s *Service) Create(ctx context.Context, label string) (*snapshot.Backup, error) {
	now := time.Now().UTC()
	meta := &Metadata{
		ID:        newID(now),
		Label:     label,
		CreatedAt: now,
		AssetDirs: []string{},
		Data:      []Entry{},
	}
	if s.opts.Version != nil {
		v, err := s.opts.Version()
		if err != nil {
			return nil, fmt.Errorf("backup: read version: %w", err)
		}
		meta.AppVersion = v
	}

	if err := os.MkdirAll(s.opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create dir: %w", err)
	}

	work, err := os.MkdirTemp(s.opts.Dir, "creating-")
	if err != nil {
		return nil, err
	}
	defer removeAll(work)

	exports, err := s.exportData(ctx, work, meta)
	if err != nil {
		return nil, err
	}
	for _, dir := range s.opts.AssetDirs {
		if info, err := os.Stat(filepath.Join(s.opts.AppDir, dir)); err == nil && info.IsDir() {
			meta.AssetDirs = append(meta.AssetDirs, filepath.ToSlash(filepath.Clean(dir)))
		}
	}

	partial := s.archivePath(meta.ID) + ".partial"
	sum, size, err := s.writeArchive(ctx, partial, meta, exports)
	if err != nil {
		os.Remove(partial)
		return nil, err
	}
	if err := os.Rename(partial, s.archivePath(meta.ID)); err != nil {
		os.Remove(partial)
		return nil, err
	}
	sumLine := fmt.Sprintf("%s  %s\n", sum, meta.ID+archiveSuffix)
	if err := os.WriteFile(s.sumPath(meta.ID), []byte(sumLine), 0644); err != nil {
		return nil, fmt.Errorf("backup: write checksum: %w", err)
	}

	log.WithFields(log.Fields{"backup": meta.ID, "size": size}).
		Infof("created backup %q with %d data files and %d asset dirs", label, len(meta.Data), len(meta.AssetDirs))

	return &snapshot.Backup{
		ID:         meta.ID,
		Label:      label,
		AppVersion: meta.AppVersion,
		CreatedAt:  now,
		Size:       size,
		Checksum:   sum,
		Path:       s.archivePath(meta.ID),
	}, nil
}

// exportData copies each data file into work and fills meta.Data. The
// returned map points archive names at the exported copies.
func (s *Service) exportData(ctx context.Context, work string, meta *Metadata) (map[string]string, error) {
	exports := make(map[string]string)
	for i, rel := range s.opts.DataFiles {
		src := filepath.Join(s.opts.AppDir, rel)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			log.Debugf("backup: data file %s not present, skipping", rel)
			continue
		}

		dst := filepath.Join(work, fmt.Sprintf("data-%d", i))
		isDB, err := isSQLite(src)
		if err != nil {
			return nil, err
		}
		if isDB {
			err = exportSQLite(ctx, src, dst)
		} else {
			err = snapshot.CopyFile(src, dst)
		}
		if err != nil {
			return nil, fmt.Errorf("backup: export %s: %w", rel, err)
		}

		sum, size, err := hashFile(dst)
		if err != nil {
			return nil, err
		}
		name := filepath.ToSlash(filepath.Clean(rel))
		meta.Data = append(meta.Data, Entry{Path: name, Size: size, SHA256: sum, SQLite: isDB})
		exports[dataPrefix+name] = dst
	}
	return exports, nil
}

func (s *Service) writeArchive(ctx context.Context, path string, meta *Metadata, exports map[string]string) (string, int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	counter := &countingWriter{}
	zw := gzip.NewWriter(io.MultiWriter(f, hasher, counter))
	tw := tar.NewWriter(zw)

	if err := writeJSONMember(tw, metadataName, meta); err != nil {
		return "", 0, err
	}

	names := make([]string, 0, len(exports))
	for name := range exports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := addFile(tw, name, exports[name]); err != nil {
			return "", 0, err
		}
	}

	for _, dir := range meta.AssetDirs {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		if err := addTree(ctx, tw, filepath.Join(s.opts.AppDir, filepath.FromSlash(dir)), assetsPrefix+dir); err != nil {
			return "", 0, fmt.Errorf("backup: archive %s: %w", dir, err)
		}
	}

	if err := tw.Close(); err != nil {
		return "", 0, err
	}
	if err := zw.Close(); err != nil {
		return "", 0, err
	}
	if err := f.Sync(); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), counter.n, nil
}

// Get returns the description of a stored backup.
func (s *Service) Get(id string) (*snapshot.Backup, error) {
	path := s.archivePath(id)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	meta, err := readMetadata(path)
	if err != nil {
		return nil, err
	}
	sum, _ := s.storedChecksum(id)
	return &snapshot.Backup{
		ID:         meta.ID,
		Label:      meta.Label,
		AppVersion: meta.AppVersion,
		CreatedAt:  meta.CreatedAt,
		Size:       info.Size(),
		Checksum:   sum,
		Path:       path,
	}, nil
}

// List returns every stored backup, newest first.
func (s *Service) List() ([]snapshot.Backup, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []snapshot.Backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, archiveSuffix) {
			continue
		}
		b, err := s.Get(strings.TrimSuffix(name, archiveSuffix))
		if err != nil {
			log.Warnf("skipping unreadable backup %s: %v", name, err)
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a backup archive and its checksum file.
func (s *Service) Delete(id string) error {
	if _, err := os.Stat(s.archivePath(id)); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var result *multierror.Error
	for _, p := range []string{s.archivePath(id), s.sumPath(id)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Verify recomputes the archive checksum and compares it with the stored one.
func (s *Service) Verify(id string) error {
	want, err := s.storedChecksum(id)
	if err != nil {
		return err
	}
	got, _, err := hashFile(s.archivePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrIntegrity, id, want, got)
	}
	return nil
}

func (s *Service) storedChecksum(id string) (string, error) {
	data, err := os.ReadFile(s.sumPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: checksum for %s", ErrNotFound, id)
		}
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty checksum file for %s", ErrIntegrity, id)
	}
	return strings.ToLower(fields[0]), nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func removeAll(dir string) {
	err := os.RemoveAll(dir)
	if err == nil || os.IsNotExist(err) {
		return
	}
	log.Warnf("cannot remove %q: %v", dir, err)
}
