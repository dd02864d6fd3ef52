package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/snapshot"
	"github.com/lyndonlyu/upkeep/internal/staging"
)

const restoreSuffix = ".restore"

// Restore puts the data files of backup id back in place, and the asset
// directories too when opts.Assets is set. The archive checksum is verified
// before anything is written. Every member is unpacked next to its target
// first and swapped in only after the whole archive was read.
func (s *Service) Restore(ctx context.Context, id string, opts snapshot.RestoreOptions) error {
	if err := s.Verify(id); err != nil {
		return err
	}
	meta, err := readMetadata(s.archivePath(id))
	if err != nil {
		return err
	}

	r := &restorer{
		appDir:  s.opts.AppDir,
		meta:    meta,
		assets:  opts.Assets,
		written: make(map[string]string),
	}
	if err := r.unpack(ctx, s.archivePath(id)); err != nil {
		r.cleanup()
		return err
	}
	if err := r.verifyData(); err != nil {
		r.cleanup()
		return err
	}
	if err := r.swap(); err != nil {
		r.cleanup()
		return err
	}

	log.WithField("backup", id).Infof("restored %d data files (assets: %t)", len(meta.Data), opts.Assets)
	return nil
}

type restorer struct {
	appDir string
	meta   *Metadata
	assets bool

	// written maps each final target to its unpacked sibling.
	written map[string]string
	order   []string
}

func (r *restorer) unpack(ctx context.Context, path string) error {
	f, zr, tr, err := openArchive(path)
	if err != nil {
		return err
	}
	defer f.Close()
	defer zr.Close()

	for _, d := range r.assetTargets() {
		target := filepath.Join(r.appDir, filepath.FromSlash(d))
		if err := r.track(target); err != nil {
			return err
		}
		if err := os.MkdirAll(r.written[target], 0755); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("backup: read archive: %w", err)
		}

		switch {
		case hdr.Name == metadataName:
			continue
		case strings.HasPrefix(hdr.Name, dataPrefix):
			if hdr.Typeflag != tar.TypeReg {
				continue
			}
			rel := strings.TrimPrefix(hdr.Name, dataPrefix)
			target, err := staging.SafeJoin(r.appDir, rel)
			if err != nil {
				return err
			}
			if err := r.track(target); err != nil {
				return err
			}
			if err := writeMember(r.written[target], os.FileMode(hdr.Mode&0777), tr); err != nil {
				return fmt.Errorf("backup: unpack %s: %w", rel, err)
			}
		case strings.HasPrefix(hdr.Name, assetsPrefix):
			if !r.assets {
				continue
			}
			if err := r.unpackAsset(hdr, tr); err != nil {
				return err
			}
		default:
			log.Debugf("backup: ignoring unknown member %s", hdr.Name)
		}
	}
}

func (r *restorer) unpackAsset(hdr *tar.Header, tr io.Reader) error {
	name := strings.TrimSuffix(strings.TrimPrefix(hdr.Name, assetsPrefix), "/")
	for _, d := range r.meta.AssetDirs {
		if name != d && !strings.HasPrefix(name, d+"/") {
			continue
		}
		base := r.written[filepath.Join(r.appDir, filepath.FromSlash(d))]
		rest := strings.TrimPrefix(strings.TrimPrefix(name, d), "/")
		if rest == "" {
			return nil
		}
		target, err := staging.SafeJoin(base, rest)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, 0755)
		case tar.TypeReg:
			return writeMember(target, os.FileMode(hdr.Mode&0777), tr)
		}
		return nil
	}
	log.Debugf("backup: asset member %s outside recorded dirs", hdr.Name)
	return nil
}

func (r *restorer) assetTargets() []string {
	if !r.assets {
		return nil
	}
	return r.meta.AssetDirs
}

func (r *restorer) track(target string) error {
	if _, ok := r.written[target]; ok {
		return nil
	}
	tmp := target + restoreSuffix
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	r.written[target] = tmp
	r.order = append(r.order, target)
	return nil
}

func (r *restorer) verifyData() error {
	for _, e := range r.meta.Data {
		target := filepath.Join(r.appDir, filepath.FromSlash(e.Path))
		tmp, ok := r.written[target]
		if !ok {
			return fmt.Errorf("%w: %s missing from archive", ErrIntegrity, e.Path)
		}
		sum, _, err := hashFile(tmp)
		if err != nil {
			return err
		}
		if sum != e.SHA256 {
			return fmt.Errorf("%w: %s: expected %s, got %s", ErrIntegrity, e.Path, e.SHA256, sum)
		}
	}
	return nil
}

// swap moves every unpacked sibling over its target. Replaced directories are
// parked first so a failed rename can put them back.
func (r *restorer) swap() error {
	sqlite := make(map[string]bool)
	for _, e := range r.meta.Data {
		if e.SQLite {
			sqlite[filepath.Join(r.appDir, filepath.FromSlash(e.Path))] = true
		}
	}

	for _, target := range r.order {
		tmp := r.written[target]
		if sqlite[target] {
			// Stale journals would be replayed onto the restored database.
			for _, suffix := range []string{"-wal", "-shm", "-journal"} {
				if err := os.Remove(target + suffix); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
		}

		info, err := os.Stat(tmp)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Rename(tmp, target); err != nil {
				return fmt.Errorf("backup: replace %s: %w", target, err)
			}
			continue
		}

		parked := target + ".pre-restore"
		if err := os.RemoveAll(parked); err != nil {
			return err
		}
		hadLive := false
		if _, err := os.Lstat(target); err == nil {
			if err := os.Rename(target, parked); err != nil {
				return fmt.Errorf("backup: park %s: %w", target, err)
			}
			hadLive = true
		}
		if err := os.Rename(tmp, target); err != nil {
			if hadLive {
				os.Rename(parked, target)
			}
			return fmt.Errorf("backup: replace %s: %w", target, err)
		}
		if hadLive {
			removeAll(parked)
		}
	}
	return nil
}

func (r *restorer) cleanup() {
	var result *multierror.Error
	for _, tmp := range r.written {
		if err := os.RemoveAll(tmp); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		log.Warnf("backup: cleanup after failed restore: %v", err)
	}
}

func writeMember(path string, mode os.FileMode, r io.Reader) error {
	if mode == 0 {
		mode = 0644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
