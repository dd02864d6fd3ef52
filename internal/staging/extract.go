// Package staging unpacks a release artifact into an isolated directory and
// promotes the unpacked tree into the live application directory.
package staging

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

var (
	ErrUnsafePath        = errors.New("staging: unsafe path in archive")
	ErrUnsupportedFormat = errors.New("staging: unsupported archive format")
	ErrEmptyArchive      = errors.New("staging: archive has no files")
)

type format int

const (
	formatUnknown format = iota
	formatTarGz
	formatTar
	formatZip
)

// Extracted describes an unpacked artifact.
type Extracted struct {
	// Root is the directory holding the release tree. When the archive wraps
	// everything in one top-level directory, Root points inside it.
	Root  string
	Files int
}

// SafeJoin joins an archive entry name onto dir, rejecting absolute names and
// any name that would escape dir.
func SafeJoin(dir, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}

// Extract unpacks archive into dir, which is emptied first.
func Extract(ctx context.Context, archive, dir string) (*Extracted, error) {
	f, err := detectFormat(archive)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("staging: clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("staging: create %s: %w", dir, err)
	}

	var files int
	switch f {
	case formatTarGz, formatTar:
		files, err = extractTar(ctx, archive, dir, f == formatTarGz)
	case formatZip:
		files, err = extractZip(ctx, archive, dir)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(archive))
	}
	if err != nil {
		removeAll(dir)
		return nil, err
	}
	if files == 0 {
		removeAll(dir)
		return nil, ErrEmptyArchive
	}

	root, err := releaseRoot(dir)
	if err != nil {
		return nil, err
	}
	log.Debugf("extracted %d files from %s into %s", files, archive, root)
	return &Extracted{Root: root, Files: files}, nil
}

func detectFormat(archive string) (format, error) {
	lower := strings.ToLower(archive)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return formatTarGz, nil
	case strings.HasSuffix(lower, ".tar"):
		return formatTar, nil
	case strings.HasSuffix(lower, ".zip"):
		return formatZip, nil
	}

	// No telling suffix (for example a tarball_url download): sniff.
	f, err := os.Open(archive)
	if err != nil {
		return formatUnknown, err
	}
	defer f.Close()
	head, _ := bufio.NewReader(f).Peek(4)
	switch {
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		return formatTarGz, nil
	case len(head) >= 4 && string(head) == "PK\x03\x04":
		return formatZip, nil
	}
	return formatUnknown, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(archive))
}

func extractTar(ctx context.Context, archive, dir string, gzipped bool) (int, error) {
	f, err := os.Open(archive)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("staging: open gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	files := 0
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, fmt.Errorf("staging: read tar: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		}

		target, err := SafeJoin(dir, hdr.Name)
		if err != nil {
			return files, err
		}
		if err := noSymlinkInPath(dir, target); err != nil {
			return files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeFile(target, os.FileMode(hdr.Mode&0777), tr); err != nil {
				return files, fmt.Errorf("staging: extract %q: %w", hdr.Name, err)
			}
			files++
		case tar.TypeSymlink:
			if err := safeSymlink(dir, target, hdr.Linkname); err != nil {
				return files, err
			}
			files++
		default:
			log.Debugf("skipping %q: unsupported tar entry type %c", hdr.Name, hdr.Typeflag)
		}
	}
	return files, nil
}

func extractZip(ctx context.Context, archive, dir string) (int, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return 0, fmt.Errorf("staging: open zip: %w", err)
	}
	defer zr.Close()

	files := 0
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		target, err := SafeJoin(dir, zf.Name)
		if err != nil {
			return files, err
		}
		if err := noSymlinkInPath(dir, target); err != nil {
			return files, err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			log.Debugf("skipping %q: not a regular file", zf.Name)
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return files, err
		}
		mode := zf.Mode().Perm()
		if mode == 0 {
			mode = 0644
		}
		err = writeFile(target, mode, rc)
		rc.Close()
		if err != nil {
			return files, fmt.Errorf("staging: extract %q: %w", zf.Name, err)
		}
		files++
	}
	return files, nil
}

// safeSymlink creates a relative symlink whose target stays inside dir.
func safeSymlink(dir, link, target string) error {
	if filepath.IsAbs(target) || path.IsAbs(target) {
		return fmt.Errorf("%w: absolute symlink %q", ErrUnsafePath, target)
	}
	resolved := filepath.Join(filepath.Dir(link), filepath.FromSlash(target))
	rel, err := filepath.Rel(dir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: symlink %q escapes archive", ErrUnsafePath, target)
	}
	if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
		return err
	}
	return os.Symlink(target, link)
}

// noSymlinkInPath rejects a target that already exists as a symlink or sits
// below one. Link targets are only checked lexically, so writing through a
// previously extracted link could land outside dir.
func noSymlinkInPath(dir, target string) error {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsafePath, target)
	}
	if rel == "." {
		return nil
	}
	cur := dir
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %q passes through symlink", ErrUnsafePath, filepath.ToSlash(rel))
		}
	}
	return nil
}

// releaseRoot descends into a single wrapping directory, the layout GitHub
// source tarballs use.
func releaseRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

func writeFile(name string, mode os.FileMode, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func removeAll(dir string) {
	err := os.RemoveAll(dir)
	if err == nil || os.IsNotExist(err) {
		return
	}
	log.Warnf("cannot remove %q: %v", dir, err)
}
