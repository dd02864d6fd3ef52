package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

func writeJSONMember(tw *tar.Writer, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}

func addFile(tw *tar.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// addTree archives every directory and regular file under root with names
// rooted at prefix. Other file types are skipped.
func addTree(ctx context.Context, tw *tar.Writer, root, prefix string) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := prefix
		if rel != "." {
			name = prefix + "/" + filepath.ToSlash(rel)
		}

		switch {
		case info.IsDir():
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		case info.Mode().IsRegular():
			return addFile(tw, name, p)
		default:
			log.Debugf("backup: skipping %s: not a regular file", p)
			return nil
		}
	})
}

func openArchive(path string) (*os.File, *gzip.Reader, *tar.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("backup: open gzip: %w", err)
	}
	return f, zr, tar.NewReader(zr), nil
}

// readMetadata reads the metadata member, which Create always writes first.
func readMetadata(path string) (*Metadata, error) {
	f, zr, tr, err := openArchive(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defer zr.Close()

	hdr, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("backup: read %s: %w", filepath.Base(path), err)
	}
	if hdr.Name != metadataName {
		return nil, fmt.Errorf("backup: %s: first member is %q, want %s", filepath.Base(path), hdr.Name, metadataName)
	}
	var meta Metadata
	if err := json.NewDecoder(tr).Decode(&meta); err != nil {
		return nil, fmt.Errorf("backup: decode metadata: %w", err)
	}
	return &meta, nil
}
