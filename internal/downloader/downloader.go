// Package downloader fetches release artifacts to disk and verifies them.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/metrics"
	"github.com/lyndonlyu/upkeep/internal/retry"
)

const userAgent = "upkeep-downloader"

var (
	// ErrIntegrity is returned when the written file does not hash to the
	// declared checksum.
	ErrIntegrity = errors.New("downloader: checksum mismatch")
	// ErrTooManyRedirects is returned when the server redirects more than once.
	ErrTooManyRedirects = errors.New("downloader: more than one redirect")
)

// ProgressFunc receives the completed percentage (0-100). It is only called
// when the total size is known.
type ProgressFunc func(percent int)

type Request struct {
	URL      string
	Dest     string
	Checksum string // hex sha256, optional "sha256:" prefix
	Size     int64  // expected size when the server sends no Content-Length
}

type Result struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type Downloader struct {
	client *http.Client
	policy retry.Policy
}

// New returns a Downloader that follows at most one redirect hop and tries
// once. A nil client gets a default one.
func New(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > 1 {
			return ErrTooManyRedirects
		}
		return nil
	}
	return &Downloader{client: &c, policy: retry.Once()}
}

// WithRetry repeats transient failures (connection errors, 5xx, 429) with
// the policy's backoff.
func (d *Downloader) WithRetry(p retry.Policy) *Downloader {
	d.policy = p
	return d
}

// Download streams req.URL to req.Dest. On any failure the destination file
// is removed, so success is the only way a file is left behind.
func (d *Downloader) Download(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	res, err := retry.Do(ctx, d.policy, func() (*Result, error, retry.ErrorKind) {
		res, err := d.download(ctx, req, onProgress)
		if err != nil {
			if rmErr := os.Remove(req.Dest); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Warnf("failed to remove partial download %s: %v", req.Dest, rmErr)
			}
			return nil, err, classify(err)
		}
		return res, nil, retry.NonRetriable
	})
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			metrics.DownloadsTotal.WithLabelValues("integrity").Inc()
		} else {
			metrics.DownloadsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	metrics.DownloadsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func (d *Downloader) download(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	log.Debugf("starting download from %s", req.URL)

	if err := os.MkdirAll(filepath.Dir(req.Dest), 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{Code: resp.StatusCode}
	}

	out, err := os.Create(req.Dest)
	if err != nil {
		return nil, fmt.Errorf("failed to create destination file %q: %w", req.Dest, err)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = req.Size
	}
	hasher := sha256.New()
	pw := &progressWriter{total: total, onProgress: onProgress, last: -1}

	written, copyErr := io.Copy(io.MultiWriter(out, hasher, pw), resp.Body)
	closeErr := out.Close()
	metrics.DownloadBytes.Add(float64(written))
	if copyErr != nil {
		return nil, fmt.Errorf("failed to write response body to file: %w", copyErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close %q: %w", req.Dest, closeErr)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if want := NormalizeChecksum(req.Checksum); want != "" && want != sum {
		log.Errorf("checksum mismatch for %s: expected %s, got %s", req.URL, want, sum)
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrIntegrity, want, sum)
	}
	if total > 0 && onProgress != nil && pw.last < 100 {
		onProgress(100)
	}

	log.Infof("successfully downloaded %d bytes to %s", written, req.Dest)
	return &Result{Path: req.Dest, Size: written, Checksum: sum}, nil
}

// classify never retries a corrupt artifact or a redirect loop.
func classify(err error) retry.ErrorKind {
	if errors.Is(err, ErrIntegrity) || errors.Is(err, ErrTooManyRedirects) {
		return retry.NonRetriable
	}
	return retry.Classify(err)
}

// NormalizeChecksum lowercases a hex digest and drops a "sha256:" prefix.
func NormalizeChecksum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "sha256:")
}

// FileChecksum returns the hex sha256 of the file at path.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type progressWriter struct {
	total      int64
	written    int64
	last       int
	onProgress ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.onProgress == nil || p.total <= 0 {
		return len(b), nil
	}
	pct := int(p.written * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	if pct != p.last {
		p.last = pct
		p.onProgress(pct)
	}
	return len(b), nil
}
