package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/upkeep/internal/retry"
)

var payload = []byte(strings.Repeat("release-bytes-", 4096))

func payloadSum() string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func newPayloadServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/app.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	})
	mux.HandleFunc("/redirect-once", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/app.tar.gz", http.StatusFound)
	})
	mux.HandleFunc("/redirect-twice", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/redirect-once", http.StatusFound)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadVerifiesChecksum(t *testing.T) {
	srv := newPayloadServer(t)
	dest := filepath.Join(t.TempDir(), "staging", "app-1.1.0.tar.gz")

	var seen []int
	res, err := New(nil).Download(context.Background(), Request{
		URL:      srv.URL + "/app.tar.gz",
		Dest:     dest,
		Checksum: "sha256:" + strings.ToUpper(payloadSum()),
	}, func(p int) { seen = append(seen, p) })
	require.NoError(t, err)

	assert.Equal(t, dest, res.Path)
	assert.Equal(t, int64(len(payload)), res.Size)
	assert.Equal(t, payloadSum(), res.Checksum)
	require.NotEmpty(t, seen)
	assert.Equal(t, 100, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadChecksumMismatchRemovesFile(t *testing.T) {
	srv := newPayloadServer(t)
	dest := filepath.Join(t.TempDir(), "app.tar.gz")

	_, err := New(nil).Download(context.Background(), Request{
		URL:      srv.URL + "/app.tar.gz",
		Dest:     dest,
		Checksum: "abc123",
	}, nil)
	require.ErrorIs(t, err, ErrIntegrity)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "partial file must be removed")
}

func TestDownloadWithoutChecksum(t *testing.T) {
	srv := newPayloadServer(t)
	dest := filepath.Join(t.TempDir(), "app.tar.gz")

	res, err := New(nil).Download(context.Background(), Request{URL: srv.URL + "/app.tar.gz", Dest: dest}, nil)
	require.NoError(t, err)
	assert.Equal(t, payloadSum(), res.Checksum)
}

func TestDownloadFollowsOneRedirect(t *testing.T) {
	srv := newPayloadServer(t)
	dest := filepath.Join(t.TempDir(), "app.tar.gz")

	_, err := New(nil).Download(context.Background(), Request{URL: srv.URL + "/redirect-once", Dest: dest}, nil)
	require.NoError(t, err)
}

func TestDownloadRejectsSecondRedirect(t *testing.T) {
	srv := newPayloadServer(t)
	dest := filepath.Join(t.TempDir(), "app.tar.gz")

	_, err := New(nil).Download(context.Background(), Request{URL: srv.URL + "/redirect-twice", Dest: dest}, nil)
	require.ErrorIs(t, err, ErrTooManyRedirects)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadHTTPErrorLeavesNothing(t *testing.T) {
	srv := newPayloadServer(t)
	dest := filepath.Join(t.TempDir(), "app.tar.gz")

	_, err := New(nil).Download(context.Background(), Request{URL: srv.URL + "/missing", Dest: dest}, nil)
	require.Error(t, err)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitDelay: time.Millisecond, Multiplier: 1.0, MaxDelay: time.Millisecond}
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	dest := filepath.Join(t.TempDir(), "app.tar.gz")

	res, err := New(nil).WithRetry(fastRetry()).Download(context.Background(), Request{
		URL:      srv.URL,
		Dest:     dest,
		Checksum: payloadSum(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, payloadSum(), res.Checksum)
}

func TestDownloadDoesNotRetryPermanentFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	d := New(nil).WithRetry(fastRetry())

	_, err := d.Download(context.Background(), Request{URL: srv.URL + "/missing", Dest: filepath.Join(t.TempDir(), "a")}, nil)
	var se *retry.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, int32(1), hits.Load())

	_, err = d.Download(context.Background(), Request{URL: srv.URL + "/ok", Dest: filepath.Join(t.TempDir(), "b"), Checksum: "abc123"}, nil)
	require.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, int32(2), hits.Load(), "a corrupt artifact is not fetched again")
}

func TestDownloadGivesUpAfterPolicy(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	dest := filepath.Join(t.TempDir(), "app.tar.gz")

	_, err := New(nil).WithRetry(fastRetry()).Download(context.Background(), Request{URL: srv.URL, Dest: dest}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), hits.Load())
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, payload, 0644))

	sum, err := FileChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, payloadSum(), sum)
}
