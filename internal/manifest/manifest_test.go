package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const releasesJSON = `[
  {
    "tag_name": "v1.2.0-rc.1",
    "name": "1.2.0 rc",
    "published_at": "2024-03-01T10:00:00Z",
    "body": "Release candidate",
    "prerelease": true,
    "assets": [{"name": "app-1.2.0-rc.1.tar.gz", "browser_download_url": "https://dl.example.com/app-1.2.0-rc.1.tar.gz", "size": 2048}]
  },
  {
    "tag_name": "v1.1.0",
    "name": "Spring release",
    "published_at": "2024-02-01T10:00:00Z",
    "body": "New dashboard.\n\nBREAKING: settings moved.\nsha256: ABCDEF0123456789\nruntime: >=18.17.0",
    "assets": [
      {"name": "notes.txt", "browser_download_url": "https://dl.example.com/notes.txt", "size": 10},
      {"name": "app-1.1.0.tar.gz", "browser_download_url": "https://dl.example.com/app-1.1.0.tar.gz", "size": 4096}
    ]
  },
  {
    "tag_name": "v1.3.0",
    "body": "draft",
    "draft": true,
    "assets": [{"name": "app.tar.gz", "browser_download_url": "https://dl.example.com/app.tar.gz", "size": 1}]
  },
  {
    "tag_name": "1.0.0",
    "published_at": "2024-01-01T10:00:00Z",
    "body": "Initial release. Run the seed script manually.",
    "tarball_url": "https://api.example.com/tarball/1.0.0",
    "checksum": "sha256:00ff00ff",
    "force_update": true
  }
]`

func newManifestServer(t *testing.T, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestClient(t *testing.T, url, current string, opts ...func(*Options)) *Client {
	t.Helper()
	versionFile := filepath.Join(t.TempDir(), "VERSION")
	if current != "" {
		require.NoError(t, os.WriteFile(versionFile, []byte(current+"\n"), 0644))
	}
	o := Options{URL: url, VersionFile: versionFile}
	for _, fn := range opts {
		fn(&o)
	}
	return NewClient(o)
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.0", "1.10.0", -1},
		{"2.0.0", "2.0.0", 0},
		{"1.2.0-beta", "1.2.0", 0},
		{"1.10.0", "1.2.0", 1},
		{"v1.2", "1.2.0", 0},
		{"1.2", "1.2.1", -1},
		{"1.2.3.4", "1.2.3", 1},
		{"1.2.x", "1.2.0", 0},
		{"2", "10", -1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b))
		})
	}
}

func TestFetchNormalizesReleases(t *testing.T) {
	srv, _ := newManifestServer(t, releasesJSON)
	c := newTestClient(t, srv.URL, "1.0.0")

	releases, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, releases, 2, "draft and prerelease entries are dropped")

	assert.Equal(t, "1.1.0", releases[0].Version)
	assert.Equal(t, "https://dl.example.com/app-1.1.0.tar.gz", releases[0].DownloadURL)
	assert.Equal(t, int64(4096), releases[0].FileSize)
	assert.Equal(t, "abcdef0123456789", releases[0].Checksum)
	assert.Equal(t, "18.17.0", releases[0].MinRuntimeVersion)
	assert.Equal(t, "New dashboard.", releases[0].Changelog)
	assert.True(t, releases[0].BreakingChanges)
	assert.False(t, releases[0].RequiresManualSteps)

	assert.Equal(t, "1.0.0", releases[1].Version)
	assert.Equal(t, "https://api.example.com/tarball/1.0.0", releases[1].DownloadURL)
	assert.Equal(t, "00ff00ff", releases[1].Checksum)
	assert.True(t, releases[1].RequiresManualSteps)
	assert.False(t, releases[1].BreakingChanges)
}

func TestFetchIncludesPrereleasesWhenConfigured(t *testing.T) {
	srv, _ := newManifestServer(t, releasesJSON)
	c := newTestClient(t, srv.URL, "1.0.0", func(o *Options) { o.IncludePrereleases = true })

	releases, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, releases, 3)
	assert.Equal(t, "1.2.0-rc.1", releases[0].Version)

	latest, err := c.LatestStable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", latest.Version)
}

func TestFetchUsesCacheWithinWindow(t *testing.T) {
	srv, hits := newManifestServer(t, releasesJSON)
	c := newTestClient(t, srv.URL, "1.0.0")

	first, err := c.Fetch(context.Background())
	require.NoError(t, err)
	second, err := c.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestFetchRefetchesAfterExpiry(t *testing.T) {
	srv, hits := newManifestServer(t, releasesJSON)
	c := newTestClient(t, srv.URL, "1.0.0", func(o *Options) { o.CacheTTL = 50 * time.Millisecond })

	_, err := c.Fetch(context.Background())
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)
	_, err = c.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
}

func TestRefreshBypassesCache(t *testing.T) {
	srv, hits := newManifestServer(t, releasesJSON)
	c := newTestClient(t, srv.URL, "1.0.0")

	_, err := c.Fetch(context.Background())
	require.NoError(t, err)
	_, err = c.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
}

func TestFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, "1.0.0")

	_, err := c.Fetch(context.Background())
	assert.Error(t, err)
}

func TestFetchWithoutURL(t *testing.T) {
	c := newTestClient(t, "", "1.0.0")
	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoURL)
}

func TestIsUpdateAvailable(t *testing.T) {
	srv, _ := newManifestServer(t, releasesJSON)

	c := newTestClient(t, srv.URL, "1.0.0")
	av, err := c.IsUpdateAvailable(context.Background())
	require.NoError(t, err)
	assert.True(t, av.Available)
	assert.Equal(t, "1.0.0", av.CurrentVersion)
	assert.Equal(t, "1.1.0", av.LatestVersion)
	require.NotNil(t, av.Latest)
	assert.Equal(t, "1.1.0", av.Latest.Version)

	c = newTestClient(t, srv.URL, "1.1.0")
	av, err = c.IsUpdateAvailable(context.Background())
	require.NoError(t, err)
	assert.False(t, av.Available)
	assert.Nil(t, av.Latest)
}

func TestMandatoryReleaseCannotBeSkipped(t *testing.T) {
	srv, _ := newManifestServer(t, releasesJSON)

	c := newTestClient(t, srv.URL, "0.5.0")
	av, err := c.IsUpdateAvailable(context.Background())
	require.NoError(t, err)
	assert.True(t, av.Available)
	assert.True(t, av.Mandatory, "1.0.0 is mandatory and newer than 0.5.0")
	assert.Contains(t, FormatAvailability(av), "Update available: 1.1.0 (mandatory)")

	c = newTestClient(t, srv.URL, "1.0.0")
	av, err = c.IsUpdateAvailable(context.Background())
	require.NoError(t, err)
	assert.True(t, av.Available)
	assert.False(t, av.Mandatory)

	rel, err := c.Find(context.Background(), "1.0.0")
	require.NoError(t, err)
	assert.True(t, rel.Mandatory)
}

func TestIsUpdateAvailableMatchesCompare(t *testing.T) {
	srv, _ := newManifestServer(t, releasesJSON)
	for _, current := range []string{"0.9.0", "1.0.0", "1.0.9", "1.1.0", "1.1.0-beta", "1.2.0", "2.0.0"} {
		c := newTestClient(t, srv.URL, current)
		av, err := c.IsUpdateAvailable(context.Background())
		require.NoError(t, err)
		assert.Equal(t, CompareVersions(current, "1.1.0") < 0, av.Available, current)
	}
}

func TestAvailableUpdatesStrictlyNewer(t *testing.T) {
	srv, _ := newManifestServer(t, releasesJSON)
	c := newTestClient(t, srv.URL, "0.5.0")

	updates, err := c.AvailableUpdates(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, "1.1.0", updates[0].Version)
	assert.Equal(t, "1.0.0", updates[1].Version)

	c = newTestClient(t, srv.URL, "1.0.0")
	updates, err = c.AvailableUpdates(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "1.1.0", updates[0].Version)
}

func TestFind(t *testing.T) {
	srv, _ := newManifestServer(t, releasesJSON)
	c := newTestClient(t, srv.URL, "1.0.0")

	rel, err := c.Find(context.Background(), "v1.1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", rel.Version)

	_, err = c.Find(context.Background(), "9.9.9")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestCurrentVersionMissingMarker(t *testing.T) {
	c := newTestClient(t, "", "")
	v, err := c.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, UnknownVersion, v)
}

func TestFormatReleases(t *testing.T) {
	out := FormatReleases([]Release{
		{Version: "1.1.0", FileSize: 4096, BreakingChanges: true, Checksum: "ab"},
		{Version: "1.0.0"},
	}, "1.0.0")
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "  1.1.0")
	assert.Contains(t, out, "* 1.0.0")
	assert.Contains(t, out, "breaking")
	assert.Contains(t, out, "unverified")

	assert.Equal(t, "No releases found.", FormatReleases(nil, ""))
}
