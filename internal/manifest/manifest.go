// Package manifest fetches and caches the remote release list and answers
// version questions about it. Release entries use the GitHub releases JSON
// shape; each is normalized into a Release.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/metrics"
)

// DefaultCacheTTL is how long a fetched release list is served from memory.
const DefaultCacheTTL = time.Hour

const (
	cacheKey        = "releases"
	maxManifestSize = 8 << 20
)

var (
	ErrVersionNotFound = errors.New("manifest: version not found")
	ErrNoReleases      = errors.New("manifest: no stable release available")
	ErrNoURL           = errors.New("manifest: no manifest url configured")
)

var (
	checksumLine = regexp.MustCompile(`(?im)^\s*[-*]?\s*(?:sha256|checksum)\s*[:=]\s*(?:sha256:)?\s*([A-Fa-f0-9]{6,128})\b`)
	runtimeLine  = regexp.MustCompile(`(?im)^\s*[-*]?\s*(?:runtime|node|min[_ ]runtime(?:[_ ]version)?)\s*[:=]\s*(?:>=|v)?\s*v?([0-9][0-9A-Za-z.\-]*)`)
	breakingWord = regexp.MustCompile(`(?i)\bbreaking\b`)
	manualWord   = regexp.MustCompile(`(?i)\bmanual\b|\bmanually\b`)
)

var archiveSuffixes = []string{".tar.gz", ".tgz", ".tar", ".zip"}

// Release is one normalized manifest entry.
type Release struct {
	Version             string    `json:"version"`
	Name                string    `json:"name,omitempty"`
	ReleaseDate         time.Time `json:"release_date"`
	Changelog           string    `json:"changelog,omitempty"`
	ReleaseNotes        string    `json:"release_notes,omitempty"`
	DownloadURL         string    `json:"download_url"`
	Checksum            string    `json:"checksum,omitempty"`
	FileSize            int64     `json:"file_size"`
	MinRuntimeVersion   string    `json:"min_runtime_version,omitempty"`
	BreakingChanges     bool      `json:"breaking_changes"`
	RequiresManualSteps bool      `json:"requires_manual_steps"`
	Prerelease          bool      `json:"prerelease"`
	// Mandatory releases must not be skipped: an installation older than
	// one is told so on every check.
	Mandatory bool `json:"mandatory"`
}

// Availability answers "is there something newer than what is installed".
type Availability struct {
	Available      bool      `json:"available"`
	Mandatory      bool      `json:"mandatory"`
	CurrentVersion string    `json:"current_version"`
	LatestVersion  string    `json:"latest_version,omitempty"`
	Latest         *Release  `json:"latest,omitempty"`
	Releases       []Release `json:"releases,omitempty"`
}

type remoteAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

type remoteRelease struct {
	TagName           string        `json:"tag_name"`
	Name              string        `json:"name"`
	PublishedAt       time.Time     `json:"published_at"`
	Body              string        `json:"body"`
	Prerelease        bool          `json:"prerelease"`
	Draft             bool          `json:"draft"`
	TarballURL        string        `json:"tarball_url"`
	Checksum          string        `json:"checksum"`
	MinRuntimeVersion string        `json:"min_runtime_version"`
	Mandatory         bool          `json:"mandatory"`
	ForceUpdate       bool          `json:"force_update"`
	Assets            []remoteAsset `json:"assets"`
}

type Options struct {
	URL                string
	VersionFile        string
	CacheTTL           time.Duration
	IncludePrereleases bool
	HTTPClient         *http.Client
}

// Client is the version manifest client. It is safe for concurrent use.
type Client struct {
	url                string
	marker             *Marker
	ttl                time.Duration
	includePrereleases bool
	httpClient         *http.Client
	cache              *gocache.Cache
}

func NewClient(opts Options) *Client {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		url:                opts.URL,
		marker:             NewMarker(opts.VersionFile),
		ttl:                ttl,
		includePrereleases: opts.IncludePrereleases,
		httpClient:         hc,
		cache:              gocache.New(ttl, 2*ttl),
	}
}

// Marker exposes the installed version marker.
func (c *Client) Marker() *Marker { return c.marker }

// CurrentVersion reads the installed version marker.
func (c *Client) CurrentVersion() (string, error) {
	return c.marker.Read()
}

// WriteCurrentVersion records v as the installed version.
func (c *Client) WriteCurrentVersion(v string) error {
	return c.marker.Write(v)
}

// Fetch returns the release list, sorted newest first. Within the cache
// window no network call is made.
func (c *Client) Fetch(ctx context.Context) ([]Release, error) {
	if cached, ok := c.cache.Get(cacheKey); ok {
		metrics.ManifestFetches.WithLabelValues("cached").Inc()
		return cloneReleases(cached.([]Release)), nil
	}
	return c.Refresh(ctx)
}

// Refresh fetches the release list from the remote source regardless of the
// cache and stores the result.
func (c *Client) Refresh(ctx context.Context) ([]Release, error) {
	releases, err := c.fetchRemote(ctx)
	if err != nil {
		metrics.ManifestFetches.WithLabelValues("error").Inc()
		log.Errorf("failed to fetch release manifest from %s: %v", c.url, err)
		return nil, err
	}
	metrics.ManifestFetches.WithLabelValues("ok").Inc()
	c.cache.Set(cacheKey, releases, c.ttl)
	log.Debugf("fetched %d releases from %s", len(releases), c.url)
	return cloneReleases(releases), nil
}

// Invalidate drops the cached release list.
func (c *Client) Invalidate() {
	c.cache.Delete(cacheKey)
}

func (c *Client) fetchRemote(ctx context.Context) ([]Release, error) {
	if c.url == "" {
		return nil, ErrNoURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "upkeep")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest: fetch: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("manifest: read body: %w", err)
	}

	var remote []remoteRelease
	if err := json.Unmarshal(body, &remote); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}

	releases := make([]Release, 0, len(remote))
	for _, r := range remote {
		if r.Draft {
			continue
		}
		if r.Prerelease && !c.includePrereleases {
			continue
		}
		rel, ok := normalize(r)
		if !ok {
			log.Warnf("skipping release %q: no version or download url", r.TagName)
			continue
		}
		releases = append(releases, rel)
	}
	sortDescending(releases)
	return releases, nil
}

func normalize(r remoteRelease) (Release, bool) {
	rel := Release{
		Version:             NormalizeVersion(r.TagName),
		Name:                r.Name,
		ReleaseDate:         r.PublishedAt,
		Changelog:           firstParagraph(r.Body),
		ReleaseNotes:        r.Body,
		Prerelease:          r.Prerelease,
		BreakingChanges:     breakingWord.MatchString(r.Body),
		RequiresManualSteps: manualWord.MatchString(r.Body),
		Mandatory:           r.Mandatory || r.ForceUpdate,
	}
	if rel.Version == "" {
		return rel, false
	}

	for _, a := range r.Assets {
		if isArchive(a.Name) {
			rel.DownloadURL = a.BrowserDownloadURL
			rel.FileSize = a.Size
			break
		}
	}
	if rel.DownloadURL == "" {
		rel.DownloadURL = r.TarballURL
	}
	if rel.DownloadURL == "" {
		return rel, false
	}

	rel.Checksum = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(r.Checksum), "sha256:"))
	if rel.Checksum == "" {
		if m := checksumLine.FindStringSubmatch(r.Body); m != nil {
			rel.Checksum = strings.ToLower(m[1])
		}
	}

	rel.MinRuntimeVersion = NormalizeVersion(strings.TrimPrefix(strings.TrimSpace(r.MinRuntimeVersion), ">="))
	if rel.MinRuntimeVersion == "" {
		if m := runtimeLine.FindStringSubmatch(r.Body); m != nil {
			rel.MinRuntimeVersion = strings.TrimRight(m[1], ".-")
		}
	}
	return rel, true
}

func isArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range archiveSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

func firstParagraph(body string) string {
	body = strings.TrimSpace(body)
	if i := strings.Index(body, "\n\n"); i >= 0 {
		return strings.TrimSpace(body[:i])
	}
	return body
}

func sortDescending(releases []Release) {
	sort.SliceStable(releases, func(i, j int) bool {
		return CompareVersions(releases[i].Version, releases[j].Version) > 0
	})
}

func cloneReleases(in []Release) []Release {
	out := make([]Release, len(in))
	copy(out, in)
	return out
}

// LatestStable returns the newest non-prerelease entry.
func (c *Client) LatestStable(ctx context.Context) (*Release, error) {
	releases, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	for i := range releases {
		if !releases[i].Prerelease {
			rel := releases[i]
			return &rel, nil
		}
	}
	return nil, ErrNoReleases
}

// Find returns the manifest entry for version.
func (c *Client) Find(ctx context.Context, version string) (*Release, error) {
	releases, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	want := NormalizeVersion(version)
	for i := range releases {
		if releases[i].Version == want {
			rel := releases[i]
			return &rel, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
}

// IsUpdateAvailable compares the installed version with the latest stable
// release.
func (c *Client) IsUpdateAvailable(ctx context.Context) (*Availability, error) {
	current, err := c.CurrentVersion()
	if err != nil {
		return nil, err
	}
	latest, err := c.LatestStable(ctx)
	if errors.Is(err, ErrNoReleases) {
		return &Availability{CurrentVersion: current}, nil
	}
	if err != nil {
		return nil, err
	}

	av := &Availability{
		CurrentVersion: current,
		LatestVersion:  latest.Version,
	}
	if CompareVersions(current, latest.Version) < 0 {
		av.Available = true
		av.Latest = latest
		releases, err := c.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range NewerThan(releases, current) {
			if r.Mandatory {
				av.Mandatory = true
				break
			}
		}
	}
	return av, nil
}

// AvailableUpdates returns every release strictly newer than the installed
// version, newest first.
func (c *Client) AvailableUpdates(ctx context.Context) ([]Release, error) {
	current, err := c.CurrentVersion()
	if err != nil {
		return nil, err
	}
	releases, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return NewerThan(releases, current), nil
}

// NewerThan filters releases to those strictly newer than version, newest
// first.
func NewerThan(releases []Release, version string) []Release {
	out := make([]Release, 0, len(releases))
	for _, r := range releases {
		if CompareVersions(version, r.Version) < 0 {
			out = append(out, r)
		}
	}
	sortDescending(out)
	return out
}
