package version

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/types"
)

// memCache is an in-memory Cache for tests
type memCache struct {
	mu      sync.Mutex
	entries map[string]*types.CacheEntry
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*types.CacheEntry)}
}

func (m *memCache) Get(component string) (*types.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[component], nil
}

func (m *memCache) Put(entry *types.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Component] = entry
	return nil
}

func (m *memCache) Close() error { return nil }

func releaseServer(t *testing.T, releases []Release, status int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(releases)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func testSource() *HTTPReleaseSource {
	s := NewHTTPReleaseSource()
	s.AllowHTTP = true
	return s
}

func latestComponent(source string) *types.Component {
	return &types.Component{Name: "vmagent", Strategy: types.StrategyLatest, ReleaseSource: source}
}

func TestResolveOverrideWinsOverEverything(t *testing.T) {
	server, calls := releaseServer(t, []Release{{TagName: "v2.0.0"}}, http.StatusOK)

	r := NewResolver(testSource(), newMemCache(), 15*time.Minute)
	require.NoError(t, r.Override("vmagent", "v1.2.3"))

	res, err := r.Resolve(context.Background(), latestComponent(server.URL))
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", res.Version)
	assert.Equal(t, types.SourceOverride, res.Source)
	assert.Zero(t, *calls, "override must not hit the remote source")
}

func TestResolvePinned(t *testing.T) {
	r := NewResolver(testSource(), nil, 15*time.Minute)
	c := &types.Component{Name: "vmdb", Strategy: types.StrategyPinned, Version: "v1.93.4"}

	res, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "1.93.4", res.Version)
	assert.Equal(t, types.SourceConfig, res.Source)
}

func TestResolveLatestPicksNewestStable(t *testing.T) {
	server, _ := releaseServer(t, []Release{
		{TagName: "v1.6.0"},
		{TagName: "v1.8.0-rc.1", Prerelease: true},
		{TagName: "v1.7.0"},
	}, http.StatusOK)

	cache := newMemCache()
	r := NewResolver(testSource(), cache, 15*time.Minute)

	res, err := r.Resolve(context.Background(), latestComponent(server.URL))
	require.NoError(t, err)
	assert.Equal(t, "1.7.0", res.Version)
	assert.Equal(t, types.SourceRemote, res.Source)

	// Successful responses are cached with source tag remote
	entry, _ := cache.Get("vmagent")
	require.NotNil(t, entry)
	assert.Equal(t, "1.7.0", entry.Version)
	assert.Equal(t, types.SourceRemote, entry.Source)
}

func TestResolveRangePicksHighestSatisfying(t *testing.T) {
	server, _ := releaseServer(t, []Release{
		{TagName: "v1.6.0"},
		{TagName: "v1.7.2"},
		{TagName: "v2.1.0"},
	}, http.StatusOK)

	r := NewResolver(testSource(), nil, 15*time.Minute)
	c := &types.Component{
		Name:          "vmagent",
		Strategy:      types.StrategyRange,
		Constraint:    ">= 1.6.0, < 2.0.0",
		ReleaseSource: server.URL,
	}

	res, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "1.7.2", res.Version)
}

func TestResolveFreshCacheSkipsRemoteCall(t *testing.T) {
	server, calls := releaseServer(t, []Release{{TagName: "v1.7.0"}}, http.StatusOK)

	cache := newMemCache()
	_ = cache.Put(&types.CacheEntry{
		Component: "vmagent",
		Version:   "1.6.5",
		Source:    types.SourceRemote,
		FetchedAt: time.Now(),
		TTL:       15 * time.Minute,
	})

	r := NewResolver(testSource(), cache, 15*time.Minute)
	res, err := r.Resolve(context.Background(), latestComponent(server.URL))
	require.NoError(t, err)
	assert.Equal(t, "1.6.5", res.Version)
	assert.Equal(t, types.SourceCache, res.Source)
	assert.Zero(t, *calls)
}

func TestResolveRateLimitFallsBackToStaleCache(t *testing.T) {
	server, _ := releaseServer(t, nil, http.StatusTooManyRequests)

	cache := newMemCache()
	_ = cache.Put(&types.CacheEntry{
		Component: "vmagent",
		Version:   "1.6.0",
		Source:    types.SourceRemote,
		FetchedAt: time.Now().Add(-time.Hour), // expired
		TTL:       15 * time.Minute,
	})

	r := NewResolver(testSource(), cache, 15*time.Minute)
	res, err := r.Resolve(context.Background(), latestComponent(server.URL))
	require.NoError(t, err)
	assert.Equal(t, "1.6.0", res.Version)
	assert.Equal(t, types.SourceCache, res.Source)
}

func TestResolveRateLimitFallsBackToConfiguredVersions(t *testing.T) {
	server, _ := releaseServer(t, nil, http.StatusForbidden)

	t.Run("static fallback", func(t *testing.T) {
		c := latestComponent(server.URL)
		c.FallbackVersion = "1.5.0"
		r := NewResolver(testSource(), newMemCache(), 15*time.Minute)

		res, err := r.Resolve(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, "1.5.0", res.Version)
		assert.Equal(t, types.SourceConfig, res.Source)
	})

	t.Run("manifest default", func(t *testing.T) {
		c := latestComponent(server.URL)
		c.DefaultVersion = "1.0.0"
		r := NewResolver(testSource(), newMemCache(), 15*time.Minute)

		res, err := r.Resolve(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", res.Version)
		assert.Equal(t, types.SourceManifest, res.Source)
	})
}

func TestResolveExhaustedChainIsResolutionError(t *testing.T) {
	server, _ := releaseServer(t, nil, http.StatusForbidden)

	r := NewResolver(testSource(), newMemCache(), 15*time.Minute)
	_, err := r.Resolve(context.Background(), latestComponent(server.URL))
	require.Error(t, err)
	assert.True(t, errdefs.IsResolution(err))
}

func TestHTTPReleaseSourceRejectsPlainHTTP(t *testing.T) {
	s := NewHTTPReleaseSource()
	_, err := s.Releases(context.Background(), "http://example.com/repos/x/y")
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestHTTPReleaseSourceRateLimit(t *testing.T) {
	server, _ := releaseServer(t, nil, http.StatusTooManyRequests)

	_, err := testSource().Releases(context.Background(), server.URL)
	require.Error(t, err)
	assert.True(t, errdefs.IsRateLimit(err))
}
