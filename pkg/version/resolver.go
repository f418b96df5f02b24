package version

import (
	"context"
	"sort"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/rs/zerolog"

	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/log"
	"github.com/obstack/upctl/pkg/metrics"
	"github.com/obstack/upctl/pkg/types"
)

// Resolution is the outcome of resolving one component's target version
type Resolution struct {
	Version string
	Source  types.VersionSource
}

// Resolver turns a component definition into a concrete target version using
// an ordered fallback chain: per-run override, strategy (with cache), cached
// value, static fallback, manifest default.
type Resolver struct {
	source    ReleaseSource
	cache     Cache
	ttl       time.Duration
	overrides map[string]string
	logger    zerolog.Logger
}

// NewResolver creates a resolver. cache may be nil (resolution still works,
// remote failures just lose one fallback layer).
func NewResolver(source ReleaseSource, cache Cache, ttl time.Duration) *Resolver {
	return &Resolver{
		source:    source,
		cache:     cache,
		ttl:       ttl,
		overrides: make(map[string]string),
		logger:    log.WithComponent("resolver"),
	}
}

// Override pins an exact target for one component for this run. Highest
// precedence in the fallback chain.
func (r *Resolver) Override(component, version string) error {
	normalized, err := Normalize(version)
	if err != nil {
		return err
	}
	r.overrides[component] = normalized
	return nil
}

// Resolve returns the target version for c, or a resolution error once every
// source in the fallback chain is exhausted.
func (r *Resolver) Resolve(ctx context.Context, c *types.Component) (Resolution, error) {
	// 1. Explicit per-run override
	if v, ok := r.overrides[c.Name]; ok {
		return Resolution{Version: v, Source: types.SourceOverride}, nil
	}

	// 2. Strategy-driven resolution
	res, err := r.resolveStrategy(ctx, c)
	if err == nil {
		return res, nil
	}
	r.logger.Warn().Err(err).Str("component", c.Name).Msg("strategy resolution failed, falling back")

	// 3. Cached value from a prior resolution
	if entry := r.cached(c.Name, true); entry != nil {
		metrics.ResolverCacheHits.Inc()
		return Resolution{Version: entry.Version, Source: types.SourceCache}, nil
	}

	// 4. Statically configured fallback version
	if c.FallbackVersion != "" {
		if v, nerr := Normalize(c.FallbackVersion); nerr == nil {
			return Resolution{Version: v, Source: types.SourceConfig}, nil
		}
	}

	// 5. Manifest built-in default
	if c.DefaultVersion != "" {
		if v, nerr := Normalize(c.DefaultVersion); nerr == nil {
			return Resolution{Version: v, Source: types.SourceManifest}, nil
		}
	}

	return Resolution{}, errdefs.Resolutionf("every version source exhausted for %s (last: %v)", c.Name, err)
}

func (r *Resolver) resolveStrategy(ctx context.Context, c *types.Component) (Resolution, error) {
	switch c.Strategy {
	case types.StrategyPinned:
		v, err := Normalize(c.Version)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Version: v, Source: types.SourceConfig}, nil

	case types.StrategyRange, types.StrategyLatest:
		// Fresh cache short-circuits the remote call
		if entry := r.cached(c.Name, false); entry != nil {
			metrics.ResolverCacheHits.Inc()
			return Resolution{Version: entry.Version, Source: types.SourceCache}, nil
		}
		metrics.ResolverCacheMisses.Inc()
		return r.resolveRemote(ctx, c)

	default:
		return Resolution{}, errdefs.Validationf("unknown strategy %q for %s", c.Strategy, c.Name)
	}
}

func (r *Resolver) resolveRemote(ctx context.Context, c *types.Component) (Resolution, error) {
	releases, err := r.source.Releases(ctx, c.ReleaseSource)
	if err != nil {
		if errdefs.IsRateLimit(err) {
			r.logger.Warn().Str("component", c.Name).Msg("release source rate limited, not retrying")
		}
		return Resolution{}, err
	}

	candidates := stableVersions(releases)
	if len(candidates) == 0 {
		return Resolution{}, errdefs.Resolutionf("no stable releases for %s", c.Name)
	}

	var picked *goversion.Version
	switch c.Strategy {
	case types.StrategyLatest:
		picked = candidates[len(candidates)-1]
	case types.StrategyRange:
		cs, err := goversion.NewConstraint(c.Constraint)
		if err != nil {
			return Resolution{}, errdefs.Validationf("invalid constraint %q for %s", c.Constraint, c.Name)
		}
		// Highest version satisfying the constraint
		for i := len(candidates) - 1; i >= 0; i-- {
			if cs.Check(candidates[i]) {
				picked = candidates[i]
				break
			}
		}
		if picked == nil {
			return Resolution{}, errdefs.Resolutionf("no release of %s satisfies %q", c.Name, c.Constraint)
		}
	}

	resolved := picked.String()
	if r.cache != nil {
		entry := &types.CacheEntry{
			Component: c.Name,
			Version:   resolved,
			Source:    types.SourceRemote,
			FetchedAt: time.Now(),
			TTL:       r.ttl,
		}
		if err := r.cache.Put(entry); err != nil {
			r.logger.Warn().Err(err).Str("component", c.Name).Msg("failed to cache resolution")
		}
	}
	return Resolution{Version: resolved, Source: types.SourceRemote}, nil
}

// cached returns the component's cache entry. With allowStale the TTL is
// ignored; this is the first fallback after a failed remote call, where a
// stale answer still beats no answer.
func (r *Resolver) cached(component string, allowStale bool) *types.CacheEntry {
	if r.cache == nil {
		return nil
	}
	entry, err := r.cache.Get(component)
	if err != nil || entry == nil {
		return nil
	}
	if !allowStale && !entry.Fresh(time.Now()) {
		return nil
	}
	return entry
}

// stableVersions parses non-prerelease tags and returns them sorted ascending
func stableVersions(releases []Release) []*goversion.Version {
	var out []*goversion.Version
	for _, rel := range releases {
		if rel.Prerelease {
			continue
		}
		v, err := goversion.NewVersion(rel.TagName)
		if err != nil || v.Prerelease() != "" {
			continue
		}
		out = append(out, v)
	}
	sort.Sort(goversion.Collection(out))
	return out
}
