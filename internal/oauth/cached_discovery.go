package oauth

import (
	"context"
	"net/url"
	"time"

	"github.com/revittco/mcpbridge/internal/cache"
)

// discoveryCacheTTL matches SPEC_FULL.md §4.5: a burst of concurrent 401s
// against the same origin should trigger one discovery round-trip.
const discoveryCacheTTL = 10 * time.Minute

// Discoverer wraps DiscoverOAuthServer with a per-origin cache so concurrent
// callers for the same endpoint share one discovery round-trip.
type Discoverer struct {
	cache *cache.Cache[string, *AuthServerMetadata]
}

// NewDiscoverer creates a Discoverer with the default cache size.
func NewDiscoverer() *Discoverer {
	return &Discoverer{cache: cache.New[string, *AuthServerMetadata](256, discoveryCacheTTL)}
}

// Discover returns cached metadata for serverURL's origin if present and
// fresh, otherwise performs discovery and caches the result.
func (d *Discoverer) Discover(ctx context.Context, serverURL string) (*AuthServerMetadata, error) {
	origin := originOf(serverURL)
	return d.cache.GetOrLoad(origin, func() (*AuthServerMetadata, error) {
		return DiscoverOAuthServer(ctx, serverURL)
	})
}

func originOf(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return serverURL
	}
	return u.Scheme + "://" + u.Host
}
