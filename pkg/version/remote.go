package version

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/obstack/upctl/pkg/errdefs"
)

// Release is one entry of a remote release listing
type Release struct {
	TagName     string    `json:"tag_name"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
}

// ReleaseSource lists available releases for a component. Implementations are
// read-only; 403/429 answers surface as errdefs.RateLimitError so callers
// fall back instead of aborting.
type ReleaseSource interface {
	Releases(ctx context.Context, source string) ([]Release, error)
}

// HTTPReleaseSource queries a GitHub-style releases API over HTTPS
type HTTPReleaseSource struct {
	Client *http.Client

	// AllowHTTP permits plain http sources. Only tests set this; production
	// sources must be https.
	AllowHTTP bool
}

// NewHTTPReleaseSource returns a source with a bounded request timeout
func NewHTTPReleaseSource() *HTTPReleaseSource {
	return &HTTPReleaseSource{
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Releases fetches and decodes <source>/releases
func (s *HTTPReleaseSource) Releases(ctx context.Context, source string) ([]Release, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, errdefs.Validationf("invalid release source %q", source)
	}
	if u.Scheme != "https" && !(s.AllowHTTP && u.Scheme == "http") {
		return nil, errdefs.Validationf("release source %q must be https", source)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source+"/releases", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("release query failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		// Rate limited: do not retry immediately, let the resolver fall back
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &errdefs.RateLimitError{StatusCode: resp.StatusCode, Status: resp.Status}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("release query returned %s", resp.Status)
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("failed to decode release list: %w", err)
	}
	return releases, nil
}
