package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/types"
)

// HTTPInstaller downloads release artifacts into a staging directory and
// verifies them against a published sha256 sidecar before handing the staged
// path back. It never touches the live binary; activation does the swap.
type HTTPInstaller struct {
	StagingDir string
	Client     *http.Client

	// AllowHTTP permits plain-HTTP sources. Test hook only.
	AllowHTTP bool
}

// NewHTTPInstaller creates an installer staging downloads under dir
func NewHTTPInstaller(dir string) *HTTPInstaller {
	return &HTTPInstaller{
		StagingDir: dir,
		Client:     &http.Client{Timeout: 5 * time.Minute},
	}
}

// Install fetches the artifact for targetVersion from the component's release
// source and returns the staged, integrity-verified path.
func (i *HTTPInstaller) Install(ctx context.Context, c *types.Component, targetVersion string) (string, error) {
	if c.ReleaseSource == "" {
		return "", errdefs.Installf("component %s has no release source", c.Name)
	}
	if !i.AllowHTTP && !strings.HasPrefix(c.ReleaseSource, "https://") {
		return "", errdefs.Installf("release source for %s must use https: %s", c.Name, c.ReleaseSource)
	}

	if err := os.MkdirAll(i.StagingDir, 0o755); err != nil {
		return "", errdefs.Installf("cannot create staging dir: %v", err)
	}

	base := fmt.Sprintf("%s/download/v%s/%s", strings.TrimRight(c.ReleaseSource, "/"), targetVersion, c.Name)
	dst := filepath.Join(i.StagingDir, fmt.Sprintf("%s-%s", c.Name, targetVersion))

	sum, err := i.fetchChecksum(ctx, base+".sha256")
	if err != nil {
		return "", err
	}

	actual, err := i.fetchArtifact(ctx, base, dst)
	if err != nil {
		return "", err
	}

	if actual != sum {
		os.Remove(dst)
		return "", errdefs.Integrityf("checksum mismatch for %s %s: got %s, want %s",
			c.Name, targetVersion, actual, sum)
	}
	return dst, nil
}

func (i *HTTPInstaller) fetchChecksum(ctx context.Context, url string) (string, error) {
	body, err := i.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, 1024))
	if err != nil {
		return "", errdefs.Installf("failed to read checksum from %s: %v", url, err)
	}
	// Sidecar format is "<hex>" or "<hex>  <filename>"
	sum := strings.Fields(strings.TrimSpace(string(raw)))
	if len(sum) == 0 || len(sum[0]) != sha256.Size*2 {
		return "", errdefs.Integrityf("malformed checksum file at %s", url)
	}
	return strings.ToLower(sum[0]), nil
}

// fetchArtifact streams the artifact to dst and returns its sha256 hex digest
func (i *HTTPInstaller) fetchArtifact(ctx context.Context, url, dst string) (string, error) {
	body, err := i.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return "", errdefs.Installf("cannot stage artifact: %v", err)
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), body); err != nil {
		out.Close()
		os.Remove(dst)
		return "", errdefs.Installf("download of %s failed: %v", url, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", errdefs.Installf("cannot finalize staged artifact: %v", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (i *HTTPInstaller) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errdefs.Installf("invalid artifact URL %s: %v", url, err)
	}
	resp, err := i.Client.Do(req)
	if err != nil {
		return nil, errdefs.Installf("request to %s failed: %v", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errdefs.Installf("unexpected status %s fetching %s", resp.Status, url)
	}
	return resp.Body, nil
}
