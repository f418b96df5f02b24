package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/types"
)

// releaseServer serves /download/v<version>/<name> plus a .sha256 sidecar
func releaseServer(t *testing.T, artifact []byte, checksum string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/download/v1.7.0/agent-a":
			w.Write(artifact)
		case "/download/v1.7.0/agent-a.sha256":
			fmt.Fprintf(w, "%s  agent-a\n", checksum)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func testInstaller(t *testing.T) *HTTPInstaller {
	t.Helper()
	inst := NewHTTPInstaller(t.TempDir())
	inst.AllowHTTP = true
	return inst
}

func TestHTTPInstallerStagesVerifiedArtifact(t *testing.T) {
	artifact := []byte("binary payload v1.7.0")
	ts := releaseServer(t, artifact, sha256Hex(artifact))
	inst := testInstaller(t)

	c := &types.Component{Name: "agent-a", ReleaseSource: ts.URL}
	path, err := inst.Install(context.Background(), c, "1.7.0")
	require.NoError(t, err)

	staged, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, artifact, staged)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestHTTPInstallerRejectsChecksumMismatch(t *testing.T) {
	artifact := []byte("binary payload v1.7.0")
	ts := releaseServer(t, artifact, sha256Hex([]byte("something else")))
	inst := testInstaller(t)

	c := &types.Component{Name: "agent-a", ReleaseSource: ts.URL}
	path, err := inst.Install(context.Background(), c, "1.7.0")
	require.Error(t, err)
	assert.True(t, errdefs.IsIntegrity(err))

	// Nothing may be left staged after a failed verification
	assert.Empty(t, path)
	entries, err := os.ReadDir(inst.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHTTPInstallerMissingArtifact(t *testing.T) {
	ts := releaseServer(t, []byte("x"), sha256Hex([]byte("x")))
	inst := testInstaller(t)

	c := &types.Component{Name: "agent-a", ReleaseSource: ts.URL}
	_, err := inst.Install(context.Background(), c, "9.9.9")
	require.Error(t, err)
	assert.True(t, errdefs.IsInstall(err))
}

func TestHTTPInstallerRequiresTLS(t *testing.T) {
	inst := NewHTTPInstaller(t.TempDir())
	c := &types.Component{Name: "agent-a", ReleaseSource: "http://releases.internal"}
	_, err := inst.Install(context.Background(), c, "1.7.0")
	require.Error(t, err)
	assert.True(t, errdefs.IsInstall(err))
	assert.Contains(t, err.Error(), "https")
}

func TestHTTPInstallerNoReleaseSource(t *testing.T) {
	inst := NewHTTPInstaller(t.TempDir())
	c := &types.Component{Name: "agent-a"}
	_, err := inst.Install(context.Background(), c, "1.7.0")
	require.Error(t, err)
	assert.True(t, errdefs.IsInstall(err))
}
