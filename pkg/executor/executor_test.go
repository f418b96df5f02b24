package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obstack/upctl/pkg/backup"
	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/state"
	"github.com/obstack/upctl/pkg/types"
)

type fakeInstaller struct {
	mu       sync.Mutex
	calls    int
	artifact string
	err      error
}

func (f *fakeInstaller) Install(ctx context.Context, c *types.Component, targetVersion string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.artifact, nil
}

func (f *fakeInstaller) installs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSupervisor struct {
	mu      sync.Mutex
	active  bool
	stops   int
	starts  int
	kills   int
	stopErr error
}

func (f *fakeSupervisor) Start(ctx context.Context, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.active = true
	return nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.active = false
	return nil
}

func (f *fakeSupervisor) Kill(ctx context.Context, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	f.active = false
	return nil
}

func (f *fakeSupervisor) IsActive(ctx context.Context, service string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

type fakeProber struct {
	mu       sync.Mutex
	versions map[string]string
}

func (f *fakeProber) InstalledVersion(ctx context.Context, c *types.Component) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[c.Name], nil
}

// harness bundles an executor with its collaborators and the dirs they use
type harness struct {
	exec       *Executor
	store      *state.Store
	installer  *fakeInstaller
	supervisor *fakeSupervisor
	prober     *fakeProber
	component  *types.Component
	health     *httptest.Server
	healthy    *bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	binPath := filepath.Join(dir, "bin", "agent-a")
	require.NoError(t, os.MkdirAll(filepath.Dir(binPath), 0o755))
	require.NoError(t, os.WriteFile(binPath, []byte("old binary v1.6.0"), 0o755))

	artifact := filepath.Join(dir, "staging", "agent-a-1.7.0")
	require.NoError(t, os.MkdirAll(filepath.Dir(artifact), 0o755))
	require.NoError(t, os.WriteFile(artifact, []byte("new binary v1.7.0"), 0o755))

	healthy := true
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	component := &types.Component{
		Name:        "agent-a",
		BinaryPath:  binPath,
		BackupPaths: types.BackupPaths{Binary: binPath},
		Service:     "agent-a.service",
		HealthCheck: types.HealthCheck{
			URL:     ts.URL + "/health",
			Timeout: types.Duration(time.Second),
		},
		Strategy:    types.StrategyPinned,
		Version:     "1.7.0",
		Phase:       1,
		Risk:        types.RiskLow,
		StopTimeout: types.Duration(2 * time.Second),
	}

	store, err := state.NewStore(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Lock(time.Second, "test-run"))
	t.Cleanup(func() { store.Unlock() })

	backups, err := backup.NewManager(filepath.Join(dir, "backups"))
	require.NoError(t, err)

	installer := &fakeInstaller{artifact: artifact}
	supervisor := &fakeSupervisor{active: true}
	prober := &fakeProber{versions: map[string]string{"agent-a": "1.6.0"}}

	policy := types.Policy{
		HealthTimeout: types.Duration(3 * time.Second),
		HealthRetries: 3,
	}

	exec := New(Config{
		Store:      store,
		Backups:    backups,
		Installer:  installer,
		Supervisor: supervisor,
		Prober:     prober,
		Policy:     policy,
	})

	return &harness{
		exec:       exec,
		store:      store,
		installer:  installer,
		supervisor: supervisor,
		prober:     prober,
		component:  component,
		health:     ts,
		healthy:    &healthy,
	}
}

func (h *harness) action(to string) *types.ComponentAction {
	return &types.ComponentAction{Component: h.component, From: "1.6.0", To: to}
}

func componentState(t *testing.T, h *harness, name string) *types.ComponentState {
	t.Helper()
	st, err := h.store.Load()
	require.NoError(t, err)
	cs, ok := st.Components[name]
	require.True(t, ok, "no state recorded for %s", name)
	return cs
}

func TestUpgradeSucceeds(t *testing.T) {
	h := newHarness(t)

	err := h.exec.Upgrade(context.Background(), h.action("1.7.0"))
	require.NoError(t, err)

	cs := componentState(t, h, "agent-a")
	assert.Equal(t, types.ComponentCompleted, cs.Status)
	assert.Equal(t, "1.6.0", cs.FromVersion)
	assert.Equal(t, "1.7.0", cs.ToVersion)
	assert.NotEmpty(t, cs.BackupRef)

	// The staged artifact replaced the live binary
	data, err := os.ReadFile(h.component.BinaryPath)
	require.NoError(t, err)
	assert.Equal(t, "new binary v1.7.0", string(data))

	assert.Equal(t, 1, h.installer.installs())
	assert.Equal(t, 1, h.supervisor.stops)
	assert.Equal(t, 1, h.supervisor.starts)
}

func TestUpgradeAlreadyAtTarget(t *testing.T) {
	h := newHarness(t)
	h.prober.versions["agent-a"] = "1.7.0"

	err := h.exec.Upgrade(context.Background(), h.action("1.7.0"))
	require.NoError(t, err)

	cs := componentState(t, h, "agent-a")
	assert.Equal(t, types.ComponentCompleted, cs.Status)
	assert.Equal(t, 0, h.installer.installs(), "no installer call expected")
	assert.Equal(t, 0, h.supervisor.stops, "service must not be touched")
}

func TestUpgradeBlockedVersion(t *testing.T) {
	h := newHarness(t)
	h.component.BlockedVersions = []string{"1.7.0"}

	err := h.exec.Upgrade(context.Background(), h.action("1.7.0"))
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
	assert.Equal(t, 0, h.installer.installs())
}

func TestUpgradeInsufficientDisk(t *testing.T) {
	h := newHarness(t)
	h.exec.policy.MinDiskBytes = 1 << 30

	orig := diskFree
	diskFree = func(string) (int64, error) { return 1 << 20, nil }
	defer func() { diskFree = orig }()

	err := h.exec.Upgrade(context.Background(), h.action("1.7.0"))
	require.Error(t, err)
	assert.True(t, errdefs.IsResource(err))
	assert.Equal(t, 0, h.installer.installs())
}

func TestUpgradeInstallFailureLeavesServiceRunning(t *testing.T) {
	h := newHarness(t)
	h.installer.err = errdefs.Integrityf("checksum mismatch")

	err := h.exec.Upgrade(context.Background(), h.action("1.7.0"))
	require.Error(t, err)
	assert.True(t, errdefs.IsIntegrity(err))

	cs := componentState(t, h, "agent-a")
	assert.Equal(t, types.ComponentFailed, cs.Status)
	assert.Equal(t, 0, h.supervisor.stops, "service must not be stopped on install failure")

	data, err := os.ReadFile(h.component.BinaryPath)
	require.NoError(t, err)
	assert.Equal(t, "old binary v1.6.0", string(data))
}

func TestUpgradeHealthFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.exec.policy.HealthTimeout = types.Duration(2 * time.Second)
	h.exec.policy.HealthRetries = 2

	// Health tracks what is actually installed: the new binary reports
	// unhealthy, the restored one healthy. This makes the rollback's own
	// health re-verification pass deterministically.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := os.ReadFile(h.component.BinaryPath)
		if err == nil && string(data) == "old binary v1.6.0" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	h.component.HealthCheck.URL = ts.URL + "/health"

	err := h.exec.Upgrade(context.Background(), h.action("1.7.0"))
	require.Error(t, err)
	assert.True(t, errdefs.IsHealthCheck(err))

	cs := componentState(t, h, "agent-a")
	assert.Equal(t, types.ComponentRolledBack, cs.Status)

	// The original binary is back in place
	data, err := os.ReadFile(h.component.BinaryPath)
	require.NoError(t, err)
	assert.Equal(t, "old binary v1.6.0", string(data))
}

func TestUpgradeRollbackFailureSurfacesBoth(t *testing.T) {
	h := newHarness(t)
	*h.healthy = false
	h.exec.policy.HealthTimeout = types.Duration(time.Second)
	h.exec.policy.HealthRetries = 1

	err := h.exec.Upgrade(context.Background(), h.action("1.7.0"))
	require.Error(t, err)
	assert.True(t, errdefs.IsHealthCheck(err))
	assert.Contains(t, err.Error(), "rollback also failed")

	// A failed restore path leaves the component failed, not rolled_back
	cs := componentState(t, h, "agent-a")
	assert.Equal(t, types.ComponentFailed, cs.Status)
}

func TestUpgradeCanceledBetweenSteps(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.exec.Upgrade(ctx, h.action("1.7.0"))
	require.Error(t, err)
	assert.True(t, errdefs.IsCanceled(err))
	assert.Equal(t, 0, h.supervisor.stops, "service must not be touched after cancellation")
}

func TestUpgradeCompatConstraint(t *testing.T) {
	h := newHarness(t)
	peer := &types.Component{Name: "tsdb", BinaryPath: "/opt/tsdb/bin/tsdb"}
	h.prober.versions["tsdb"] = "2.0.0"
	h.exec.lookup = func(name string) *types.Component {
		if name == "tsdb" {
			return peer
		}
		return nil
	}
	h.component.Compat = []types.CompatRule{{Component: "tsdb", Constraint: ">= 3.0.0"}}

	err := h.exec.Upgrade(context.Background(), h.action("1.7.0"))
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
	assert.Contains(t, err.Error(), "tsdb")
	assert.Equal(t, 0, h.installer.installs())

	// A satisfied constraint lets the upgrade proceed
	h.prober.versions["tsdb"] = "3.1.0"
	require.NoError(t, h.exec.Upgrade(context.Background(), h.action("1.7.0")))
}

func TestParseVersionOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    string
		wantErr bool
	}{
		{"plain", "1.6.0", "1.6.0", false},
		{"prefixed", "agent-a version v1.6.0 (build abc123)", "1.6.0", false},
		{"multiline", "agent-a\nversion: 2.3.4-rc.1\n", "2.3.4-rc.1", false},
		{"garbage", "command not found", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVersionOutput("agent-a", tt.output)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
