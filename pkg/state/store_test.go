package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func lockedStore(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	require.NoError(t, s.Lock(time.Second, "test-run"))
	t.Cleanup(func() { s.Unlock() })
	return s
}

func TestLoadMissingFileYieldsIdle(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusIdle, st.Status)
	assert.Empty(t, st.UpgradeID)
	assert.NotNil(t, st.Components)
}

func TestAtomicUpdateRequiresLock(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AtomicUpdate(func(st *types.UpgradeState) error {
		st.Status = types.RunStatusInProgress
		return nil
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsLock(err))
}

func TestAtomicUpdatePersists(t *testing.T) {
	s := lockedStore(t)

	_, err := s.AtomicUpdate(func(st *types.UpgradeState) error {
		st.UpgradeID = "u-1"
		st.Status = types.RunStatusInProgress
		cs := st.Component("vmagent")
		cs.Status = types.ComponentInProgress
		cs.FromVersion = "1.6.0"
		cs.ToVersion = "1.7.0"
		return nil
	})
	require.NoError(t, err)

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "u-1", st.UpgradeID)
	assert.Equal(t, types.RunStatusInProgress, st.Status)
	require.Contains(t, st.Components, "vmagent")
	assert.Equal(t, "1.7.0", st.Components["vmagent"].ToVersion)
}

func TestAtomicUpdateLeavesNoTempFiles(t *testing.T) {
	s := lockedStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.AtomicUpdate(func(st *types.UpgradeState) error {
			st.UpgradeID = "u-1"
			return nil
		})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}
}

func TestAtomicUpdateTransformErrorDiscardsChanges(t *testing.T) {
	s := lockedStore(t)

	_, err := s.AtomicUpdate(func(st *types.UpgradeState) error {
		st.UpgradeID = "u-1"
		return nil
	})
	require.NoError(t, err)

	_, err = s.AtomicUpdate(func(st *types.UpgradeState) error {
		st.UpgradeID = "u-2"
		return assert.AnError
	})
	require.Error(t, err)

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "u-1", st.UpgradeID, "failed transform must not be persisted")
}

func TestArchiveAndReset(t *testing.T) {
	s := lockedStore(t)

	_, err := s.AtomicUpdate(func(st *types.UpgradeState) error {
		st.UpgradeID = "u-complete"
		st.Status = types.RunStatusCompleted
		st.FinishedAt = time.Now()
		st.Component("vmagent").Status = types.ComponentCompleted
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.ArchiveAndReset())

	// Live state back to idle
	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusIdle, st.Status)
	assert.Empty(t, st.UpgradeID)

	// Run retrievable from history
	runs, err := s.History(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "u-complete", runs[0].UpgradeID)
	assert.Equal(t, types.RunStatusCompleted, runs[0].Status)
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	s := lockedStore(t)

	base := time.Now()
	for i, id := range []string{"u-old", "u-mid", "u-new"} {
		finished := base.Add(time.Duration(i) * time.Minute)
		_, err := s.AtomicUpdate(func(st *types.UpgradeState) error {
			st.UpgradeID = id
			st.Status = types.RunStatusCompleted
			st.FinishedAt = finished
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, s.ArchiveAndReset())
	}

	runs, err := s.History(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "u-new", runs[0].UpgradeID)
	assert.Equal(t, "u-mid", runs[1].UpgradeID)
}

func TestCheckpoint(t *testing.T) {
	s := lockedStore(t)

	_, err := s.AtomicUpdate(func(st *types.UpgradeState) error {
		st.UpgradeID = "u-1"
		return nil
	})
	require.NoError(t, err)

	assert.NoError(t, s.Checkpoint("pre-phase-1"))
}

func TestStateFileAlwaysParseable(t *testing.T) {
	s := lockedStore(t)

	_, err := s.AtomicUpdate(func(st *types.UpgradeState) error {
		st.UpgradeID = "u-1"
		return nil
	})
	require.NoError(t, err)

	// The on-disk document is complete JSON at every point in time
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(data)), "}"))
}
