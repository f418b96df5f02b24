package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/types"
)

var (
	bucketHistory     = []byte("history")
	bucketCheckpoints = []byte("checkpoints")
)

const (
	stateFile   = "state.json"
	lockFile    = "state.lock"
	historyFile = "history.db"
)

// Store is the durable, lock-protected record of upgrade progress. The live
// state is one JSON document mutated only through AtomicUpdate; terminal runs
// are archived to an append-only BoltDB history log.
type Store struct {
	dir       string
	statePath string
	lock      *FileLock
	db        *bolt.DB

	// mu serializes in-process read-modify-write cycles; the file lock only
	// excludes other processes
	mu sync.Mutex
}

// NewStore opens the state store under dataDir, creating it if needed
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, historyFile), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketHistory, bucketCheckpoints} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		dir:       dataDir,
		statePath: filepath.Join(dataDir, stateFile),
		lock:      NewFileLock(filepath.Join(dataDir, lockFile)),
		db:        db,
	}, nil
}

// Close closes the history database. It does not release a held lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lock acquires the exclusive cross-process lock for the full duration of a
// mutating operation. On timeout the caller must abort, never proceed
// unlocked.
func (s *Store) Lock(timeout time.Duration, upgradeID string) error {
	return s.lock.Acquire(timeout, upgradeID)
}

// Unlock releases the lock
func (s *Store) Unlock() error {
	return s.lock.Release()
}

// Locked reports whether this process holds the lock
func (s *Store) Locked() bool {
	return s.lock.Held()
}

// LockOwner exposes the current lock holder for status reporting
func (s *Store) LockOwner() (*LockInfo, error) {
	return s.lock.Owner()
}

// Load reads the live upgrade state. A missing file yields the idle state.
func (s *Store) Load() (*types.UpgradeState, error) {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return types.NewIdleState(), nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var st types.UpgradeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", s.statePath, err)
	}
	if st.Components == nil {
		st.Components = make(map[string]*types.ComponentState)
	}
	return &st, nil
}

// AtomicUpdate applies transform under a read-modify-write. The new state is
// written to a temporary file in the same directory and renamed over the
// target, so no partial write is ever visible to readers. The caller must
// hold the lock.
func (s *Store) AtomicUpdate(transform func(*types.UpgradeState) error) (*types.UpgradeState, error) {
	if !s.lock.Held() {
		return nil, errdefs.Lockf("state mutation without holding the lock")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := transform(st); err != nil {
		return nil, err
	}
	if err := s.write(st); err != nil {
		return nil, err
	}
	return st, nil
}

// write persists st via temp file + atomic rename
func (s *Store) write(st *types.UpgradeState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, stateFile+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.statePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Checkpoint snapshots the current live state under label for manual
// inspection. Checkpoints do not enable rollback; the backup manager does.
func (s *Store) Checkpoint(label string) error {
	st, err := s.Load()
	if err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s@%s", label, time.Now().UTC().Format(time.RFC3339Nano))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(key), data)
	})
}

// ArchiveAndReset moves the live state to the history log keyed by
// upgrade_id, then resets live state to idle. Called only on terminal
// success or explicit acknowledgment; a failed run stays live so resume can
// continue it.
func (s *Store) ArchiveAndReset() error {
	if !s.lock.Held() {
		return errdefs.Lockf("archive without holding the lock")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.Load()
	if err != nil {
		return err
	}
	if st.UpgradeID == "" {
		return fmt.Errorf("no active upgrade to archive")
	}

	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHistory).Put([]byte(st.UpgradeID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to archive upgrade %s: %w", st.UpgradeID, err)
	}

	return s.write(types.NewIdleState())
}

// History returns archived runs, newest first, up to limit (0 = all)
func (s *Store) History(limit int) ([]*types.UpgradeState, error) {
	var runs []*types.UpgradeState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHistory).ForEach(func(_, v []byte) error {
			var st types.UpgradeState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			runs = append(runs, &st)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].FinishedAt.After(runs[j].FinishedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
