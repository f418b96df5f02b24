package state

import (
	"encoding/json"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/log"
	"github.com/obstack/upctl/pkg/metrics"
)

// LockInfo is the ownership record written into the lock file
type LockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	UpgradeID  string    `json:"upgrade_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLock is an exclusive, cross-process lock. Acquisition is atomic: the
// claim is an O_CREATE|O_EXCL file write, then the claimant re-reads the file
// to verify it still owns the claim. Stale locks (owner process dead) are
// removed only under a second short-lived exclusive claim, never by
// unconditional delete, so a stale-lock removal can never race the original
// holder's restart under a reused identifier.
type FileLock struct {
	path   string
	held   bool
	info   LockInfo
	logger zerolog.Logger
}

// NewFileLock returns an unheld lock on path
func NewFileLock(path string) *FileLock {
	return &FileLock{
		path:   path,
		logger: log.WithComponent("statelock"),
	}
}

// Held reports whether this process currently owns the lock
func (l *FileLock) Held() bool { return l.held }

// Owner returns the current lock file's ownership record, or nil if the lock
// is free
func (l *FileLock) Owner() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// An unreadable lock file is treated as held by an unknown owner
		return &LockInfo{PID: -1}, nil
	}
	return &info, nil
}

// Acquire claims the lock, waiting up to timeout. On timeout it returns a
// lock error; the caller must abort, never proceed unlocked.
func (l *FileLock) Acquire(timeout time.Duration, upgradeID string) error {
	if l.held {
		return errdefs.Lockf("lock %s already held by this process", l.path)
	}

	start := time.Now()
	deadline := start.Add(timeout)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0 // the deadline below bounds the loop

	for {
		ok, err := l.tryClaim(upgradeID)
		if err != nil {
			return err
		}
		if ok {
			metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
			return nil
		}

		if err := l.reapIfStale(); err != nil {
			l.logger.Warn().Err(err).Msg("stale lock reap failed")
		}

		if time.Now().After(deadline) {
			owner, _ := l.Owner()
			if owner != nil {
				return errdefs.Lockf("timed out after %s waiting for lock held by pid %d since %s",
					timeout, owner.PID, owner.AcquiredAt.Format(time.RFC3339))
			}
			return errdefs.Lockf("timed out after %s waiting for lock %s", timeout, l.path)
		}
		time.Sleep(bo.NextBackOff())
	}
}

// tryClaim attempts the atomic create-exclusive claim and verifies ownership
func (l *FileLock) tryClaim(upgradeID string) (bool, error) {
	hostname, _ := os.Hostname()
	info := LockInfo{
		PID:        os.Getpid(),
		Hostname:   hostname,
		UpgradeID:  upgradeID,
		AcquiredAt: time.Now(),
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, errdefs.Lockf("failed to create lock file %s: %v", l.path, err)
	}

	data, _ := json.Marshal(info)
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(l.path)
		return false, errdefs.Lockf("failed to write lock file: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(l.path)
		return false, errdefs.Lockf("failed to close lock file: %v", err)
	}

	// Verify the claim still belongs to us before proceeding
	owner, err := l.Owner()
	if err != nil || owner == nil || owner.PID != info.PID || !owner.AcquiredAt.Equal(info.AcquiredAt) {
		return false, nil
	}

	l.info = info
	l.held = true
	return true, nil
}

// reapIfStale removes the lock file only when (a) the recorded owner process
// is no longer alive and (b) this process holds a second short-lived
// exclusive claim on the reap token. The reaper never adopts the lock; it
// re-enters the acquisition loop afterwards.
func (l *FileLock) reapIfStale() error {
	owner, err := l.Owner()
	if err != nil || owner == nil {
		return err
	}
	if owner.PID <= 0 || processAlive(owner.PID) {
		// Unknown owners are never reaped
		return nil
	}

	reapPath := l.path + ".reap"
	f, err := os.OpenFile(reapPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			// Another process is reaping; clear an abandoned reap token
			if fi, serr := os.Stat(reapPath); serr == nil && time.Since(fi.ModTime()) > 30*time.Second {
				os.Remove(reapPath)
			}
			return nil
		}
		return err
	}
	f.Close()
	defer os.Remove(reapPath)

	// Re-check under the reap claim: the window between the first check and
	// the claim could have seen the lock freed and re-acquired
	owner, err = l.Owner()
	if err != nil || owner == nil {
		return err
	}
	if owner.PID <= 0 || processAlive(owner.PID) {
		return nil
	}

	l.logger.Warn().Int("pid", owner.PID).Msg("removing stale lock from dead process")
	return os.Remove(l.path)
}

// Release gives up the lock. Only the owning process may release.
func (l *FileLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false

	owner, err := l.Owner()
	if err != nil {
		return err
	}
	if owner == nil {
		return nil
	}
	if owner.PID != l.info.PID || !owner.AcquiredAt.Equal(l.info.AcquiredAt) {
		return errdefs.Lockf("lock %s no longer owned by this process", l.path)
	}
	return os.Remove(l.path)
}

// processAlive probes pid with signal 0
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user
	return errors.Is(err, syscall.EPERM)
}
