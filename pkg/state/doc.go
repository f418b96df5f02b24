/*
Package state persists upgrade progress for a single host.

Exactly one upgrade may be active per host. That invariant is enforced by an
exclusive cross-process file lock with claim-and-verify semantics:

 1. Claim the lock file with O_CREATE|O_EXCL and write an ownership record
    {pid, hostname, upgrade_id, acquired_at}.
 2. Re-read the file to verify the claim still belongs to this process.
 3. A lock is stale only if its owner process fails a signal-0 liveness
    probe AND removal happens under a second, short-lived exclusive claim
    (the ".reap" token). The reaper never adopts the lock; it retries the
    normal claim afterwards.

This closes the check-then-remove race of naive lock files: a stale-lock
removal can never delete a lock that a restarted holder just re-acquired.

The live state is a single JSON document. Every mutation goes through
AtomicUpdate, a read-modify-write that lands via temp-file-plus-rename so a
crash never leaves a half-written state file visible. Terminal runs are
archived to an append-only BoltDB history log keyed by upgrade_id; manual
checkpoints go to a sibling bucket. A failed run is retained live, never
reset, so resume can continue it.
*/
package state
