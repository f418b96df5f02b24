// Package orchestrator coordinates fleet-wide upgrade runs.
//
// A run acquires the exclusive state lock once and holds it end to end, so at
// most one apply, resume or rollback mutates the host at a time. The plan is
// derived fresh on every invocation from resolved targets plus probed
// installed versions and is never persisted; the persisted record is the
// upgrade state the executor writes as it goes.
//
// Phases execute strictly in ascending order because later phases assume
// earlier ones succeeded. Within a low-risk phase, components with no
// dependency edges between them run concurrently up to the policy's
// MaxParallel bound; dependents are serialized behind their dependencies and
// are skipped when a dependency fails. Medium and high risk phases always run
// serially.
//
// Modes change scheduling on failure, never correctness: safe checkpoints
// state before each phase and halts the whole run on the first failure,
// standard continues with components independent of the failure, fast
// additionally drops operator confirmations. A fully successful run is
// archived to history and the live state reset to idle; a failed run is
// retained for resume or rollback.
package orchestrator
