// Package executor performs a single component's upgrade as a small state
// machine: pre-flight, backup, install, activate, health gate.
//
// The sequence is designed so that every failure lands on the safe side of
// the one non-atomic step, the activation swap:
//
//   - Pre-flight (version probe, disk headroom, compatibility and
//     blocked-version checks) mutates nothing. An installed version equal to
//     the target short-circuits to completed with zero side effects, which is
//     what makes apply and resume idempotent.
//   - Backup runs before any mutation; if it fails the component fails with
//     the system untouched.
//   - Install stages a verified artifact beside the live binary. The running
//     service is not involved, so an install failure needs no rollback.
//   - Activation stops the service, swaps the staged artifact over the live
//     binary, and starts the service again. Cancellation is honored between
//     the earlier steps but not once activation begins: an in-flight swap
//     always runs to its health-check-or-rollback conclusion.
//   - The health gate polls the component's health endpoint with exponential
//     backoff. Exhaustion triggers an automatic rollback: restore the backup,
//     restart, re-verify health. A rollback that restores health leaves the
//     component rolled_back and surfaces the original health error; a failed
//     restore leaves it failed so an operator knows manual intervention is
//     needed.
//
// External process control and artifact installation sit behind the
// Supervisor, Installer and VersionProber interfaces. Default implementations
// shell out to systemctl, download from the component's release source, and
// run the component's own version command.
package executor
