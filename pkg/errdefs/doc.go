/*
Package errdefs defines the failure taxonomy shared by the upgrade engine.

Errors are plain sentinels wrapped with context at the call site, so
classification survives arbitrary wrapping:

	if err := store.Lock(timeout); err != nil {
		// errdefs.IsLock(err) == true
	}

Validation and resource errors always fire before any mutation. Health-check
and rollback errors are surfaced through state and the exit code, never
swallowed.
*/
package errdefs
