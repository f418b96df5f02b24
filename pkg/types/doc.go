/*
Package types defines the shared data model for upctl.

The model has three lifetimes:

  - Component and Policy are static configuration, immutable once loaded and
    validated by pkg/config.
  - Plan, PhasePlan, and ComponentAction are derived in memory on every
    invocation and never persisted.
  - UpgradeState (with its per-component ComponentState map), BackupRecord,
    and CacheEntry are durable and owned by pkg/state, pkg/backup, and the
    version cache respectively.

Status values are string-typed constants so persisted JSON stays readable.
Component state transitions are monotonic within one upgrade_id:

	pending → in_progress → completed
	                      ↘ failed → rolled_back
*/
package types
