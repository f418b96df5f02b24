/*
Package backup snapshots component artifacts before mutation and restores
them on rollback.

Each backup is a timestamped directory under the component's name holding
copies of the binary, config, and service-definition files plus a record.json
with a sha256 integrity hash per file. Restore verifies the stored artifact
against its recorded hash before copying it back, and re-verifies the
restored file afterwards; any mismatch is a rollback error and the component
is left failed rather than falsely marked recovered.

Component names are validated before any path construction, so a name like
"../etc" can never escape the backup root. Pruning keeps the newest N backups
per component regardless of age.
*/
package backup
