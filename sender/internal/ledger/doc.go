// Package ledger records which backups were transferred during the current
// process lifetime.
//
// The ledger is deliberately not persisted: a restarted sender re-sends every
// backup still present in the watch directory and relies on the remote copy
// being overwritten in place. It has no internal locking and must stay owned
// by the single goroutine that runs scan passes.
package ledger
