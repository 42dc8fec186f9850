// Package dispatch runs one scan pass over the watch directory.
//
// A pass lists the backup archives in the directory, drops the ones already
// in the ledger, and walks the rest in listing order, one at a time:
//
//   - files modified less than the stability threshold ago are skipped and
//     stay candidates for the next pass;
//   - stable files are copied to the remote directory; a connection failure
//     aborts the rest of the pass, a local read failure skips the file;
//   - after each successful copy the backup is recorded in the ledger and
//     every companion log that exists and is stable is copied too. Companion
//     failures are logged and otherwise ignored.
//
// RunPass always returns a Report describing what happened, including on
// abort.
package dispatch
