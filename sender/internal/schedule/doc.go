// Package schedule decides when scan passes run.
//
// A Scheduler runs one pass immediately, then loops forever according to its
// Policy:
//
//   - Daily: poll the clock every Poll and fire when the UTC hour and minute
//     match, then stay quiet for an hour.
//   - Hourly: as Daily but only the minute has to match; quiet for two minutes.
//   - Interval: fire every Interval unconditionally.
//
// ShouldTrigger is the pure decision function; the loop itself only sleeps
// on an injected Clock, so tests drive it without real waits. Passes run on
// the caller's goroutine, strictly one after another, and the scheduler owns
// the ledger that every pass updates. Run returns only when its context is
// cancelled.
package schedule
