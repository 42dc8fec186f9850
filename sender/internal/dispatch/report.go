package dispatch

import "time"

// Report summarises one pass.
type Report struct {
	PassID    string
	StartedAt time.Time
	Duration  time.Duration

	// Candidates is the number of backups found that were not yet sent.
	Candidates int

	// Sent lists the backups transferred and ledgered during this pass.
	Sent []string

	// Unstable lists backups skipped because they are still being written.
	Unstable []string

	// LocalSkips counts backups skipped because they could not be read.
	LocalSkips int

	LogsSent    int
	LogFailures int

	// Failed names the backup whose transfer aborted the pass, if any.
	Failed string

	// Err is the error that aborted the pass, if any.
	Err error
}

// Aborted reports whether the pass stopped before visiting every candidate.
func (r Report) Aborted() bool {
	return r.Err != nil
}
