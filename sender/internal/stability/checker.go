package stability

import (
	"fmt"
	"io/fs"
	"os"
	"time"
)

// Checker gates files on the age of their last modification.
type Checker struct {
	threshold time.Duration
	now       func() time.Time // injectable for deterministic tests
}

// New returns a Checker using threshold. A zero threshold accepts every file
// whose mtime is not in the future; negative values are treated as zero.
func New(threshold time.Duration) *Checker {
	if threshold < 0 {
		threshold = 0
	}
	return &Checker{threshold: threshold, now: time.Now}
}

// WithClock returns a copy of c that reads the current time from now.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	cp := *c
	cp.now = now
	return &cp
}

// Threshold returns the minimum age a file needs to be considered stable.
func (c *Checker) Threshold() time.Duration {
	return c.threshold
}

// Stable reports whether the file at path has been left unmodified for at
// least the threshold. A path that no longer exists yields an error matching
// fs.ErrNotExist.
func (c *Checker) Stable(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stability: stat %q: %w", path, err)
	}
	return c.StableInfo(info), nil
}

// StableInfo applies the stability rule to an already-obtained FileInfo.
func (c *Checker) StableInfo(info fs.FileInfo) bool {
	return c.stableAt(info.ModTime(), c.now())
}

// Age returns how long ago mtime was, relative to the checker's clock.
// The result is negative when mtime is in the future.
func (c *Checker) Age(mtime time.Time) time.Duration {
	return c.now().Sub(mtime)
}

func (c *Checker) stableAt(mtime, now time.Time) bool {
	elapsed := now.Sub(mtime)
	if elapsed < 0 {
		return false
	}
	return elapsed >= c.threshold
}
