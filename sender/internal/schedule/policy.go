package schedule

import (
	"fmt"
	"time"
)

// Mode selects how passes after the startup pass are triggered.
type Mode int

const (
	Daily Mode = iota
	Hourly
	Interval
)

func (m Mode) String() string {
	switch m {
	case Daily:
		return "daily"
	case Hourly:
		return "hourly"
	case Interval:
		return "interval"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "daily":
		return Daily, nil
	case "hourly":
		return Hourly, nil
	case "interval":
		return Interval, nil
	default:
		return 0, fmt.Errorf("schedule: unknown mode %q", s)
	}
}

// Policy is a complete trigger configuration. Hour and Minute are UTC.
type Policy struct {
	Mode     Mode
	Hour     int
	Minute   int
	Poll     time.Duration
	Interval time.Duration
}

// String describes the policy for logs.
func (p Policy) String() string {
	switch p.Mode {
	case Daily:
		return fmt.Sprintf("daily at %02d:%02d UTC", p.Hour, p.Minute)
	case Hourly:
		return fmt.Sprintf("hourly at minute %02d", p.Minute)
	case Interval:
		return fmt.Sprintf("every %s", p.Interval)
	default:
		return p.Mode.String()
	}
}

// ShouldTrigger reports whether a pass is due at now under p. Clock modes
// compare at minute granularity in UTC; Interval is always due because the
// loop has already waited a full interval.
func ShouldTrigger(now time.Time, p Policy) bool {
	now = now.UTC()
	switch p.Mode {
	case Daily:
		return now.Hour() == p.Hour && now.Minute() == p.Minute
	case Hourly:
		return now.Minute() == p.Minute
	case Interval:
		return true
	default:
		return false
	}
}

// Cooldown is how long the loop sleeps after a triggered pass. It is longer
// than the matching window, so one occurrence never fires twice, and shorter
// than the gap to the next occurrence, so none is skipped.
func Cooldown(p Policy) time.Duration {
	switch p.Mode {
	case Daily:
		return time.Hour
	case Hourly:
		return 2 * time.Minute
	default:
		return p.Interval
	}
}
