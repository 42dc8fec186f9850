package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/obsidianstack/backup-sender/sender/internal/dispatch"
	"github.com/obsidianstack/backup-sender/sender/internal/ledger"
)

// State is the scheduler's position in its two-state lifecycle.
type State int

const (
	// StateStartup lasts until the startup pass has completed.
	StateStartup State = iota
	// StateWaiting is every moment after that: sleeping or running a
	// triggered pass.
	StateWaiting
)

func (s State) String() string {
	if s == StateStartup {
		return "startup"
	}
	return "waiting"
}

// Runner executes one pass against the ledger it is given.
// *dispatch.Dispatcher implements it.
type Runner interface {
	RunPass(ctx context.Context, sent *ledger.Ledger) (dispatch.Report, error)
}

// PassHook observes every completed pass together with the ledger as it
// stands afterwards.
type PassHook func(rep dispatch.Report, sent *ledger.Ledger)

// Scheduler drives a Runner according to a Policy.
// It is not safe for concurrent use; Run must be called once.
type Scheduler struct {
	policy Policy
	runner Runner
	sent   *ledger.Ledger
	clock  Clock // injectable for tests
	hooks  []PassHook
	state  State
}

// New returns a Scheduler owning a fresh, empty ledger.
func New(p Policy, r Runner) *Scheduler {
	return &Scheduler{
		policy: p,
		runner: r,
		sent:   ledger.New(),
		clock:  realClock{},
		state:  StateStartup,
	}
}

// OnPass registers fn to be called after every pass, in the scheduler's
// goroutine.
func (s *Scheduler) OnPass(fn PassHook) {
	s.hooks = append(s.hooks, fn)
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return s.state
}

// Ledger returns the ledger the scheduler threads through every pass.
func (s *Scheduler) Ledger() *ledger.Ledger {
	return s.sent
}

// Run performs the startup pass and then triggers passes per the policy
// until ctx is cancelled. Pass failures are logged and never end the loop.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("schedule: initial run, sending all existing backups")
	started := s.clock.Now()
	s.runPass(ctx)
	s.state = StateWaiting

	slog.Info("schedule: waiting for next trigger", "policy", s.policy.String())

	// A startup pass that itself fell inside the target window counts as
	// that occurrence.
	if s.policy.Mode != Interval && ShouldTrigger(started, s.policy) {
		if !s.sleep(ctx, Cooldown(s.policy)) {
			return
		}
	}

	for {
		if s.policy.Mode == Interval {
			if !s.sleep(ctx, s.policy.Interval) {
				return
			}
			s.runPass(ctx)
			continue
		}

		if !s.sleep(ctx, s.policy.Poll) {
			return
		}
		if !ShouldTrigger(s.clock.Now(), s.policy) {
			continue
		}
		s.runPass(ctx)
		slog.Info("schedule: pass done, waiting for next occurrence",
			"policy", s.policy.String(), "cooldown", Cooldown(s.policy))
		if !s.sleep(ctx, Cooldown(s.policy)) {
			return
		}
	}
}

// sleep waits for d on the scheduler clock. It returns false if ctx was
// cancelled first.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		slog.Info("schedule: stopping", "reason", ctx.Err())
		return false
	case <-s.clock.After(d):
		return true
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	rep, err := s.runner.RunPass(ctx, s.sent)
	if err != nil && ctx.Err() == nil {
		slog.Error("schedule: pass aborted, unsent backups will be retried on the next trigger",
			"pass_id", rep.PassID, "err", err)
	}

	for _, fn := range s.hooks {
		fn(rep, s.sent)
	}
}
