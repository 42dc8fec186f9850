package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/obsidianstack/backup-sender/sender/internal/config"
	"github.com/obsidianstack/backup-sender/sender/internal/dispatch"
	"github.com/obsidianstack/backup-sender/sender/internal/ledger"
)

const deliveryTimeout = 10 * time.Second

// Event states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// Event is the payload delivered to generic HTTP webhooks.
type Event struct {
	State    string    `json:"state"`
	Message  string    `json:"message"`
	PassID   string    `json:"pass_id"`
	File     string    `json:"file,omitempty"`
	Error    string    `json:"error,omitempty"`
	Failures int       `json:"consecutive_failures"`
	At       time.Time `json:"at"`
}

// Notifier fires once when passes start aborting and once when a pass
// completes again; consecutive aborts in between are only counted. A message
// whose delivery failed is retried on the next pass that calls for it.
//
// Like the scheduler that drives it, a Notifier is not safe for concurrent use.
type Notifier struct {
	cfg      config.NotifyConfig
	client   *http.Client
	failures int
	fired    bool // a firing message was delivered and not yet resolved
}

// New returns a Notifier for cfg, or nil when no webhook URL is configured.
func New(cfg config.NotifyConfig) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: deliveryTimeout},
	}
}

// Observe inspects one pass report and delivers a message on a state change.
// Delivery errors are logged and otherwise ignored. Passes interrupted by
// shutdown are not failures.
func (n *Notifier) Observe(rep dispatch.Report, _ *ledger.Ledger) {
	if errors.Is(rep.Err, context.Canceled) {
		return
	}

	var ev *Event
	switch {
	case rep.Aborted():
		n.failures++
		if n.fired {
			return
		}
		ev = &Event{
			State:   StateFiring,
			Message: "backup transfer pass aborted",
			File:    rep.Failed,
			Error:   rep.Err.Error(),
		}
	case n.failures == 0:
		return
	case !n.fired:
		// The outage was never announced, so there is nothing to resolve.
		n.failures = 0
		return
	default:
		ev = &Event{
			State:   StateResolved,
			Message: "backup transfers recovered",
		}
	}
	ev.PassID = rep.PassID
	ev.Failures = n.failures
	ev.At = rep.StartedAt.Add(rep.Duration).UTC()

	if err := n.deliver(ev); err != nil {
		slog.Error("notify: webhook delivery failed, will retry on the next pass",
			"type", n.cfg.Type, "state", ev.State, "err", err)
		return
	}
	slog.Debug("notify: webhook delivered", "type", n.cfg.Type, "state", ev.State)

	if ev.State == StateResolved {
		n.failures = 0
		n.fired = false
	} else {
		n.fired = true
	}
}

func (n *Notifier) deliver(ev *Event) error {
	var (
		body []byte
		err  error
	)
	switch n.cfg.Type {
	case "slack":
		body, err = json.Marshal(map[string]string{"text": slackText(ev)})
	default:
		body, err = json.Marshal(ev)
	}
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return n.post(body)
}

func (n *Notifier) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func slackText(ev *Event) string {
	if ev.State == StateResolved {
		return fmt.Sprintf("*[RESOLVED]* %s after %d failed pass(es)", ev.Message, ev.Failures)
	}
	if ev.File != "" {
		return fmt.Sprintf("*[FAILING]* %s while sending `%s`: %s", ev.Message, ev.File, ev.Error)
	}
	return fmt.Sprintf("*[FAILING]* %s: %s", ev.Message, ev.Error)
}
