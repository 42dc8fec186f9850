package metrics

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/obsidianstack/backup-sender/sender/internal/dispatch"
	"github.com/obsidianstack/backup-sender/sender/internal/ledger"
)

// Metric names written to the textfile.
const (
	metricPasses       = "backup_sender_passes_total"
	metricTransfers    = "backup_sender_transfers_total"
	metricUnstable     = "backup_sender_unstable_skips_total"
	metricLocalSkips   = "backup_sender_local_skips_total"
	metricLedgerSize   = "backup_sender_ledger_size"
	metricLastPass     = "backup_sender_last_pass_timestamp_seconds"
	metricLastDuration = "backup_sender_last_pass_duration_seconds"
)

type transferKey struct {
	kind   string // backup | log
	result string // ok | error
}

// Exporter accumulates counters across passes and writes them to a file.
// It is meant to be registered as a schedule.PassHook and, like the
// scheduler, is not safe for concurrent use.
type Exporter struct {
	path string

	passes     map[string]float64 // by result: ok | aborted
	transfers  map[transferKey]float64
	unstable   float64
	localSkips float64

	ledgerSize   float64
	lastPass     time.Time
	lastDuration time.Duration
}

// New returns an Exporter writing to path.
func New(path string) *Exporter {
	return &Exporter{
		path:      path,
		passes:    map[string]float64{"ok": 0, "aborted": 0},
		transfers: make(map[transferKey]float64),
	}
}

// Observe folds rep into the counters and rewrites the file. Write errors
// are logged; metrics never interfere with transfers.
func (e *Exporter) Observe(rep dispatch.Report, sent *ledger.Ledger) {
	if rep.Aborted() {
		e.passes["aborted"]++
	} else {
		e.passes["ok"]++
	}

	e.transfers[transferKey{"backup", "ok"}] += float64(len(rep.Sent))
	if rep.Failed != "" {
		e.transfers[transferKey{"backup", "error"}]++
	}
	e.transfers[transferKey{"log", "ok"}] += float64(rep.LogsSent)
	e.transfers[transferKey{"log", "error"}] += float64(rep.LogFailures)

	e.unstable += float64(len(rep.Unstable))
	e.localSkips += float64(rep.LocalSkips)
	e.ledgerSize = float64(sent.Len())
	e.lastPass = rep.StartedAt
	e.lastDuration = rep.Duration

	if err := e.Write(); err != nil {
		slog.Warn("metrics: cannot write textfile", "path", e.path, "err", err)
	}
}

// Write renders the current values and atomically replaces the file.
func (e *Exporter) Write() error {
	var buf bytes.Buffer
	for _, mf := range e.families() {
		if len(mf.Metric) == 0 {
			continue // the text format rejects empty families
		}
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(e.path), "."+filepath.Base(e.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("metrics: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("metrics: write temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("metrics: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metrics: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), e.path); err != nil {
		return fmt.Errorf("metrics: rename into place: %w", err)
	}
	return nil
}

// families builds the metric families in a stable order.
func (e *Exporter) families() []*dto.MetricFamily {
	passes := family(metricPasses, "Scan passes completed, by outcome.", dto.MetricType_COUNTER)
	for _, result := range sortedKeys(e.passes) {
		passes.Metric = append(passes.Metric, counter(e.passes[result], "result", result))
	}

	transfers := family(metricTransfers, "File transfers attempted, by file kind and outcome.", dto.MetricType_COUNTER)
	keys := make([]transferKey, 0, len(e.transfers))
	for k := range e.transfers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].result < keys[j].result
	})
	for _, k := range keys {
		transfers.Metric = append(transfers.Metric, counter(e.transfers[k], "kind", k.kind, "result", k.result))
	}

	unstable := family(metricUnstable, "Backups skipped because they were still being written.", dto.MetricType_COUNTER)
	unstable.Metric = append(unstable.Metric, counter(e.unstable))

	local := family(metricLocalSkips, "Backups skipped because they could not be read locally.", dto.MetricType_COUNTER)
	local.Metric = append(local.Metric, counter(e.localSkips))

	size := family(metricLedgerSize, "Backups sent since the process started.", dto.MetricType_GAUGE)
	size.Metric = append(size.Metric, gauge(e.ledgerSize))

	last := family(metricLastPass, "Start time of the most recent pass.", dto.MetricType_GAUGE)
	var lastSec float64
	if !e.lastPass.IsZero() {
		lastSec = float64(e.lastPass.UnixNano()) / 1e9
	}
	last.Metric = append(last.Metric, gauge(lastSec))

	dur := family(metricLastDuration, "Duration of the most recent pass.", dto.MetricType_GAUGE)
	dur.Metric = append(dur.Metric, gauge(e.lastDuration.Seconds()))

	return []*dto.MetricFamily{passes, transfers, unstable, local, size, last, dur}
}

func family(name, help string, typ dto.MetricType) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: typ.Enum(),
	}
}

func counter(v float64, labels ...string) *dto.Metric {
	return &dto.Metric{Label: labelPairs(labels), Counter: &dto.Counter{Value: proto.Float64(v)}}
}

func gauge(v float64, labels ...string) *dto.Metric {
	return &dto.Metric{Label: labelPairs(labels), Gauge: &dto.Gauge{Value: proto.Float64(v)}}
}

// labelPairs turns alternating name, value strings into label pairs.
func labelPairs(kv []string) []*dto.LabelPair {
	var out []*dto.LabelPair
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, &dto.LabelPair{Name: proto.String(kv[i]), Value: proto.String(kv[i+1])})
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
