package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/obsidianstack/backup-sender/sender/internal/ledger"
	"github.com/obsidianstack/backup-sender/sender/internal/stability"
	"github.com/obsidianstack/backup-sender/sender/internal/transfer"
)

// Copier uploads one local file to one remote path.
// *transfer.Client implements it.
type Copier interface {
	Copy(ctx context.Context, localPath, remotePath string) error
}

// Options describes where backups are found and where they go.
type Options struct {
	Dir           string
	Suffix        string
	RemoteDir     string
	CompanionLogs []string
}

// Dispatcher runs scan passes. It holds no per-pass state; the ledger is
// owned by the caller and passed into every RunPass.
type Dispatcher struct {
	opts    Options
	checker *stability.Checker
	client  Copier
	now     func() time.Time // injectable for deterministic tests
	list    func() ([]string, error)
}

// New returns a Dispatcher.
func New(opts Options, checker *stability.Checker, client Copier) *Dispatcher {
	d := &Dispatcher{
		opts:    opts,
		checker: checker,
		client:  client,
		now:     time.Now,
	}
	d.list = d.listBackups
	return d
}

// RemotePath returns the destination for a file name in the watch directory.
func (d *Dispatcher) RemotePath(name string) string {
	return path.Join(d.opts.RemoteDir, name)
}

// RunPass performs one complete pass and records every successfully sent
// backup in sent. The returned error is also stored in Report.Err.
func (d *Dispatcher) RunPass(ctx context.Context, sent *ledger.Ledger) (rep Report, err error) {
	rep = Report{PassID: uuid.NewString(), StartedAt: d.now()}
	log := slog.With("pass_id", rep.PassID)
	defer func() {
		rep.Duration = d.now().Sub(rep.StartedAt)
		rep.Err = err
	}()

	log.Info("dispatch: checking for new backup files", "dir", d.opts.Dir)

	names, err := d.list()
	if err != nil {
		log.Error("dispatch: cannot list watch directory", "dir", d.opts.Dir, "err", err)
		return rep, err
	}

	candidates := sent.Missing(names)
	rep.Candidates = len(candidates)
	if len(candidates) == 0 {
		log.Info("dispatch: no new backups found", "known", sent.Len())
		return rep, nil
	}

	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		local := filepath.Join(d.opts.Dir, name)
		info, err := os.Stat(local)
		if err != nil {
			log.Warn("dispatch: cannot stat backup, skipping", "file", name, "err", err)
			rep.LocalSkips++
			continue
		}

		if !d.checker.StableInfo(info) {
			log.Info("dispatch: skipping backup still being written",
				"file", name,
				"age", d.checker.Age(info.ModTime()).Round(time.Second),
				"threshold", d.checker.Threshold(),
			)
			rep.Unstable = append(rep.Unstable, name)
			continue
		}

		remote := d.RemotePath(name)
		if err := d.client.Copy(ctx, local, remote); err != nil {
			if transfer.IsLocal(err) {
				log.Warn("dispatch: cannot read backup, skipping", "file", name, "err", err)
				rep.LocalSkips++
				continue
			}
			rep.Failed = name
			log.Error("dispatch: transfer failed, aborting pass",
				"file", name,
				"connection", transfer.IsConnection(err),
				"err", err,
			)
			return rep, fmt.Errorf("dispatch: send %q: %w", name, err)
		}

		sent.Insert(name)
		rep.Sent = append(rep.Sent, name)
		log.Info("dispatch: sent backup",
			"file", name,
			"remote", remote,
			"size", humanize.Bytes(uint64(info.Size())),
		)

		d.sendCompanionLogs(ctx, log, &rep)
	}

	log.Info("dispatch: pass complete",
		"sent", len(rep.Sent),
		"unstable", len(rep.Unstable),
		"logs_sent", rep.LogsSent,
	)
	return rep, nil
}

// sendCompanionLogs copies every companion log that exists and is stable.
// Failures are logged and counted but never returned.
func (d *Dispatcher) sendCompanionLogs(ctx context.Context, log *slog.Logger, rep *Report) {
	for _, name := range d.opts.CompanionLogs {
		if ctx.Err() != nil {
			return
		}

		local := filepath.Join(d.opts.Dir, name)
		stable, err := d.checker.Stable(local)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Debug("dispatch: companion log not present", "file", name)
			} else {
				log.Warn("dispatch: cannot stat companion log", "file", name, "err", err)
			}
			continue
		}
		if !stable {
			log.Info("dispatch: skipping companion log still being written", "file", name)
			continue
		}

		if err := d.client.Copy(ctx, local, d.RemotePath(name)); err != nil {
			log.Warn("dispatch: companion log transfer failed, continuing",
				"file", name,
				"connection", transfer.IsConnection(err),
				"err", err,
			)
			rep.LogFailures++
			continue
		}
		rep.LogsSent++
		log.Info("dispatch: sent companion log", "file", name)
	}
}

// listBackups returns the names of backup archives in the watch directory,
// in lexical order. Companion logs are never treated as backups.
func (d *Dispatcher) listBackups() ([]string, error) {
	entries, err := os.ReadDir(d.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list %q: %w", d.opts.Dir, err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, d.opts.Suffix) || slices.Contains(d.opts.CompanionLogs, name) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
