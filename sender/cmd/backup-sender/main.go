package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/obsidianstack/backup-sender/sender/internal/config"
	"github.com/obsidianstack/backup-sender/sender/internal/dispatch"
	"github.com/obsidianstack/backup-sender/sender/internal/metrics"
	"github.com/obsidianstack/backup-sender/sender/internal/notify"
	"github.com/obsidianstack/backup-sender/sender/internal/schedule"
	"github.com/obsidianstack/backup-sender/sender/internal/stability"
	"github.com/obsidianstack/backup-sender/sender/internal/transfer"
)

var (
	version = "unset"
	commit  = "unset"
	date    = "unset"
)

var cli struct {
	Config    string `help:"Optional YAML config file. Environment variables override it." type:"path" env:"BACKUP_SENDER_CONFIG"`
	EnvFile   string `help:"Dotenv file loaded into the environment if present." default:".env" type:"path"`
	LogFormat string `help:"Log output format." enum:"auto,json,text" default:"auto"`

	Version kong.VersionFlag `short:"v" help:"Display version."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("backup-sender"),
		kong.Description("Ships finished backup archives and their logs to a remote host over SFTP."),
		kong.UsageOnError(),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(newHandler(os.Stdout, cli.LogFormat, level)))

	if err := config.LoadEnvFile(cli.EnvFile); err != nil {
		slog.Error("failed to load env file", "path", cli.EnvFile, "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	level.Set(cfg.Log.SlogLevel())

	policy, err := policyFrom(cfg.Schedule)
	if err != nil {
		slog.Error("invalid schedule", "err", err)
		os.Exit(1)
	}

	client, err := transfer.New(cfg.Remote)
	if err != nil {
		slog.Error("failed to set up transfer client", "err", err)
		os.Exit(1)
	}

	slog.Info("backup-sender starting",
		"version", version,
		"dir", cfg.Watch.Dir,
		"suffix", cfg.Watch.Suffix,
		"remote", client.Addr(),
		"remote_dir", cfg.Remote.Dir,
		"schedule", policy.String(),
		"stable_after", cfg.Watch.StableThreshold(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d := dispatch.New(dispatch.Options{
		Dir:           cfg.Watch.Dir,
		Suffix:        cfg.Watch.Suffix,
		RemoteDir:     cfg.Remote.Dir,
		CompanionLogs: cfg.Watch.CompanionLogs,
	}, stability.New(cfg.Watch.StableThreshold()), client)

	sched := schedule.New(policy, d)
	if cfg.Metrics.File != "" {
		sched.OnPass(metrics.New(cfg.Metrics.File).Observe)
		slog.Info("metrics textfile enabled", "path", cfg.Metrics.File)
	}
	if n := notify.New(cfg.Notify); n != nil {
		sched.OnPass(n.Observe)
		slog.Info("webhook notifications enabled", "type", cfg.Notify.Type)
	}

	// Hot-reload applies the log level only; everything else needs a restart.
	if cli.Config != "" {
		go func() {
			if err := config.Watch(ctx, cli.Config, func(updated *config.Config) {
				level.Set(updated.Log.SlogLevel())
				slog.Info("config hot-reloaded; log level applied, other changes take effect on restart",
					"level", updated.Log.Level)
			}); err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
		}()
	}

	sched.Run(ctx)
	slog.Info("backup-sender shutting down", "sent", sched.Ledger().Len())
}

// newHandler picks the slog handler for format. "auto" uses colored text on a
// terminal and JSON otherwise.
func newHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	if format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = "text"
		}
	}
	if format == "text" {
		noColor := true
		if f, ok := w.(*os.File); ok {
			noColor = !isatty.IsTerminal(f.Fd())
		}
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    noColor,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

func policyFrom(sc config.ScheduleConfig) (schedule.Policy, error) {
	mode, err := schedule.ParseMode(sc.Mode)
	if err != nil {
		return schedule.Policy{}, err
	}
	return schedule.Policy{
		Mode:     mode,
		Hour:     sc.Hour,
		Minute:   sc.Minute,
		Poll:     sc.Poll,
		Interval: sc.Interval,
	}, nil
}
