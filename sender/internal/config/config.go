package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values applied when a setting is absent from both the config file
// and the environment.
const (
	DefaultSuffix        = ".bak"
	DefaultStableMinutes = 5
	DefaultPort          = 22
	DefaultDialTimeout   = 30 * time.Second
	DefaultMode          = ModeDaily
	DefaultHour          = 0
	DefaultMinute        = 30
	DefaultPoll          = 30 * time.Second
	DefaultInterval      = 60 * time.Second
	DefaultWebhookType   = "http"
	DefaultLogLevel      = "info"
)

// Schedule modes.
const (
	ModeDaily    = "daily"
	ModeHourly   = "hourly"
	ModeInterval = "interval"
)

// DefaultCompanionLogs are the log files shipped alongside every backup when
// LOG_FILES is not set.
var DefaultCompanionLogs = []string{"backup_fartak.log", "backup.log"}

// Config is the full sender configuration. Fields map 1:1 to
// config.example.yaml; every field can also be set from the environment.
type Config struct {
	Watch    WatchConfig    `yaml:"watch"`
	Remote   RemoteConfig   `yaml:"remote"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

// WatchConfig describes the local directory scanned for backups.
type WatchConfig struct {
	// Dir is the directory the backup job writes archives into. (BACKUP_DIR)
	Dir string `yaml:"dir"`

	// Suffix selects backup archives by file name. (BACKUP_SUFFIX)
	Suffix string `yaml:"suffix"`

	// CompanionLogs are file names in Dir sent after every backup. (LOG_FILES)
	CompanionLogs []string `yaml:"companion_logs"`

	// StableMinutes is how long a file must go unmodified before it is
	// considered complete. (FILE_STABLE_MINUTES)
	StableMinutes int `yaml:"stable_minutes"`
}

// StableThreshold returns StableMinutes as a duration.
func (w WatchConfig) StableThreshold() time.Duration {
	return time.Duration(w.StableMinutes) * time.Minute
}

// RemoteConfig holds the SFTP destination.
type RemoteConfig struct {
	Host     string `yaml:"host"`     // REMOTE_HOST
	Port     int    `yaml:"port"`     // REMOTE_PORT
	User     string `yaml:"user"`     // REMOTE_USER
	Password string `yaml:"password"` // REMOTE_PASSWORD
	KeyFile  string `yaml:"key_file"` // REMOTE_KEY_FILE
	Dir      string `yaml:"dir"`      // REMOTE_DIR

	// DialTimeout bounds the TCP connect and SSH handshake. (REMOTE_DIAL_TIMEOUT)
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ScheduleConfig selects when scan passes run after the startup pass.
type ScheduleConfig struct {
	// Mode is one of: daily | hourly | interval. (SCHEDULE_MODE)
	Mode string `yaml:"mode"`

	// Hour and Minute are the UTC trigger time. Hour is ignored in hourly
	// mode. (CHECK_HOUR_UTC, CHECK_MINUTE_UTC)
	Hour   int `yaml:"hour"`
	Minute int `yaml:"minute"`

	// Poll is how often the clock is compared against the target in daily
	// and hourly modes. (POLL_INTERVAL)
	Poll time.Duration `yaml:"poll"`

	// Interval is the pass cadence in interval mode. (SCHEDULE_INTERVAL)
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig configures the Prometheus textfile exporter.
type MetricsConfig struct {
	// File is rewritten after every pass. Empty disables metrics. (METRICS_FILE)
	File string `yaml:"file"`
}

// NotifyConfig configures the webhook fired when passes start aborting and
// when they recover.
type NotifyConfig struct {
	// URL of the webhook. Empty disables notifications. (NOTIFY_WEBHOOK_URL)
	URL string `yaml:"url"`

	// Type is one of: slack | http. (NOTIFY_WEBHOOK_TYPE)
	Type string `yaml:"type"`
}

// LogConfig holds logging settings. Level is the only setting applied on
// hot reload.
type LogConfig struct {
	Level string `yaml:"level"` // LOG_LEVEL
}

// SlogLevel parses Level. Unknown values were rejected by validate, so the
// fallback to Info only applies to hand-built configs.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set in the environment win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load env file: %w", err)
	}
	return nil
}

// Load builds the configuration from defaults, the optional YAML file at
// path (skipped when path is empty) and the process environment, in that
// order of precedence. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Watch: WatchConfig{
			Suffix:        DefaultSuffix,
			CompanionLogs: append([]string(nil), DefaultCompanionLogs...),
			StableMinutes: DefaultStableMinutes,
		},
		Remote: RemoteConfig{
			Port:        DefaultPort,
			DialTimeout: DefaultDialTimeout,
		},
		Schedule: ScheduleConfig{
			Mode:     DefaultMode,
			Hour:     DefaultHour,
			Minute:   DefaultMinute,
			Poll:     DefaultPoll,
			Interval: DefaultInterval,
		},
		Notify: NotifyConfig{Type: DefaultWebhookType},
		Log:    LogConfig{Level: DefaultLogLevel},
	}
}

// envBinder overlays environment variables onto cfg fields, collecting
// parse errors instead of stopping at the first one.
type envBinder struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (b *envBinder) str(key string, dst *string) {
	if v, ok := b.lookup(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (b *envBinder) integer(key string, dst *int) {
	v, ok := b.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (b *envBinder) duration(key string, dst *time.Duration) {
	v, ok := b.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return
	}
	*dst = d
}

func (b *envBinder) list(key string, dst *[]string) {
	v, ok := b.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// applyEnv overlays the documented environment variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	b := &envBinder{lookup: lookup}

	b.str("BACKUP_DIR", &cfg.Watch.Dir)
	b.str("BACKUP_SUFFIX", &cfg.Watch.Suffix)
	b.list("LOG_FILES", &cfg.Watch.CompanionLogs)
	b.integer("FILE_STABLE_MINUTES", &cfg.Watch.StableMinutes)

	b.str("REMOTE_HOST", &cfg.Remote.Host)
	b.integer("REMOTE_PORT", &cfg.Remote.Port)
	b.str("REMOTE_USER", &cfg.Remote.User)
	b.str("REMOTE_PASSWORD", &cfg.Remote.Password)
	b.str("REMOTE_KEY_FILE", &cfg.Remote.KeyFile)
	b.str("REMOTE_DIR", &cfg.Remote.Dir)
	b.duration("REMOTE_DIAL_TIMEOUT", &cfg.Remote.DialTimeout)

	b.str("SCHEDULE_MODE", &cfg.Schedule.Mode)
	b.integer("CHECK_HOUR_UTC", &cfg.Schedule.Hour)
	b.integer("CHECK_MINUTE_UTC", &cfg.Schedule.Minute)
	b.duration("POLL_INTERVAL", &cfg.Schedule.Poll)
	b.duration("SCHEDULE_INTERVAL", &cfg.Schedule.Interval)

	b.str("METRICS_FILE", &cfg.Metrics.File)
	b.str("NOTIFY_WEBHOOK_URL", &cfg.Notify.URL)
	b.str("NOTIFY_WEBHOOK_TYPE", &cfg.Notify.Type)
	b.str("LOG_LEVEL", &cfg.Log.Level)

	return errors.Join(b.errs...)
}

// validate checks required fields and structural constraints. All problems
// are reported together so a misconfigured deployment can be fixed in one go.
func validate(cfg *Config) error {
	var errs []error
	required := func(val, name string) {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	required(cfg.Watch.Dir, "watch.dir (BACKUP_DIR)")
	required(cfg.Watch.Suffix, "watch.suffix (BACKUP_SUFFIX)")
	required(cfg.Remote.Host, "remote.host (REMOTE_HOST)")
	required(cfg.Remote.User, "remote.user (REMOTE_USER)")
	required(cfg.Remote.Dir, "remote.dir (REMOTE_DIR)")

	if cfg.Remote.Password == "" && cfg.Remote.KeyFile == "" {
		errs = append(errs, fmt.Errorf("one of remote.password (REMOTE_PASSWORD) or remote.key_file (REMOTE_KEY_FILE) is required"))
	}
	if cfg.Remote.Port < 1 || cfg.Remote.Port > 65535 {
		errs = append(errs, fmt.Errorf("remote.port %d out of range", cfg.Remote.Port))
	}
	if cfg.Remote.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("remote.dial_timeout must be positive"))
	}
	if cfg.Watch.StableMinutes < 0 {
		errs = append(errs, fmt.Errorf("watch.stable_minutes must not be negative"))
	}
	for i, name := range cfg.Watch.CompanionLogs {
		if strings.ContainsAny(name, `/\`) {
			errs = append(errs, fmt.Errorf("watch.companion_logs[%d] %q: must be a bare file name", i, name))
		}
	}

	switch cfg.Schedule.Mode {
	case ModeDaily, ModeHourly:
		if cfg.Schedule.Hour < 0 || cfg.Schedule.Hour > 23 {
			errs = append(errs, fmt.Errorf("schedule.hour %d out of range 0-23", cfg.Schedule.Hour))
		}
		if cfg.Schedule.Minute < 0 || cfg.Schedule.Minute > 59 {
			errs = append(errs, fmt.Errorf("schedule.minute %d out of range 0-59", cfg.Schedule.Minute))
		}
		if cfg.Schedule.Poll <= 0 {
			errs = append(errs, fmt.Errorf("schedule.poll must be positive"))
		} else if cfg.Schedule.Poll > time.Minute {
			errs = append(errs, fmt.Errorf("schedule.poll %v would miss the trigger minute", cfg.Schedule.Poll))
		}
	case ModeInterval:
		if cfg.Schedule.Interval <= 0 {
			errs = append(errs, fmt.Errorf("schedule.interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("schedule.mode: unknown mode %q", cfg.Schedule.Mode))
	}

	if cfg.Notify.URL != "" {
		switch cfg.Notify.Type {
		case "slack", "http":
		default:
			errs = append(errs, fmt.Errorf("notify.type: unknown webhook type %q", cfg.Notify.Type))
		}
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", cfg.Log.Level))
	}

	return errors.Join(errs...)
}
