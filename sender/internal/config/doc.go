// Package config loads and watches the sender configuration.
//
// Top-level types:
//   - Config{Watch, Remote, Schedule, Metrics, Notify, Log}: full config tree
//   - WatchConfig: backup directory, archive suffix, companion log names,
//     stability threshold in minutes
//   - RemoteConfig: SFTP host, port, user, password or key file, remote dir
//   - ScheduleConfig: mode (daily|hourly|interval), UTC hour/minute, poll and
//     interval durations
//   - MetricsConfig, NotifyConfig, LogConfig: optional outputs
//
// Load(path) applies defaults (port 22, 5 minute threshold, daily at 00:30
// UTC), then the optional YAML file, then environment variables such as
// BACKUP_DIR and REMOTE_HOST, and finally validates everything at once.
// LoadEnvFile reads a .env file into the environment beforehand.
//
// Watch(ctx, path, onChange) uses fsnotify to detect changes to the YAML file
// and calls onChange with the reloaded Config.
package config
