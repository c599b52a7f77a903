// Package syncconfig loads offsync settings from ~/.config/offsync/config.json
// with OFFSYNC_* environment overrides. The CLI loads it once and passes the
// result down explicitly.
package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// BreakerConfig tunes the remote circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
	OpenTimeout         string `json:"open_timeout,omitempty"` // duration string, default "30s"
	HalfOpenRequests    int    `json:"half_open_requests,omitempty"`
}

// RemoteConfig locates the shared remote store.
type RemoteConfig struct {
	Driver  string        `json:"driver,omitempty"` // "pgx" or "sqlite"
	DSN     string        `json:"dsn,omitempty"`
	Breaker BreakerConfig `json:"breaker"`
}

// LocalConfig locates the local replica.
type LocalConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" (modernc) or "sqlite3" (mattn)
	Dir    string `json:"dir,omitempty"`    // directory holding .offsync/
}

// SyncConfig holds engine settings.
type SyncConfig struct {
	PushLimit           int    `json:"push_limit,omitempty"`
	PullLimit           int    `json:"pull_limit,omitempty"`
	MaxConflictAttempts *int   `json:"max_conflict_attempts,omitempty"` // nil = default 5, 0 = never park
	ConflictBackoff     string `json:"conflict_backoff,omitempty"`      // duration string, default "30s"
	DeviceName          string `json:"device_name,omitempty"`
	SnapshotWorkers     int    `json:"snapshot_workers,omitempty"`
	Interval            string `json:"interval,omitempty"` // duration string, default "1m"
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // text or json
}

// Config is the offsync config stored at ~/.config/offsync/config.json.
type Config struct {
	Remote RemoteConfig `json:"remote"`
	Local  LocalConfig  `json:"local"`
	Sync   SyncConfig   `json:"sync"`
	Log    LogConfig    `json:"log"`
}

// Defaults.
const (
	DefaultRemoteDriver        = "pgx"
	DefaultLocalDriver         = "sqlite"
	DefaultPushLimit           = 100
	DefaultPullLimit           = 500
	DefaultMaxConflictAttempts = 5
	DefaultConflictBackoff     = 30 * time.Second
	DefaultSnapshotWorkers     = 4
	DefaultInterval            = time.Minute
	DefaultBreakerFailures     = 5
	DefaultBreakerTimeout      = 30 * time.Second
	DefaultBreakerHalfOpen     = 1
)

// ConfigDir returns the config directory, creating it if necessary.
// OFFSYNC_CONFIG_DIR overrides ~/.config/offsync.
func ConfigDir() (string, error) {
	dir := os.Getenv("OFFSYNC_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "offsync")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadFile reads config.json without applying environment overrides.
// A missing file yields an empty config.
func LoadFile() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return &cfg, nil
}

// Load reads config.json and applies OFFSYNC_* overrides.
// Priority: env > config.json > default.
func Load() (*Config, error) {
	cfg, err := LoadFile()
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to config.json.
func Save(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

func (c *Config) applyEnv() error {
	setString(&c.Remote.Driver, "OFFSYNC_REMOTE_DRIVER")
	setString(&c.Remote.DSN, "OFFSYNC_REMOTE_DSN")
	setString(&c.Remote.Breaker.OpenTimeout, "OFFSYNC_BREAKER_TIMEOUT")
	setString(&c.Local.Driver, "OFFSYNC_LOCAL_DRIVER")
	setString(&c.Local.Dir, "OFFSYNC_DIR")
	setString(&c.Sync.ConflictBackoff, "OFFSYNC_CONFLICT_BACKOFF")
	setString(&c.Sync.DeviceName, "OFFSYNC_DEVICE_NAME")
	setString(&c.Sync.Interval, "OFFSYNC_SYNC_INTERVAL")
	setString(&c.Log.Level, "OFFSYNC_LOG_LEVEL")
	setString(&c.Log.Format, "OFFSYNC_LOG_FORMAT")

	ints := []struct {
		dst *int
		key string
	}{
		{&c.Remote.Breaker.ConsecutiveFailures, "OFFSYNC_BREAKER_FAILURES"},
		{&c.Remote.Breaker.HalfOpenRequests, "OFFSYNC_BREAKER_HALF_OPEN"},
		{&c.Sync.PushLimit, "OFFSYNC_PUSH_LIMIT"},
		{&c.Sync.PullLimit, "OFFSYNC_PULL_LIMIT"},
		{&c.Sync.SnapshotWorkers, "OFFSYNC_SNAPSHOT_WORKERS"},
	}
	for _, f := range ints {
		n, ok, err := parseIntEnv(f.key)
		if err != nil {
			return err
		}
		if ok {
			*f.dst = n
		}
	}
	n, ok, err := parseIntEnv("OFFSYNC_MAX_CONFLICT_ATTEMPTS")
	if err != nil {
		return err
	}
	if ok {
		c.Sync.MaxConflictAttempts = &n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// parseIntEnv returns ok=false when key is unset. Negative values are rejected.
func parseIntEnv(key string) (int, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("%s: want a non-negative integer, got %q", key, v)
	}
	return n, true, nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// RemoteDriver returns the remote driver name, default "pgx".
func (c *Config) RemoteDriver() string {
	if c.Remote.Driver == "" {
		return DefaultRemoteDriver
	}
	return c.Remote.Driver
}

// LocalDriver returns the local driver name, default "sqlite".
func (c *Config) LocalDriver() string {
	if c.Local.Driver == "" {
		return DefaultLocalDriver
	}
	return c.Local.Driver
}

// PushLimit returns the push batch size.
func (c *Config) PushLimit() int { return orDefault(c.Sync.PushLimit, DefaultPushLimit) }

// PullLimit returns the pull page size.
func (c *Config) PullLimit() int { return orDefault(c.Sync.PullLimit, DefaultPullLimit) }

// SnapshotWorkers bounds concurrent snapshot reads during bootstrap.
func (c *Config) SnapshotWorkers() int {
	return orDefault(c.Sync.SnapshotWorkers, DefaultSnapshotWorkers)
}

// MaxConflictAttempts returns the park threshold. Zero never parks.
func (c *Config) MaxConflictAttempts() int {
	if c.Sync.MaxConflictAttempts == nil {
		return DefaultMaxConflictAttempts
	}
	return *c.Sync.MaxConflictAttempts
}

// ConflictBackoff returns the delay after a first conflict.
func (c *Config) ConflictBackoff() time.Duration {
	return parseDuration(c.Sync.ConflictBackoff, DefaultConflictBackoff)
}

// Interval returns the `sync watch` period.
func (c *Config) Interval() time.Duration {
	return parseDuration(c.Sync.Interval, DefaultInterval)
}

// DeviceName returns the configured device name, falling back to the host name.
func (c *Config) DeviceName() string {
	if c.Sync.DeviceName != "" {
		return c.Sync.DeviceName
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

// BreakerFailures returns consecutive failures before the breaker opens.
func (c *Config) BreakerFailures() int {
	return orDefault(c.Remote.Breaker.ConsecutiveFailures, DefaultBreakerFailures)
}

// BreakerTimeout returns how long the breaker stays open.
func (c *Config) BreakerTimeout() time.Duration {
	return parseDuration(c.Remote.Breaker.OpenTimeout, DefaultBreakerTimeout)
}

// BreakerHalfOpen returns the probe requests allowed while half-open.
func (c *Config) BreakerHalfOpen() int {
	return orDefault(c.Remote.Breaker.HalfOpenRequests, DefaultBreakerHalfOpen)
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.RemoteDriver() {
	case "pgx", "postgres", "sqlite":
	default:
		return fmt.Errorf("remote.driver: unsupported %q", c.Remote.Driver)
	}
	switch c.LocalDriver() {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("local.driver: unsupported %q", c.Local.Driver)
	}
	for key, s := range map[string]string{
		"sync.conflict_backoff":       c.Sync.ConflictBackoff,
		"sync.interval":               c.Sync.Interval,
		"remote.breaker.open_timeout": c.Remote.Breaker.OpenTimeout,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unsupported %q", c.Log.Format)
	}
	return nil
}
