// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package config

import "time"

// Config holds all application configuration.
type Config struct {
	Poller     PollerConfig     `koanf:"poller"`
	Sessions   SessionsConfig   `koanf:"sessions"`
	Rules      RulesConfig      `koanf:"rules"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	NATS       NATSConfig       `koanf:"nats"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Supervisor SupervisorConfig `koanf:"supervisor"`

	// Servers lists every polled media server.
	Servers []MediaServerConfig `koanf:"servers"`

	// MediaServer is a single server configured through environment variables.
	// It is appended to Servers by MediaServers when its URL is set.
	MediaServer MediaServerConfig `koanf:"media_server"`
}

// PollerConfig controls the poll scheduler.
type PollerConfig struct {
	Enabled bool `koanf:"enabled"`

	// Interval between poll cycles.
	Interval time.Duration `koanf:"interval"`

	// SweepInterval between stale-session sweeps.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// FetchTimeout bounds one snapshot fetch.
	FetchTimeout time.Duration `koanf:"fetch_timeout"`

	// ReconcileOnStart runs a reconciliation poll before the first tick.
	ReconcileOnStart bool `koanf:"reconcile_on_start"`
}

// SessionsConfig holds session lifecycle thresholds.
type SessionsConfig struct {
	// StaleTimeout is how long an active session may go unobserved before
	// the sweep force-stops it.
	StaleTimeout time.Duration `koanf:"stale_timeout"`

	// MinPlayTime is the played duration below which a session is a short
	// play and not counted in statistics.
	MinPlayTime time.Duration `koanf:"min_play_time"`

	// WatchCompletionThreshold is the progress fraction at which a play
	// counts as watched.
	WatchCompletionThreshold float64 `koanf:"watch_completion_threshold"`

	// GroupingWindow is how recently a play of the same media must have
	// stopped for a new session to be linked to it as a resume.
	GroupingWindow time.Duration `koanf:"grouping_window"`

	HistoryLookback   time.Duration `koanf:"history_lookback"`
	HistoryMaxPerUser int           `koanf:"history_max_per_user"`
}

// RulesConfig holds rule evaluation settings.
type RulesConfig struct {
	TrustScoreFloor int `koanf:"trust_score_floor"`
	DefaultPenalty  int `koanf:"default_penalty"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"` // 0 = use NumCPU
}

// RedisConfig enables Redis-backed locking, caching and events. When
// disabled every one of those falls back to an in-process implementation.
type RedisConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	LockTTL  time.Duration `koanf:"lock_ttl"`
	LockWait time.Duration `koanf:"lock_wait"`

	// PublishEvents sends session events over Redis pub/sub when NATS is disabled.
	PublishEvents bool `koanf:"publish_events"`
}

// NATSConfig holds session event publishing settings.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	JetStream     bool   `koanf:"jetstream"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// PushToken, when set, must be presented as a bearer token on push events.
	PushToken string `koanf:"push_token"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`

	Caller bool `koanf:"caller"`
}

// SupervisorConfig holds suture supervisor tree settings.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// Server types.
const (
	ServerTypePlex     = "plex"
	ServerTypeJellyfin = "jellyfin"
	ServerTypeEmby     = "emby"
)

// MediaServerConfig describes one polled media server.
type MediaServerConfig struct {
	ID    string `koanf:"id"`
	Type  string `koanf:"type"`
	URL   string `koanf:"url"`
	Token string `koanf:"token"`

	// RequestsPerSecond paces calls to this server. 0 disables pacing.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// MediaServers returns Servers plus the environment-configured server, if any.
func (c *Config) MediaServers() []MediaServerConfig {
	out := make([]MediaServerConfig, 0, len(c.Servers)+1)
	out = append(out, c.Servers...)
	if c.MediaServer.URL == "" {
		return out
	}

	single := c.MediaServer
	if single.ID == "" {
		single.ID = single.Type
	}
	for _, s := range out {
		if s.ID == single.ID {
			return out
		}
	}
	return append(out, single)
}
