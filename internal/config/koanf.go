// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/sessionkeeper/config.yaml",
	"/etc/sessionkeeper/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Poller: PollerConfig{
			Enabled:          true,
			Interval:         15 * time.Second,
			SweepInterval:    60 * time.Second,
			FetchTimeout:     10 * time.Second,
			ReconcileOnStart: true,
		},
		Sessions: SessionsConfig{
			StaleTimeout:             5 * time.Minute,
			MinPlayTime:              120 * time.Second,
			WatchCompletionThreshold: 0.85,
			GroupingWindow:           5 * time.Minute,
			HistoryLookback:          24 * time.Hour,
			HistoryMaxPerUser:        50,
		},
		Rules: RulesConfig{
			TrustScoreFloor: 0,
			DefaultPenalty:  10,
		},
		Database: DatabaseConfig{
			Path:      "/data/sessionkeeper.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:6379",
			LockTTL:  30 * time.Second,
			LockWait: 10 * time.Second,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "sessionkeeper",
			JetStream:     true,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8181,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// Load reads configuration from defaults, the optional config file and the
// environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

var envMappings = map[string]string{
	// Poller
	"poller_enabled":          "poller.enabled",
	"poll_interval":           "poller.interval",
	"sweep_interval":          "poller.sweep_interval",
	"poll_fetch_timeout":      "poller.fetch_timeout",
	"poll_reconcile_on_start": "poller.reconcile_on_start",

	// Sessions
	"session_stale_timeout":        "sessions.stale_timeout",
	"session_min_play_time":        "sessions.min_play_time",
	"watch_completion_threshold":   "sessions.watch_completion_threshold",
	"session_grouping_window":      "sessions.grouping_window",
	"session_history_lookback":     "sessions.history_lookback",
	"session_history_max_per_user": "sessions.history_max_per_user",

	// Rules
	"trust_score_floor":    "rules.trust_score_floor",
	"rule_default_penalty": "rules.default_penalty",

	// Database
	"duckdb_path":       "database.path",
	"duckdb_max_memory": "database.max_memory",
	"duckdb_threads":    "database.threads",

	// Redis
	"redis_enabled":        "redis.enabled",
	"redis_addr":           "redis.addr",
	"redis_password":       "redis.password",
	"redis_db":             "redis.db",
	"redis_lock_ttl":       "redis.lock_ttl",
	"redis_lock_wait":      "redis.lock_wait",
	"redis_publish_events": "redis.publish_events",

	// NATS
	"nats_enabled":        "nats.enabled",
	"nats_url":            "nats.url",
	"nats_subject_prefix": "nats.subject_prefix",
	"nats_jetstream":      "nats.jetstream",

	// HTTP server
	"http_host":    "server.host",
	"http_port":    "server.port",
	"http_timeout": "server.timeout",
	"push_token":   "server.push_token",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	// Supervisor
	"supervisor_failure_threshold": "supervisor.failure_threshold",
	"supervisor_failure_decay":     "supervisor.failure_decay",
	"supervisor_failure_backoff":   "supervisor.failure_backoff",
	"supervisor_shutdown_timeout":  "supervisor.shutdown_timeout",

	// Single media server
	"media_server_id":    "media_server.id",
	"media_server_type":  "media_server.type",
	"media_server_url":   "media_server.url",
	"media_server_token": "media_server.token",
	"media_server_rps":   "media_server.requests_per_second",
}

// envTransformFunc maps environment variable names to koanf paths.
// Unmapped variables are dropped so unrelated environment does not leak
// into the configuration.
//
// Examples:
//   - POLL_INTERVAL -> poller.interval
//   - REDIS_ADDR -> redis.addr
//   - MEDIA_SERVER_URL -> media_server.url
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
