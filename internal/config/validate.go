// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks every configured value and returns all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Poller.Interval <= 0 {
		errs = append(errs, errors.New("poller.interval must be positive"))
	}
	if c.Poller.SweepInterval <= 0 {
		errs = append(errs, errors.New("poller.sweep_interval must be positive"))
	}
	if c.Poller.FetchTimeout <= 0 {
		errs = append(errs, errors.New("poller.fetch_timeout must be positive"))
	}

	if c.Sessions.StaleTimeout <= 0 {
		errs = append(errs, errors.New("sessions.stale_timeout must be positive"))
	}
	if c.Sessions.MinPlayTime < 0 {
		errs = append(errs, errors.New("sessions.min_play_time must not be negative"))
	}
	if t := c.Sessions.WatchCompletionThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("sessions.watch_completion_threshold must be in (0, 1], got %v", t))
	}
	if c.Sessions.GroupingWindow < 0 {
		errs = append(errs, errors.New("sessions.grouping_window must not be negative"))
	}
	if c.Sessions.HistoryLookback <= 0 {
		errs = append(errs, errors.New("sessions.history_lookback must be positive"))
	}
	if c.Sessions.HistoryMaxPerUser <= 0 {
		errs = append(errs, errors.New("sessions.history_max_per_user must be positive"))
	}

	if c.Rules.TrustScoreFloor < 0 || c.Rules.TrustScoreFloor > 100 {
		errs = append(errs, fmt.Errorf("rules.trust_score_floor must be in [0, 100], got %d", c.Rules.TrustScoreFloor))
	}
	if c.Rules.DefaultPenalty < 0 {
		errs = append(errs, errors.New("rules.default_penalty must not be negative"))
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
		}
		if c.Redis.LockTTL <= 0 || c.Redis.LockWait <= 0 {
			errs = append(errs, errors.New("redis.lock_ttl and redis.lock_wait must be positive"))
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	errs = append(errs, validateServers(c.MediaServers())...)

	return errors.Join(errs...)
}

func validateServers(servers []MediaServerConfig) []error {
	var errs []error
	seen := make(map[string]bool, len(servers))

	for i, s := range servers {
		prefix := fmt.Sprintf("servers[%d]", i)
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Errorf("%s.id %q is not unique", prefix, s.ID))
		}
		seen[s.ID] = true

		switch s.Type {
		case ServerTypePlex, ServerTypeJellyfin, ServerTypeEmby:
		default:
			errs = append(errs, fmt.Errorf("%s.type must be plex, jellyfin or emby, got %q", prefix, s.Type))
		}

		if u, err := url.Parse(s.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.url %q is not an absolute URL", prefix, s.URL))
		}
		if s.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("%s.requests_per_second must not be negative", prefix))
		}
	}

	return errs
}
