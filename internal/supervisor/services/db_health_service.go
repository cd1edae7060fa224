// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package services

import (
	"context"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/logging"
	"github.com/tomtom215/sessionkeeper/internal/metrics"
)

// Pinger is satisfied by *database.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseHealthService pings the database on an interval and exports the
// result as the db_up gauge. Failures are logged, not returned: restarting
// the checker does not help a broken database.
type DatabaseHealthService struct {
	db       Pinger
	interval time.Duration
	timeout  time.Duration
	name     string
}

// NewDatabaseHealthService checks db every interval (one minute if unset).
func NewDatabaseHealthService(db Pinger, interval time.Duration) *DatabaseHealthService {
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := 5 * time.Second
	if timeout > interval {
		timeout = interval
	}
	return &DatabaseHealthService{
		db:       db,
		interval: interval,
		timeout:  timeout,
		name:     "database-health",
	}
}

// Serve implements suture.Service.
func (d *DatabaseHealthService) Serve(ctx context.Context) error {
	healthy := d.check(ctx, true)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			healthy = d.check(ctx, healthy)
		}
	}
}

// check pings once and logs only on state transitions.
func (d *DatabaseHealthService) check(ctx context.Context, wasHealthy bool) bool {
	pingCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.db.Ping(pingCtx); err != nil {
		metrics.DBUp.Set(0)
		if wasHealthy && ctx.Err() == nil {
			logging.Error().Err(err).Str("service", d.name).Msg("Database health check failed")
		}
		return false
	}
	metrics.DBUp.Set(1)
	if !wasHealthy {
		logging.Info().Str("service", d.name).Msg("Database health check recovered")
	}
	return true
}

func (d *DatabaseHealthService) String() string {
	return d.name
}
