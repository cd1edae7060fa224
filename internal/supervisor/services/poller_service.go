// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package services

import (
	"context"
	"fmt"

	"github.com/tomtom215/sessionkeeper/internal/config"
)

// PollerRunner is satisfied by *poller.Scheduler.
type PollerRunner interface {
	Run(ctx context.Context, cfg config.PollerConfig) error
}

// PollerService supervises the session poll scheduler.
//
// Run starts the poll and sweep loops and blocks until ctx is cancelled,
// stopping the loops before it returns. A start failure (for example an
// invalid interval) is returned so the supervisor can back off.
type PollerService struct {
	runner PollerRunner
	cfg    config.PollerConfig
	name   string
}

// NewPollerService wraps runner with the poller configuration it runs with.
func NewPollerService(runner PollerRunner, cfg config.PollerConfig) *PollerService {
	return &PollerService{
		runner: runner,
		cfg:    cfg,
		name:   "session-poller",
	}
}

// Serve implements suture.Service.
func (p *PollerService) Serve(ctx context.Context) error {
	err := p.runner.Run(ctx, p.cfg)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	return err
}

func (p *PollerService) String() string {
	return p.name
}
