// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package poller

import (
	"context"

	"github.com/tomtom215/sessionkeeper/internal/lifecycle"
	"github.com/tomtom215/sessionkeeper/internal/logging"
	"github.com/tomtom215/sessionkeeper/internal/metrics"
	"github.com/tomtom215/sessionkeeper/internal/models"
)

// SweepStaleSessions force-stops every active session not observed within
// the stale timeout, at the time it was last observed. Errors are logged
// and never returned; the next sweep retries. It returns the number of
// sessions this call stopped.
func (s *Scheduler) SweepStaleSessions(ctx context.Context) int {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	ctx = logging.ContextWithNewCorrelationID(ctx)
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.StaleTimeout)

	stale, err := s.db.ListStaleSessions(ctx, cutoff)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Stale session scan failed")
		return 0
	}

	stopped := 0
	for i := range stale {
		sess := &stale[i]
		done, err := s.stop(ctx, lifecycle.StopInput{
			SessionID:   sess.ID,
			StoppedAt:   sess.LastSeenAt,
			Reason:      models.StopReasonStale,
			Force:       true,
			StaleBefore: cutoff,
		})
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).
				Str("server_id", sess.ServerID).
				Str("session_id", sess.ID).
				Msg("Stale session stop failed")
			continue
		}
		if done {
			stopped++
		}
	}

	if stopped > 0 {
		metrics.StaleSessionsSwept.Add(float64(stopped))
		logging.Ctx(ctx).Info().Int("stopped", stopped).Time("cutoff", cutoff).Msg("Swept stale sessions")
	}

	s.statsMu.Lock()
	s.lastSweep = now
	s.lastSwept = stopped
	s.statsMu.Unlock()
	return stopped
}
