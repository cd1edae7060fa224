// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/database"
	"github.com/tomtom215/sessionkeeper/internal/events"
	"github.com/tomtom215/sessionkeeper/internal/logging"
	"github.com/tomtom215/sessionkeeper/internal/metrics"
	"github.com/tomtom215/sessionkeeper/internal/models"
	"github.com/tomtom215/sessionkeeper/internal/tracker"
)

// StopInput finalizes a session, identified by SessionID or by ServerID and
// SessionKey.
type StopInput struct {
	SessionID  string
	ServerID   string
	SessionKey string

	// StoppedAt defaults to the current time.
	StoppedAt time.Time

	// Reason defaults to models.StopReasonExplicit.
	Reason string

	// Force marks a stop the vendor never reported.
	Force bool

	// ProgressMs overrides the last known progress when set.
	ProgressMs *int64

	// StaleBefore, when set, stops the session only if it was last observed
	// before it. The check runs under the session lock.
	StaleBefore time.Time
}

// StopResult is the outcome of StopSessionAtomic.
type StopResult struct {
	Session *models.Session

	// AlreadyStopped is true when the session was stopped before this call;
	// Session is then returned unchanged.
	AlreadyStopped bool

	// Fresh is true when StaleBefore was set and the session was observed
	// since; Session is then returned unchanged and still active.
	Fresh bool
}

// StopSessionAtomic closes the pause window, computes the final duration,
// completion and play-count eligibility, and marks the session stopped.
// Stopping a stopped session is a no-op, by id or by key. ErrSessionNotFound
// means the key never had a session.
func (m *Manager) StopSessionAtomic(ctx context.Context, in StopInput) (*StopResult, error) {
	serverID, key := in.ServerID, in.SessionKey
	if in.SessionID != "" {
		s, err := m.db.GetSession(ctx, in.SessionID)
		if err != nil {
			return nil, notFound(err, in.SessionID)
		}
		if !s.IsActive() {
			return &StopResult{Session: s, AlreadyStopped: true}, nil
		}
		serverID, key = s.ServerID, s.SessionKey
	}
	if serverID == "" || key == "" {
		return nil, fmt.Errorf("%w: session id or server and session key required", ErrInvalidInput)
	}

	unlock, err := m.lock(ctx, serverID, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var s *models.Session
	if in.SessionID != "" {
		s, err = m.db.GetSession(ctx, in.SessionID)
	} else {
		s, err = m.db.GetActiveSessionByKey(ctx, serverID, key)
		if errors.Is(err, database.ErrNotFound) {
			// A repeated stop returns the session the first one finalized.
			s, err = m.db.GetLatestSessionByKey(ctx, serverID, key)
		}
	}
	if err != nil {
		return nil, notFound(err, serverID+"/"+key)
	}
	if !s.IsActive() {
		return &StopResult{Session: s, AlreadyStopped: true}, nil
	}
	if !in.StaleBefore.IsZero() && !s.LastSeenAt.Before(in.StaleBefore) {
		return &StopResult{Session: s, Fresh: true}, nil
	}

	stoppedAt := in.StoppedAt
	if stoppedAt.IsZero() {
		stoppedAt = m.now()
	}
	stoppedAt = stoppedAt.UTC()
	if stoppedAt.Before(s.StartedAt) {
		stoppedAt = s.StartedAt
	}
	if !in.StaleBefore.IsZero() && stoppedAt.Before(s.LastSeenAt) {
		stoppedAt = s.LastSeenAt
	}
	reason := in.Reason
	if reason == "" {
		reason = models.StopReasonExplicit
	}

	m.finalize(s, stoppedAt, in.ProgressMs)
	s.ForceStopped = in.Force
	s.StopReason = reason

	rootID := s.RootID()
	minPlayMs := m.cfg.MinPlayTime.Milliseconds()

	err = m.db.WithTx(ctx, func(tx *database.Queries) error {
		prior, err := tx.LinkedPlayDuration(ctx, rootID)
		if err != nil {
			return err
		}
		total := prior + s.DurationMs

		if s.ReferenceID == nil {
			s.PlayCountEligible = s.PlayCountEligible || total >= minPlayMs
		} else {
			s.PlayCountEligible = false
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		if s.ReferenceID != nil && total >= minPlayMs {
			return tx.MarkPlayCountEligible(ctx, rootID, stoppedAt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stop session %s: %w", s.ID, err)
	}

	metrics.SessionsStopped.WithLabelValues(s.ServerID, reason).Inc()

	logging.Ctx(ctx).Debug().
		Str("server_id", s.ServerID).
		Str("session_key", s.SessionKey).
		Str("session_id", s.ID).
		Str("reason", reason).
		Int64("duration_ms", s.DurationMs).
		Bool("play_count_eligible", s.PlayCountEligible).
		Msg("Session stopped")

	m.afterCommit(ctx, s, events.NewSessionEvent(events.TypeSessionStopped, s, stoppedAt))

	return &StopResult{Session: s}, nil
}

func (m *Manager) finalize(s *models.Session, stoppedAt time.Time, progressMs *int64) {
	ps := tracker.CalculatePauseAccumulation(tracker.PauseStateOf(s), models.StateStopped, stoppedAt)

	s.State = models.StateStopped
	s.StoppedAt = &stoppedAt
	s.LastPausedAt = nil
	s.PausedMs = ps.PausedMs
	s.DurationMs = tracker.CalculateStopDuration(s.StartedAt, stoppedAt, s.PausedMs)
	if progressMs != nil {
		s.ProgressMs = max(*progressMs, 0)
	}
	s.Watched = s.Watched || tracker.IsWatched(s.MediaType, s.ProgressMs, s.TotalDurationMs, m.cfg.WatchCompletionThreshold)
	if stoppedAt.After(s.LastSeenAt) {
		s.LastSeenAt = stoppedAt
	}
	s.UpdatedAt = stoppedAt
}
