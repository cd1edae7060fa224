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

	"github.com/google/uuid"

	"github.com/tomtom215/sessionkeeper/internal/database"
	"github.com/tomtom215/sessionkeeper/internal/events"
	"github.com/tomtom215/sessionkeeper/internal/logging"
	"github.com/tomtom215/sessionkeeper/internal/metrics"
	"github.com/tomtom215/sessionkeeper/internal/models"
	"github.com/tomtom215/sessionkeeper/internal/rules"
	"github.com/tomtom215/sessionkeeper/internal/tracker"
)

// CreateInput describes the first observation of a session key.
type CreateInput struct {
	ServerID     string
	ServerUserID string
	Entry        models.SnapshotEntry

	// History is the user's recent sessions. Loaded from the store when nil.
	History []models.Session

	// Rules to evaluate. Loaded from the store when nil.
	Rules []*rules.Rule

	// ObservedAt defaults to the current time.
	ObservedAt time.Time
}

// CreateResult is the outcome of CreateSessionWithRulesAtomic.
type CreateResult struct {
	Session *models.Session

	// Created is false when an active session already existed for the key;
	// Session is then that session, updated with the observation.
	Created bool

	// Grouped is true when the new session was linked to a previous play.
	Grouped bool

	Violations    []models.Violation
	QualityChange *models.QualityChange
}

// CreateSessionWithRulesAtomic creates the session for a newly observed key,
// grouping it onto a recent play of the same media when one qualifies, and
// records the violations it triggers. Concurrent calls for the same key
// yield one session.
func (m *Manager) CreateSessionWithRulesAtomic(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if in.ServerID == "" || in.ServerUserID == "" || in.Entry.SessionKey == "" {
		return nil, fmt.Errorf("%w: server, user and session key are required", ErrInvalidInput)
	}
	now := in.ObservedAt
	if now.IsZero() {
		now = m.now()
	}
	now = now.UTC()

	unlock, err := m.lock(ctx, in.ServerID, in.Entry.SessionKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := m.db.GetActiveSessionByKey(ctx, in.ServerID, in.Entry.SessionKey)
	switch {
	case err == nil:
		res, err := m.update(ctx, existing, &in.Entry, in.History, in.Rules, now)
		if err != nil {
			return nil, err
		}
		return &CreateResult{
			Session:       res.Session,
			Violations:    res.Violations,
			QualityChange: res.QualityChange,
		}, nil
	case !errors.Is(err, database.ErrNotFound):
		return nil, err
	}

	s := newSession(in.ServerID, in.ServerUserID, &in.Entry, now)

	history, err := m.historyFor(ctx, s, in.History, now)
	if err != nil {
		return nil, err
	}

	candidate := tracker.CandidateFor(in.ServerID, in.ServerUserID, &in.Entry)
	prev := tracker.FindGroupingCandidate(candidate, history, now, m.cfg.GroupingWindow)
	if prev != nil {
		root := prev.RootID()
		s.ReferenceID = &root
	}

	result := m.evaluator.Evaluate(m.rulesFor(ctx, in.Rules), s, history)

	var (
		inserted []models.Violation
		raced    *models.Session
	)
	err = m.db.WithTx(ctx, func(tx *database.Queries) error {
		inserted, raced = nil, nil

		// The lock may be process-local while another process writes the
		// same database; the row check inside the transaction covers that.
		if cur, err := tx.GetActiveSessionByKey(ctx, in.ServerID, in.Entry.SessionKey); err == nil {
			raced = cur
			return nil
		} else if !errors.Is(err, database.ErrNotFound) {
			return err
		}

		if err := tx.InsertSession(ctx, s); err != nil {
			return err
		}
		v, err := m.persistViolations(ctx, tx, s.ServerUserID, result.Violations)
		inserted = v
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create session %s/%s: %w", in.ServerID, in.Entry.SessionKey, err)
	}
	if raced != nil {
		return &CreateResult{Session: raced}, nil
	}

	kind := "new"
	if prev != nil {
		kind = "resume"
	}
	metrics.SessionsCreated.WithLabelValues(in.ServerID, kind).Inc()

	logging.Ctx(ctx).Debug().
		Str("server_id", s.ServerID).
		Str("session_key", s.SessionKey).
		Str("session_id", s.ID).
		Str("kind", kind).
		Int("violations", len(inserted)).
		Msg("Session created")

	m.afterCommit(ctx, s,
		events.NewSessionEvent(events.TypeSessionCreated, s, now),
		m.violationEvent(s, inserted, now),
	)

	return &CreateResult{
		Session:    s,
		Created:    true,
		Grouped:    prev != nil,
		Violations: inserted,
	}, nil
}

func newSession(serverID, serverUserID string, e *models.SnapshotEntry, now time.Time) *models.Session {
	state := e.State
	if state != models.StatePaused {
		state = models.StatePlaying
	}
	s := &models.Session{
		ID:               uuid.NewString(),
		ServerID:         serverID,
		ServerUserID:     serverUserID,
		SessionKey:       e.SessionKey,
		RatingKey:        e.RatingKey,
		Title:            e.Title,
		GrandparentTitle: e.GrandparentTitle,
		MediaType:        e.MediaType,
		State:            state,
		StartedAt:        now,
		LastSeenAt:       now,
		ProgressMs:       max(e.ProgressMs, 0),
		TotalDurationMs:  max(e.TotalDurationMs, 0),
		IsTranscode:      e.IsTranscode,
		VideoDecision:    e.VideoDecision,
		Bitrate:          e.Bitrate,
		Quality:          e.Quality,
		IPAddress:        e.IPAddress,
		Player:           e.Player,
		Platform:         e.Platform,
		Device:           e.Device,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if s.MediaType == "" {
		s.MediaType = models.MediaUnknown
	}
	if state == models.StatePaused {
		at := now
		s.LastPausedAt = &at
	}
	return s
}
