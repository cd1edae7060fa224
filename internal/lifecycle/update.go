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
	"github.com/tomtom215/sessionkeeper/internal/metrics"
	"github.com/tomtom215/sessionkeeper/internal/models"
	"github.com/tomtom215/sessionkeeper/internal/rules"
)

// UpdateInput is a later observation of an active session, identified by
// SessionID or by ServerID and Entry.SessionKey.
type UpdateInput struct {
	SessionID string
	ServerID  string
	Entry     models.SnapshotEntry

	History    []models.Session
	Rules      []*rules.Rule
	ObservedAt time.Time
}

// UpdateResult is the outcome of UpdateSessionAtomic.
type UpdateResult struct {
	Session       *models.Session
	Violations    []models.Violation
	QualityChange *models.QualityChange
}

// UpdateSessionAtomic applies a continuation observation: pause accounting,
// progress, stream quality and running duration. Rules are evaluated again;
// a rule that already fired for the session does not fire twice.
func (m *Manager) UpdateSessionAtomic(ctx context.Context, in UpdateInput) (*UpdateResult, error) {
	now := in.ObservedAt
	if now.IsZero() {
		now = m.now()
	}
	now = now.UTC()

	serverID, key := in.ServerID, in.Entry.SessionKey
	if in.SessionID != "" {
		s, err := m.db.GetSession(ctx, in.SessionID)
		if err != nil {
			return nil, notFound(err, in.SessionID)
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

	s, err := m.db.GetActiveSessionByKey(ctx, serverID, key)
	if err != nil {
		return nil, notFound(err, serverID+"/"+key)
	}
	if in.SessionID != "" && s.ID != in.SessionID {
		return nil, fmt.Errorf("%w: %s is no longer active", ErrSessionNotFound, in.SessionID)
	}

	return m.update(ctx, s, &in.Entry, in.History, in.Rules, now)
}

// update persists an observation of s. The caller holds the key lock.
func (m *Manager) update(ctx context.Context, s *models.Session, entry *models.SnapshotEntry, history []models.Session, given []*rules.Rule, now time.Time) (*UpdateResult, error) {
	qc := m.applyObservation(s, entry, now)

	history, err := m.historyFor(ctx, s, history, now)
	if err != nil {
		return nil, err
	}
	result := m.evaluator.Evaluate(m.rulesFor(ctx, given), s, history)

	var inserted []models.Violation
	err = m.db.WithTx(ctx, func(tx *database.Queries) error {
		inserted = nil
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		v, err := m.persistViolations(ctx, tx, s.ServerUserID, result.Violations)
		inserted = v
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update session %s: %w", s.ID, err)
	}

	metrics.SessionsUpdated.WithLabelValues(s.ServerID).Inc()

	var qcEvent *events.SessionEvent
	if qc != nil {
		metrics.QualityChanges.WithLabelValues(s.ServerID).Inc()
		qcEvent = events.NewSessionEvent(events.TypeSessionQualityChanged, s, now)
		qcEvent.QualityChange = qc
	}

	m.afterCommit(ctx, s,
		events.NewSessionEvent(events.TypeSessionUpdated, s, now),
		qcEvent,
		m.violationEvent(s, inserted, now),
	)

	return &UpdateResult{Session: s, Violations: inserted, QualityChange: qc}, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, what)
	}
	return err
}
