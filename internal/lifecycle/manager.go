// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

// Package lifecycle is the only writer of session rows. Every create, update
// and stop holds the (server, session key) lock for its whole duration and
// commits the session, its violations and the trust-score decrement in one
// transaction. Cache writes and event publishing happen after commit and
// never fail the operation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/cache"
	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/database"
	"github.com/tomtom215/sessionkeeper/internal/events"
	"github.com/tomtom215/sessionkeeper/internal/locking"
	"github.com/tomtom215/sessionkeeper/internal/logging"
	"github.com/tomtom215/sessionkeeper/internal/metrics"
	"github.com/tomtom215/sessionkeeper/internal/models"
	"github.com/tomtom215/sessionkeeper/internal/rules"
	"github.com/tomtom215/sessionkeeper/internal/tracker"
)

var (
	// ErrSessionNotFound is returned when no session matches the input.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidInput is returned for inputs missing identifying fields.
	ErrInvalidInput = errors.New("invalid lifecycle input")
)

// Config holds the session accounting knobs.
type Config struct {
	MinPlayTime              time.Duration
	WatchCompletionThreshold float64
	GroupingWindow           time.Duration
	HistoryLookback          time.Duration
	HistoryMaxPerUser        int
	TrustScoreFloor          int
}

// ConfigFrom extracts the manager settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MinPlayTime:              cfg.Sessions.MinPlayTime,
		WatchCompletionThreshold: cfg.Sessions.WatchCompletionThreshold,
		GroupingWindow:           cfg.Sessions.GroupingWindow,
		HistoryLookback:          cfg.Sessions.HistoryLookback,
		HistoryMaxPerUser:        cfg.Sessions.HistoryMaxPerUser,
		TrustScoreFloor:          cfg.Rules.TrustScoreFloor,
	}
}

// Manager performs atomic session lifecycle operations.
type Manager struct {
	db        *database.DB
	locker    locking.Locker
	evaluator *rules.Evaluator
	cfg       Config

	cache     cache.SessionCache
	publisher events.Publisher

	now func() time.Time
}

// New creates a Manager. UseCache and UsePublisher must be called before
// the first operation, if at all.
func New(db *database.DB, locker locking.Locker, evaluator *rules.Evaluator, cfg Config) *Manager {
	if cfg.WatchCompletionThreshold <= 0 {
		cfg.WatchCompletionThreshold = tracker.DefaultWatchCompletionThreshold
	}
	if cfg.HistoryLookback <= 0 {
		cfg.HistoryLookback = 24 * time.Hour
	}
	if cfg.HistoryMaxPerUser <= 0 {
		cfg.HistoryMaxPerUser = 50
	}
	return &Manager{
		db:        db,
		locker:    locker,
		evaluator: evaluator,
		cfg:       cfg,
		publisher: events.NopPublisher{},
		now:       time.Now,
	}
}

// UseCache sets the active-session cache.
func (m *Manager) UseCache(c cache.SessionCache) { m.cache = c }

// UsePublisher sets the event publisher.
func (m *Manager) UsePublisher(p events.Publisher) {
	if p == nil {
		p = events.NopPublisher{}
	}
	m.publisher = p
}

// Config returns the manager settings.
func (m *Manager) Config() Config { return m.cfg }

// ActiveRules loads and parses every active rule. Rules that fail to parse
// are logged and left out.
func (m *Manager) ActiveRules(ctx context.Context) ([]*rules.Rule, error) {
	stored, err := m.db.ListActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*rules.Rule, 0, len(stored))
	for i := range stored {
		r, err := rules.Parse(stored[i])
		if err != nil {
			metrics.RuleEvaluationErrors.WithLabelValues(stored[i].Type).Inc()
			logging.Warn().Err(err).Int64("rule_id", stored[i].ID).Msg("Skipping invalid rule")
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// LoadHistory returns the recent sessions of one user.
func (m *Manager) LoadHistory(ctx context.Context, serverUserID string, now time.Time) ([]models.Session, error) {
	byUser, err := m.db.RecentSessionsForUsers(ctx, []string{serverUserID}, now.Add(-m.cfg.HistoryLookback), m.cfg.HistoryMaxPerUser)
	if err != nil {
		return nil, err
	}
	return byUser[serverUserID], nil
}

func (m *Manager) lock(ctx context.Context, serverID, sessionKey string) (locking.Unlock, error) {
	unlock, err := m.locker.Acquire(ctx, locking.SessionKey(serverID, sessionKey))
	if err != nil {
		return nil, fmt.Errorf("lock session %s/%s: %w", serverID, sessionKey, err)
	}
	return unlock, nil
}

func (m *Manager) rulesFor(ctx context.Context, given []*rules.Rule) []*rules.Rule {
	if given != nil {
		return given
	}
	loaded, err := m.ActiveRules(ctx)
	if err != nil {
		// Rule loading never blocks session persistence.
		logging.Ctx(ctx).Warn().Err(err).Msg("Failed to load rules, evaluating none")
		return nil
	}
	return loaded
}

func (m *Manager) historyFor(ctx context.Context, s *models.Session, given []models.Session, now time.Time) ([]models.Session, error) {
	if given != nil {
		return given, nil
	}
	return m.LoadHistory(ctx, s.ServerUserID, now)
}

// persistViolations inserts the violations of one session and applies their
// summed penalty as a single decrement. Only violations not recorded before
// are returned and penalized.
func (m *Manager) persistViolations(ctx context.Context, tx *database.Queries, userID string, found []models.Violation) ([]models.Violation, error) {
	var inserted []models.Violation
	penalty := 0
	for i := range found {
		ok, err := tx.InsertViolation(ctx, &found[i])
		if err != nil {
			return nil, err
		}
		if ok {
			inserted = append(inserted, found[i])
			penalty += found[i].Penalty
		}
	}
	if penalty > 0 {
		if _, err := tx.DecrementTrustScore(ctx, userID, penalty, m.cfg.TrustScoreFloor); err != nil {
			return nil, err
		}
	}
	return inserted, nil
}

// afterCommit updates the cache and publishes events. Failures are logged.
func (m *Manager) afterCommit(ctx context.Context, s *models.Session, evs ...*events.SessionEvent) {
	if m.cache != nil {
		var err error
		if s.IsActive() {
			err = m.cache.SetActive(ctx, s)
		} else {
			err = m.cache.RemoveActive(ctx, s.ServerID, s.ID)
		}
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("session_id", s.ID).Msg("Active session cache update failed")
		}
	}

	for _, e := range evs {
		if e == nil {
			continue
		}
		if err := m.publisher.Publish(ctx, e); err != nil {
			logging.Ctx(ctx).Warn().Err(err).
				Str("session_id", s.ID).
				Str("event", string(e.Type)).
				Msg("Session event publish failed")
		}
	}
}

func (m *Manager) violationEvent(s *models.Session, vs []models.Violation, at time.Time) *events.SessionEvent {
	if len(vs) == 0 {
		return nil
	}
	for i := range vs {
		metrics.Violations.WithLabelValues(vs[i].RuleType).Inc()
	}
	e := events.NewSessionEvent(events.TypeViolationCreated, s, at)
	e.Violations = vs
	return e
}

// applyObservation folds a snapshot entry into an active session at now.
// It returns the quality change, if any.
func (m *Manager) applyObservation(s *models.Session, entry *models.SnapshotEntry, now time.Time) *models.QualityChange {
	if now.Before(s.LastSeenAt) {
		now = s.LastSeenAt
	}

	next := entry.State
	if next != models.StatePaused {
		next = models.StatePlaying
	}
	ps := tracker.CalculatePauseAccumulation(tracker.PauseStateOf(s), next, now)
	s.State, s.LastPausedAt, s.PausedMs = ps.State, ps.LastPausedAt, ps.PausedMs

	qc := tracker.DetectQualityChange(s, entry)
	s.IsTranscode = entry.IsTranscode
	if entry.VideoDecision != "" {
		s.VideoDecision = entry.VideoDecision
	}
	if entry.Bitrate > 0 {
		s.Bitrate = entry.Bitrate
	}
	if entry.Quality != "" {
		s.Quality = entry.Quality
	}

	s.ProgressMs = max(entry.ProgressMs, 0)
	if entry.TotalDurationMs > 0 {
		s.TotalDurationMs = entry.TotalDurationMs
	}
	if entry.IPAddress != "" {
		s.IPAddress = entry.IPAddress
	}
	if entry.Player != "" {
		s.Player = entry.Player
	}

	s.DurationMs = tracker.CalculateStopDuration(s.StartedAt, now, tracker.CurrentPausedMs(ps, now))
	s.Watched = s.Watched || tracker.IsWatched(s.MediaType, s.ProgressMs, s.TotalDurationMs, m.cfg.WatchCompletionThreshold)
	s.LastSeenAt = now
	s.UpdatedAt = now
	return qc
}
