// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/lifecycle"
	"github.com/tomtom215/sessionkeeper/internal/logging"
	"github.com/tomtom215/sessionkeeper/internal/metrics"
	"github.com/tomtom215/sessionkeeper/internal/models"
	"github.com/tomtom215/sessionkeeper/internal/rules"
	"github.com/tomtom215/sessionkeeper/internal/source"
	"github.com/tomtom215/sessionkeeper/internal/tracker"
)

// ErrFetch wraps snapshot fetch failures. A failed fetch skips the cycle
// for that server without touching any session.
var ErrFetch = errors.New("snapshot fetch failed")

// pollServer runs one cycle for src.
func (s *Scheduler) pollServer(ctx context.Context, src source.Source, reconcile bool) (err error) {
	serverID := src.ServerID()
	lock := s.serverLocks[serverID]
	lock.Lock()
	defer lock.Unlock()

	kind := "poll"
	if reconcile {
		kind = "reconcile"
	}
	ctx = logging.ContextWithNewCorrelationID(ctx)
	ctx = logging.ContextWithLogger(ctx, logging.LoggerFromContext(ctx).With().
		Str("server_id", serverID).
		Str("cycle", kind).
		Logger())
	log := logging.Ctx(ctx)

	start := time.Now()
	defer func() { metrics.RecordPollCycle(serverID, kind, time.Since(start), err) }()

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	entries, err := src.FetchSnapshot(fetchCtx)
	cancel()
	if err != nil {
		metrics.PollFetchErrors.WithLabelValues(serverID).Inc()
		log.Warn().Err(err).Msg("Snapshot fetch failed, skipping cycle")
		return fmt.Errorf("%w: %s: %v", ErrFetch, serverID, err)
	}

	now := s.now().UTC()
	entries = dedupeByKey(entries)

	users, err := s.db.ResolveServerUsers(ctx, serverID, userRefs(entries))
	if err != nil {
		return fmt.Errorf("resolve users for %s: %w", serverID, err)
	}

	userIDs := make([]string, 0, len(users))
	for _, u := range users {
		userIDs = append(userIDs, u.ID)
	}
	history, err := s.db.RecentSessionsForUsers(ctx, userIDs, now.Add(-s.cfg.HistoryLookback), s.cfg.HistoryMaxPerUser)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", serverID, err)
	}

	activeRows, err := s.db.ListActiveSessions(ctx, serverID)
	if err != nil {
		return fmt.Errorf("list active sessions for %s: %w", serverID, err)
	}
	active := make(map[string]*models.Session, len(activeRows))
	for i := range activeRows {
		active[activeRows[i].SessionKey] = &activeRows[i]
	}

	ruleset, err := s.manager.ActiveRules(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load rules, evaluating none this cycle")
	}
	if ruleset == nil {
		ruleset = []*rules.Rule{}
	}

	// Sessions this cycle stops read as stopped now, so a new key resuming
	// one of them groups onto it. Creates and updates still commit first.
	markEnding(history, s.endingIDs(serverID, activeRows, entries, users, reconcile), now)

	seen := make(map[string]string, len(entries))
	for i := range entries {
		e := &entries[i]
		user := users[e.ExternalUserID]
		if user == nil {
			continue
		}
		id, err := s.observe(ctx, serverID, user.ID, e, active, history[user.ID], ruleset, now)
		if err != nil {
			return err
		}
		seen[e.SessionKey] = id
	}

	var stopped int
	if reconcile {
		stopped, err = s.reconcileAbsent(ctx, src, activeRows, seen, now)
	} else {
		stopped, err = s.stopDisappeared(ctx, serverID, seen, now)
	}
	if err != nil {
		return err
	}

	s.setTracked(serverID, seen)
	metrics.SessionsActive.WithLabelValues(serverID).Set(float64(len(seen)))

	log.Debug().
		Int("entries", len(entries)).
		Int("stopped", stopped).
		Dur("elapsed", time.Since(start)).
		Msg("Poll cycle complete")
	return nil
}

// endingIDs returns the ids of the sessions this cycle will stop: tracked
// sessions missing from entries, or every missing active row when
// reconciling.
func (s *Scheduler) endingIDs(serverID string, activeRows []models.Session, entries []models.SnapshotEntry, users map[string]*models.ServerUser, reconcile bool) map[string]bool {
	present := make(map[string]bool, len(entries))
	for i := range entries {
		if users[entries[i].ExternalUserID] != nil {
			present[entries[i].SessionKey] = true
		}
	}

	ending := make(map[string]bool)
	if reconcile {
		for i := range activeRows {
			if !present[activeRows[i].SessionKey] {
				ending[activeRows[i].ID] = true
			}
		}
		return ending
	}
	for key, id := range s.trackedFor(serverID) {
		if !present[key] {
			ending[id] = true
		}
	}
	return ending
}

// markEnding rewrites the history rows in ending as stopped at now.
func markEnding(history map[string][]models.Session, ending map[string]bool, now time.Time) {
	if len(ending) == 0 {
		return
	}
	for _, rows := range history {
		for i := range rows {
			if !ending[rows[i].ID] || !rows[i].IsActive() {
				continue
			}
			at := now
			rows[i].State = models.StateStopped
			rows[i].StoppedAt = &at
			rows[i].LastPausedAt = nil
		}
	}
}

// observe applies one snapshot entry and returns the id of its session.
func (s *Scheduler) observe(ctx context.Context, serverID, userID string, e *models.SnapshotEntry, active map[string]*models.Session, history []models.Session, ruleset []*rules.Rule, now time.Time) (string, error) {
	d := tracker.Classify(tracker.CandidateFor(serverID, userID, e), active, history, now, s.cfg.GroupingWindow)

	if d.Kind == tracker.DecisionContinue {
		res, err := s.manager.UpdateSessionAtomic(ctx, lifecycle.UpdateInput{
			SessionID:  d.Existing.ID,
			Entry:      *e,
			History:    history,
			Rules:      ruleset,
			ObservedAt: now,
		})
		if err == nil {
			return res.Session.ID, nil
		}
		if !errors.Is(err, lifecycle.ErrSessionNotFound) {
			return "", err
		}
		// Stopped by the sweep or a push event since we listed it; the
		// vendor still reports it, so it starts over as a new session.
		logging.Ctx(ctx).Debug().Str("session_key", e.SessionKey).Msg("Active session vanished during cycle, recreating")
	}

	res, err := s.manager.CreateSessionWithRulesAtomic(ctx, lifecycle.CreateInput{
		ServerID:     serverID,
		ServerUserID: userID,
		Entry:        *e,
		History:      history,
		Rules:        ruleset,
		ObservedAt:   now,
	})
	if err != nil {
		return "", err
	}
	return res.Session.ID, nil
}

// stopDisappeared stops sessions seen in the previous cycle that are no
// longer in the snapshot. Sessions this process never observed are left to
// the reconciliation poll and the sweep.
func (s *Scheduler) stopDisappeared(ctx context.Context, serverID string, seen map[string]string, now time.Time) (int, error) {
	stopped := 0
	for key, id := range s.trackedFor(serverID) {
		if _, ok := seen[key]; ok {
			continue
		}
		done, err := s.stop(ctx, lifecycle.StopInput{
			SessionID: id,
			StoppedAt: now,
			Reason:    models.StopReasonDisappeared,
		})
		if err != nil {
			return stopped, err
		}
		if done {
			stopped++
		}
	}
	return stopped, nil
}

// reconcileAbsent stops every active row missing from the snapshot. When
// the vendor reports when the play actually ended, that time is used.
func (s *Scheduler) reconcileAbsent(ctx context.Context, src source.Source, activeRows []models.Session, seen map[string]string, now time.Time) (int, error) {
	var absent []*models.Session
	for i := range activeRows {
		if _, ok := seen[activeRows[i].SessionKey]; !ok {
			absent = append(absent, &activeRows[i])
		}
	}
	if len(absent) == 0 {
		return 0, nil
	}

	oldest := now
	for _, a := range absent {
		if a.StartedAt.Before(oldest) {
			oldest = a.StartedAt
		}
	}
	history := s.fetchHistory(ctx, src, oldest)

	stopped := 0
	for _, a := range absent {
		at := s.reconciledStopTime(ctx, a, history, now)
		done, err := s.stop(ctx, lifecycle.StopInput{
			SessionID: a.ID,
			StoppedAt: at,
			Reason:    models.StopReasonReconciled,
		})
		if err != nil {
			return stopped, err
		}
		if done {
			stopped++
		}
	}

	logging.Ctx(ctx).Info().Int("stopped", stopped).Msg("Reconciliation stopped absent sessions")
	return stopped, nil
}

func (s *Scheduler) fetchHistory(ctx context.Context, src source.Source, since time.Time) []models.HistoryEntry {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	history, err := src.FetchRecentHistory(fetchCtx, since)
	switch {
	case errors.Is(err, source.ErrUnsupported):
		return nil
	case err != nil:
		logging.Ctx(ctx).Warn().Err(err).Msg("History fetch failed, reconciling without stop times")
		return nil
	}
	return history
}

// reconciledStopTime picks the stop time of an absent session: the vendor's
// history when it has a matching row, else now for a session observed
// recently, else the last time it was observed.
func (s *Scheduler) reconciledStopTime(ctx context.Context, a *models.Session, history []models.HistoryEntry, now time.Time) time.Time {
	if len(history) > 0 {
		var externalID string
		if u, err := s.db.GetServerUser(ctx, a.ServerUserID); err == nil {
			externalID = u.ExternalID
		}
		if at, ok := matchHistory(a, externalID, history); ok {
			return at
		}
	}
	if now.Sub(a.LastSeenAt) <= s.cfg.StaleTimeout {
		return now
	}
	return a.LastSeenAt
}

// matchHistory finds the earliest history row for a that ended after it
// started. Rows with a session key must match it; rows without one are
// matched on user and media.
func matchHistory(a *models.Session, externalID string, history []models.HistoryEntry) (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, h := range history {
		if h.StoppedAt.Before(a.StartedAt) {
			continue
		}
		if h.SessionKey != "" {
			if h.SessionKey != a.SessionKey {
				continue
			}
		} else if h.ExternalUserID != externalID || h.RatingKey != a.RatingKey {
			continue
		}
		if !found || h.StoppedAt.Before(best) {
			best, found = h.StoppedAt, true
		}
	}
	return best, found
}

// stop finalizes one session and reports whether this call stopped it.
// A session already gone is not an error.
func (s *Scheduler) stop(ctx context.Context, in lifecycle.StopInput) (bool, error) {
	res, err := s.manager.StopSessionAtomic(ctx, in)
	if errors.Is(err, lifecycle.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if res.Fresh {
		return false, nil
	}
	if res.Session != nil {
		s.untrack(res.Session.ServerID, res.Session.SessionKey, res.Session.ID)
	}
	return !res.AlreadyStopped, nil
}

func dedupeByKey(entries []models.SnapshotEntry) []models.SnapshotEntry {
	idx := make(map[string]int, len(entries))
	out := entries[:0:0]
	for _, e := range entries {
		if e.SessionKey == "" {
			continue
		}
		if i, ok := idx[e.SessionKey]; ok {
			out[i] = e
			continue
		}
		idx[e.SessionKey] = len(out)
		out = append(out, e)
	}
	return out
}

func userRefs(entries []models.SnapshotEntry) []models.UserRef {
	seen := make(map[string]bool, len(entries))
	refs := make([]models.UserRef, 0, len(entries))
	for _, e := range entries {
		if e.ExternalUserID == "" || seen[e.ExternalUserID] {
			continue
		}
		seen[e.ExternalUserID] = true
		refs = append(refs, models.UserRef{ExternalID: e.ExternalUserID, Username: e.Username})
	}
	return refs
}
