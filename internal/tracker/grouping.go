// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package tracker

import (
	"time"

	"github.com/tomtom215/sessionkeeper/internal/models"
)

// Candidate is a would-be new session, resolved to its server user.
type Candidate struct {
	ServerID     string
	ServerUserID string
	SessionKey   string
	RatingKey    string
}

// CandidateFor builds a Candidate from a snapshot entry.
func CandidateFor(serverID, serverUserID string, entry *models.SnapshotEntry) Candidate {
	return Candidate{
		ServerID:     serverID,
		ServerUserID: serverUserID,
		SessionKey:   entry.SessionKey,
		RatingKey:    entry.RatingKey,
	}
}

// ShouldGroupWithPreviousSession reports whether candidate resumes previous.
//
// previous qualifies when it belongs to the same user, server and media, was
// not already watched to completion, and either stopped no longer than window
// before now, or is still open in the paused state under a different session
// key (vendors commonly issue a new key on resume).
func ShouldGroupWithPreviousSession(candidate Candidate, previous *models.Session, now time.Time, window time.Duration) bool {
	if previous == nil || candidate.RatingKey == "" {
		return false
	}
	if previous.ServerID != candidate.ServerID ||
		previous.ServerUserID != candidate.ServerUserID ||
		previous.RatingKey != candidate.RatingKey {
		return false
	}
	if previous.SessionKey == candidate.SessionKey && previous.IsActive() {
		return false // continuation, not a resume
	}
	if previous.Watched {
		return false
	}

	if previous.StoppedAt == nil {
		return previous.State == models.StatePaused
	}

	gap := now.Sub(*previous.StoppedAt)
	if gap < 0 {
		gap = 0
	}
	return gap <= window
}

// FindGroupingCandidate returns the qualifying session in history that ended
// (or was last seen) most recently, or nil.
func FindGroupingCandidate(candidate Candidate, history []models.Session, now time.Time, window time.Duration) *models.Session {
	var best *models.Session
	var bestAt time.Time

	for i := range history {
		s := &history[i]
		if !ShouldGroupWithPreviousSession(candidate, s, now, window) {
			continue
		}
		at := s.LastSeenAt
		if s.StoppedAt != nil {
			at = *s.StoppedAt
		}
		if best == nil || at.After(bestAt) || (at.Equal(bestAt) && s.ID > best.ID) {
			best, bestAt = s, at
		}
	}

	return best
}
