// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package tracker

import (
	"time"

	"github.com/tomtom215/sessionkeeper/internal/models"
)

// DecisionKind is the outcome of classifying one snapshot entry.
type DecisionKind int

const (
	// DecisionNew starts an independent play.
	DecisionNew DecisionKind = iota
	// DecisionContinue updates the active session with the same key in place.
	DecisionContinue
	// DecisionResume starts a session linked to a recent play of the same media.
	DecisionResume
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionContinue:
		return "continue"
	case DecisionResume:
		return "resume"
	default:
		return "new"
	}
}

// Decision carries the classification and the sessions it refers to.
type Decision struct {
	Kind     DecisionKind
	Existing *models.Session // DecisionContinue
	Previous *models.Session // DecisionResume
}

// Classify decides what a snapshot entry means given the server's active
// sessions (keyed by session key) and the user's recent history.
func Classify(candidate Candidate, active map[string]*models.Session, history []models.Session, now time.Time, window time.Duration) Decision {
	if existing, ok := active[candidate.SessionKey]; ok && existing != nil {
		return Decision{Kind: DecisionContinue, Existing: existing}
	}
	if prev := FindGroupingCandidate(candidate, history, now, window); prev != nil {
		return Decision{Kind: DecisionResume, Previous: prev}
	}
	return Decision{Kind: DecisionNew}
}

// bitrateChangeRatio is the relative bitrate swing that counts as a quality change
// on its own; smaller swings are normal adaptive-bitrate noise.
const bitrateChangeRatio = 0.25

// DetectQualityChange compares the stored stream characteristics of an
// active session with a new observation. Returns nil when nothing material changed.
func DetectQualityChange(existing *models.Session, entry *models.SnapshotEntry) *models.QualityChange {
	changed := existing.IsTranscode != entry.IsTranscode ||
		(entry.Quality != "" && existing.Quality != entry.Quality) ||
		(entry.VideoDecision != "" && existing.VideoDecision != entry.VideoDecision) ||
		bitrateShift(existing.Bitrate, entry.Bitrate)
	if !changed {
		return nil
	}

	return &models.QualityChange{
		SessionID:    existing.ID,
		FromQuality:  existing.Quality,
		ToQuality:    entry.Quality,
		FromBitrate:  existing.Bitrate,
		ToBitrate:    entry.Bitrate,
		WasTranscode: existing.IsTranscode,
		IsTranscode:  entry.IsTranscode,
	}
}

func bitrateShift(from, to int) bool {
	if from <= 0 || to <= 0 {
		return false
	}
	diff := float64(to - from)
	if diff < 0 {
		diff = -diff
	}
	return diff/float64(from) > bitrateChangeRatio
}
