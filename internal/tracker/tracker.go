// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

// Package tracker holds the pure state-transition arithmetic of a playback
// session: pause accumulation, stop duration, watch completion, quality
// changes, and the decision of whether a snapshot entry is a new play, a
// continuation, or the resume of a recent play.
//
// Nothing in this package performs I/O or reads the clock; callers pass now.
package tracker

import (
	"time"

	"github.com/tomtom215/sessionkeeper/internal/models"
)

// DefaultWatchCompletionThreshold is the progress fraction at which a play counts as watched.
const DefaultWatchCompletionThreshold = 0.85

// PauseState is the subset of a session needed for pause accounting.
type PauseState struct {
	State        models.SessionState
	LastPausedAt *time.Time
	PausedMs     int64
}

// PauseStateOf extracts the pause accounting fields of s.
func PauseStateOf(s *models.Session) PauseState {
	return PauseState{State: s.State, LastPausedAt: s.LastPausedAt, PausedMs: s.PausedMs}
}

// CalculatePauseAccumulation applies a transition to next at now.
//
// Pausing opens an accumulation window, leaving the pause (resume or stop)
// closes it and adds its length to PausedMs. PausedMs never decreases; a
// window whose start lies after now (clock skew) contributes zero.
func CalculatePauseAccumulation(prev PauseState, next models.SessionState, now time.Time) PauseState {
	out := PauseState{State: next, LastPausedAt: prev.LastPausedAt, PausedMs: max(prev.PausedMs, 0)}

	switch {
	case next == models.StatePaused:
		if out.LastPausedAt == nil {
			t := now
			out.LastPausedAt = &t
		}
	case out.LastPausedAt != nil:
		out.PausedMs += clampMs(now.Sub(*out.LastPausedAt))
		out.LastPausedAt = nil
	}

	return out
}

// CurrentPausedMs returns PausedMs including a still-open pause window.
func CurrentPausedMs(ps PauseState, now time.Time) int64 {
	paused := max(ps.PausedMs, 0)
	if ps.LastPausedAt != nil {
		paused += clampMs(now.Sub(*ps.LastPausedAt))
	}
	return paused
}

// CalculateStopDuration returns (stoppedAt - startedAt) - pausedMs, floored at zero.
func CalculateStopDuration(startedAt, stoppedAt time.Time, pausedMs int64) int64 {
	return max(clampMs(stoppedAt.Sub(startedAt))-max(pausedMs, 0), 0)
}

// CheckWatchCompletion reports whether progress/total reached threshold.
// An unknown total (live TV) never completes.
func CheckWatchCompletion(progressMs, totalDurationMs int64, threshold float64) bool {
	if totalDurationMs <= 0 || progressMs <= 0 {
		return false
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultWatchCompletionThreshold
	}
	return float64(progressMs)/float64(totalDurationMs) >= threshold
}

// IsWatched applies CheckWatchCompletion with the media type exclusion policy.
func IsWatched(mediaType models.MediaType, progressMs, totalDurationMs int64, threshold float64) bool {
	if mediaType.ExcludedFromCompletion() {
		return false
	}
	return CheckWatchCompletion(progressMs, totalDurationMs, threshold)
}

func clampMs(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
