// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package models

import "time"

// SnapshotEntry is one normalized "currently playing" entry. Every vendor
// adapter produces these; the core never sees vendor wire formats.
type SnapshotEntry struct {
	SessionKey     string `json:"session_key"`
	ExternalUserID string `json:"external_user_id"`
	Username       string `json:"username"`

	RatingKey        string    `json:"rating_key"`
	Title            string    `json:"title"`
	GrandparentTitle string    `json:"grandparent_title,omitempty"`
	MediaType        MediaType `json:"media_type"`

	State           SessionState `json:"state"`
	ProgressMs      int64        `json:"progress_ms"`
	TotalDurationMs int64        `json:"total_duration_ms"`

	IsTranscode   bool   `json:"is_transcode"`
	VideoDecision string `json:"video_decision,omitempty"`
	Bitrate       int    `json:"bitrate,omitempty"`
	Quality       string `json:"quality,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	Player    string `json:"player,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Device    string `json:"device,omitempty"`
}

// HistoryEntry is a vendor-reported finished playback. Used by the
// reconciliation poll to recover the real stop time of sessions that ended
// while the poller was not watching.
type HistoryEntry struct {
	SessionKey     string    `json:"session_key"`
	ExternalUserID string    `json:"external_user_id"`
	RatingKey      string    `json:"rating_key"`
	StoppedAt      time.Time `json:"stopped_at"`
}

// UserRef identifies a vendor user seen in a snapshot.
type UserRef struct {
	ExternalID string
	Username   string
}
