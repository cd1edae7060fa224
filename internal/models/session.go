// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package models

import "time"

// SessionState is the playback state of a session.
type SessionState string

const (
	StatePlaying SessionState = "playing"
	StatePaused  SessionState = "paused"
	StateStopped SessionState = "stopped"
)

// IsActive reports whether the state is non-terminal.
func (s SessionState) IsActive() bool {
	return s == StatePlaying || s == StatePaused
}

// MediaType classifies the played item.
type MediaType string

const (
	MediaMovie   MediaType = "movie"
	MediaEpisode MediaType = "episode"
	MediaTrack   MediaType = "track"
	MediaLive    MediaType = "live"
	MediaPhoto   MediaType = "photo"
	MediaUnknown MediaType = "unknown"
)

// ExcludedFromCompletion reports whether plays of this type never count as
// completed: live TV has no meaningful total duration and photos are not watched.
func (m MediaType) ExcludedFromCompletion() bool {
	return m == MediaLive || m == MediaPhoto
}

// NormalizeMediaType maps a vendor string onto a MediaType.
func NormalizeMediaType(s string) MediaType {
	switch s {
	case "movie", "Movie":
		return MediaMovie
	case "episode", "Episode":
		return MediaEpisode
	case "track", "Audio", "audio":
		return MediaTrack
	case "live", "TvChannel", "LiveTvChannel", "LiveTvProgram":
		return MediaLive
	case "photo", "Photo":
		return MediaPhoto
	default:
		return MediaUnknown
	}
}

// Stop reasons recorded on finalized sessions.
const (
	StopReasonDisappeared = "disappeared"
	StopReasonExplicit    = "explicit"
	StopReasonStale       = "stale"
	StopReasonReconciled  = "reconciled"
)

// Session is one playback attempt on one server by one server-scoped user.
type Session struct {
	ID           string  `json:"id"`
	ServerID     string  `json:"server_id"`
	ServerUserID string  `json:"server_user_id"`
	SessionKey   string  `json:"session_key"`
	ReferenceID  *string `json:"reference_id,omitempty"` // root of a grouped (resumed) play

	// Media
	RatingKey        string    `json:"rating_key"`
	Title            string    `json:"title"`
	GrandparentTitle string    `json:"grandparent_title,omitempty"`
	MediaType        MediaType `json:"media_type"`

	// Timing, all milliseconds
	State           SessionState `json:"state"`
	StartedAt       time.Time    `json:"started_at"`
	StoppedAt       *time.Time   `json:"stopped_at,omitempty"`
	LastSeenAt      time.Time    `json:"last_seen_at"`
	LastPausedAt    *time.Time   `json:"last_paused_at,omitempty"`
	DurationMs      int64        `json:"duration_ms"`
	PausedMs        int64        `json:"paused_ms"`
	ProgressMs      int64        `json:"progress_ms"`
	TotalDurationMs int64        `json:"total_duration_ms"`

	// Stream quality
	IsTranscode   bool   `json:"is_transcode"`
	VideoDecision string `json:"video_decision,omitempty"`
	Bitrate       int    `json:"bitrate,omitempty"`
	Quality       string `json:"quality,omitempty"`

	// Client
	IPAddress string `json:"ip_address,omitempty"`
	Player    string `json:"player,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Device    string `json:"device,omitempty"`

	// Set asynchronously by the GeoIP enrichment collaborator.
	GeoCity      *string  `json:"geo_city,omitempty"`
	GeoCountry   *string  `json:"geo_country,omitempty"`
	GeoLatitude  *float64 `json:"geo_latitude,omitempty"`
	GeoLongitude *float64 `json:"geo_longitude,omitempty"`

	// Statistics flags, final once the session is stopped.
	Watched           bool   `json:"watched"`
	PlayCountEligible bool   `json:"play_count_eligible"`
	ForceStopped      bool   `json:"force_stopped"`
	StopReason        string `json:"stop_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the session has not been stopped.
func (s *Session) IsActive() bool {
	return s.StoppedAt == nil && s.State.IsActive()
}

// RootID returns the id that identifies the logical play this session belongs to.
func (s *Session) RootID() string {
	if s.ReferenceID != nil && *s.ReferenceID != "" {
		return *s.ReferenceID
	}
	return s.ID
}

// HasLocation reports whether enrichment has populated coordinates.
func (s *Session) HasLocation() bool {
	return s.GeoLatitude != nil && s.GeoLongitude != nil
}

// QualityChange describes a mid-play change in stream characteristics.
type QualityChange struct {
	SessionID    string `json:"session_id"`
	FromQuality  string `json:"from_quality"`
	ToQuality    string `json:"to_quality"`
	FromBitrate  int    `json:"from_bitrate"`
	ToBitrate    int    `json:"to_bitrate"`
	WasTranscode bool   `json:"was_transcode"`
	IsTranscode  bool   `json:"is_transcode"`
}
