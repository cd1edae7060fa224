// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package source

import (
	"context"
	"strconv"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/models"
)

// Plex wire format, trimmed to the fields we read.
type plexSessionsResponse struct {
	MediaContainer struct {
		Metadata []plexSession `json:"Metadata"`
	} `json:"MediaContainer"`
}

type plexSession struct {
	SessionKey       string `json:"sessionKey"`
	RatingKey        string `json:"ratingKey"`
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparentTitle"`
	Type             string `json:"type"`
	Live             int    `json:"live"`
	ViewOffset       int64  `json:"viewOffset"`
	Duration         int64  `json:"duration"`

	User struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"User"`

	Player struct {
		Address  string `json:"address"`
		Product  string `json:"product"`
		Platform string `json:"platform"`
		Title    string `json:"title"`
		State    string `json:"state"`
	} `json:"Player"`

	Session struct {
		Bandwidth int `json:"bandwidth"`
	} `json:"Session"`

	TranscodeSession *struct {
		VideoDecision string `json:"videoDecision"`
		AudioDecision string `json:"audioDecision"`
	} `json:"TranscodeSession"`

	Media []struct {
		Bitrate         int    `json:"bitrate"`
		VideoResolution string `json:"videoResolution"`
	} `json:"Media"`
}

type plexHistoryResponse struct {
	MediaContainer struct {
		Metadata []struct {
			RatingKey string `json:"ratingKey"`
			AccountID int64  `json:"accountID"`
			ViewedAt  int64  `json:"viewedAt"`
		} `json:"Metadata"`
	} `json:"MediaContainer"`
}

// PlexSource reads sessions from a Plex Media Server.
type PlexSource struct {
	client
	serverID string
}

// NewPlexSource creates a Plex adapter authenticated with token.
func NewPlexSource(serverID, baseURL, token string) *PlexSource {
	return &PlexSource{
		client:   newClient(baseURL, map[string]string{"X-Plex-Token": token}),
		serverID: serverID,
	}
}

func (s *PlexSource) ServerID() string { return s.serverID }
func (s *PlexSource) Vendor() string   { return config.ServerTypePlex }

func (s *PlexSource) FetchSnapshot(ctx context.Context) ([]models.SnapshotEntry, error) {
	var resp plexSessionsResponse
	if err := s.getJSON(ctx, "/status/sessions", &resp); err != nil {
		return nil, err
	}

	entries := make([]models.SnapshotEntry, 0, len(resp.MediaContainer.Metadata))
	for i := range resp.MediaContainer.Metadata {
		if e, ok := plexEntry(&resp.MediaContainer.Metadata[i]); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// FetchRecentHistory reads the server-wide watch history. Plex history rows
// carry no session key, so entries are matched by user and media.
func (s *PlexSource) FetchRecentHistory(ctx context.Context, since time.Time) ([]models.HistoryEntry, error) {
	var resp plexHistoryResponse
	path := "/status/sessions/history/all?sort=viewedAt:desc&viewedAt>=" + strconv.FormatInt(since.Unix(), 10)
	if err := s.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}

	out := make([]models.HistoryEntry, 0, len(resp.MediaContainer.Metadata))
	for _, h := range resp.MediaContainer.Metadata {
		if h.ViewedAt < since.Unix() {
			continue
		}
		out = append(out, models.HistoryEntry{
			ExternalUserID: strconv.FormatInt(h.AccountID, 10),
			RatingKey:      h.RatingKey,
			StoppedAt:      time.Unix(h.ViewedAt, 0).UTC(),
		})
	}
	return out, nil
}

func plexEntry(p *plexSession) (models.SnapshotEntry, bool) {
	if p.SessionKey == "" || p.User.ID == "" {
		return models.SnapshotEntry{}, false
	}

	mediaType := models.NormalizeMediaType(p.Type)
	if p.Live == 1 {
		mediaType = models.MediaLive
	}

	state := models.StatePlaying
	if p.Player.State == "paused" {
		state = models.StatePaused
	}

	e := models.SnapshotEntry{
		SessionKey:       p.SessionKey,
		ExternalUserID:   p.User.ID,
		Username:         p.User.Title,
		RatingKey:        p.RatingKey,
		Title:            p.Title,
		GrandparentTitle: p.GrandparentTitle,
		MediaType:        mediaType,
		State:            state,
		ProgressMs:       p.ViewOffset,
		TotalDurationMs:  p.Duration,
		Bitrate:          p.Session.Bandwidth,
		IPAddress:        p.Player.Address,
		Player:           p.Player.Title,
		Platform:         p.Player.Platform,
		Device:           p.Player.Product,
		VideoDecision:    "direct play",
	}

	if len(p.Media) > 0 {
		e.Quality = p.Media[0].VideoResolution
		if e.Bitrate == 0 {
			e.Bitrate = p.Media[0].Bitrate
		}
	}
	if t := p.TranscodeSession; t != nil {
		if t.VideoDecision != "" {
			e.VideoDecision = t.VideoDecision
		}
		e.IsTranscode = t.VideoDecision == "transcode" || t.AudioDecision == "transcode"
	}
	return e, true
}
