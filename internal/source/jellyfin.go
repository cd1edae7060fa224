// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package source

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/models"
)

// ticksPerMs converts .NET ticks (100ns) to milliseconds.
const ticksPerMs = 10_000

// Jellyfin and Emby share the /Sessions wire format.
type embySession struct {
	ID             string `json:"Id"`
	UserID         string `json:"UserId"`
	UserName       string `json:"UserName"`
	Client         string `json:"Client"`
	DeviceName     string `json:"DeviceName"`
	RemoteEndPoint string `json:"RemoteEndPoint"`

	NowPlayingItem *struct {
		ID           string `json:"Id"`
		Name         string `json:"Name"`
		SeriesName   string `json:"SeriesName"`
		Type         string `json:"Type"`
		RunTimeTicks int64  `json:"RunTimeTicks"`
		Height       int    `json:"Height"`
	} `json:"NowPlayingItem"`

	PlayState *struct {
		PositionTicks int64  `json:"PositionTicks"`
		IsPaused      bool   `json:"IsPaused"`
		PlayMethod    string `json:"PlayMethod"`
	} `json:"PlayState"`

	TranscodingInfo *struct {
		Bitrate       int  `json:"Bitrate"`
		IsVideoDirect bool `json:"IsVideoDirect"`
		Height        int  `json:"Height"`
	} `json:"TranscodingInfo"`
}

// EmbyFamilySource reads sessions from a Jellyfin or Emby server.
type EmbyFamilySource struct {
	client
	serverID string
	vendor   string
}

// NewJellyfinSource creates a Jellyfin adapter authenticated with apiKey.
func NewJellyfinSource(serverID, baseURL, apiKey string) *EmbyFamilySource {
	return newEmbyFamily(serverID, baseURL, apiKey, config.ServerTypeJellyfin)
}

// NewEmbySource creates an Emby adapter authenticated with apiKey.
func NewEmbySource(serverID, baseURL, apiKey string) *EmbyFamilySource {
	return newEmbyFamily(serverID, baseURL, apiKey, config.ServerTypeEmby)
}

func newEmbyFamily(serverID, baseURL, apiKey, vendor string) *EmbyFamilySource {
	return &EmbyFamilySource{
		client: newClient(baseURL, map[string]string{
			"X-Emby-Token":  apiKey,
			"X-Emby-Client": "Sessionkeeper",
		}),
		serverID: serverID,
		vendor:   vendor,
	}
}

func (s *EmbyFamilySource) ServerID() string { return s.serverID }
func (s *EmbyFamilySource) Vendor() string   { return s.vendor }

func (s *EmbyFamilySource) FetchSnapshot(ctx context.Context) ([]models.SnapshotEntry, error) {
	var sessions []embySession
	if err := s.getJSON(ctx, "/Sessions", &sessions); err != nil {
		return nil, err
	}

	entries := make([]models.SnapshotEntry, 0, len(sessions))
	for i := range sessions {
		if e, ok := embyEntry(&sessions[i]); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// FetchRecentHistory is not available: the activity log does not expose
// per-playback stop times in a stable form.
func (s *EmbyFamilySource) FetchRecentHistory(context.Context, time.Time) ([]models.HistoryEntry, error) {
	return nil, ErrUnsupported
}

func embyEntry(s *embySession) (models.SnapshotEntry, bool) {
	item := s.NowPlayingItem
	if item == nil || s.UserID == "" {
		return models.SnapshotEntry{}, false
	}

	e := models.SnapshotEntry{
		// A device session outlives the item it plays; the item id makes
		// each playback its own key.
		SessionKey:      s.ID + ":" + item.ID,
		ExternalUserID:  s.UserID,
		Username:        s.UserName,
		RatingKey:       item.ID,
		Title:           item.Name,
		MediaType:       models.NormalizeMediaType(item.Type),
		State:           models.StatePlaying,
		TotalDurationMs: item.RunTimeTicks / ticksPerMs,
		IPAddress:       hostOnly(s.RemoteEndPoint),
		Player:          s.DeviceName,
		Platform:        s.Client,
		Device:          s.DeviceName,
		VideoDecision:   "direct play",
	}
	if item.SeriesName != "" {
		e.GrandparentTitle = item.SeriesName
	}
	if item.Height > 0 {
		e.Quality = strconv.Itoa(item.Height)
	}

	if ps := s.PlayState; ps != nil {
		e.ProgressMs = ps.PositionTicks / ticksPerMs
		if ps.IsPaused {
			e.State = models.StatePaused
		}
		if ps.PlayMethod == "Transcode" {
			e.IsTranscode = true
			e.VideoDecision = "transcode"
		}
	}
	if t := s.TranscodingInfo; t != nil {
		e.Bitrate = t.Bitrate / 1000
		if !t.IsVideoDirect {
			e.IsTranscode = true
			e.VideoDecision = "transcode"
		}
		if t.Height > 0 {
			e.Quality = strconv.Itoa(t.Height)
		}
	}
	return e, true
}

// hostOnly strips a port from a remote endpoint, if present.
func hostOnly(endpoint string) string {
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}
