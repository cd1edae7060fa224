// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/models"
)

const sessionColumns = `id, server_id, server_user_id, session_key, reference_id,
	rating_key, title, grandparent_title, media_type,
	state, started_at, stopped_at, last_seen_at, last_paused_at,
	duration_ms, paused_ms, progress_ms, total_duration_ms,
	is_transcode, video_decision, bitrate, quality,
	ip_address, player, platform, device,
	geo_city, geo_country, geo_latitude, geo_longitude,
	watched, play_count_eligible, force_stopped, stop_reason,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s                       models.Session
		referenceID             sql.NullString
		stoppedAt, lastPausedAt sql.NullTime
		geoCity, geoCountry     sql.NullString
		geoLat, geoLon          sql.NullFloat64
		mediaType, state        string
	)

	err := row.Scan(
		&s.ID, &s.ServerID, &s.ServerUserID, &s.SessionKey, &referenceID,
		&s.RatingKey, &s.Title, &s.GrandparentTitle, &mediaType,
		&state, &s.StartedAt, &stoppedAt, &s.LastSeenAt, &lastPausedAt,
		&s.DurationMs, &s.PausedMs, &s.ProgressMs, &s.TotalDurationMs,
		&s.IsTranscode, &s.VideoDecision, &s.Bitrate, &s.Quality,
		&s.IPAddress, &s.Player, &s.Platform, &s.Device,
		&geoCity, &geoCountry, &geoLat, &geoLon,
		&s.Watched, &s.PlayCountEligible, &s.ForceStopped, &s.StopReason,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.ReferenceID = stringPtr(referenceID)
	s.MediaType = models.MediaType(mediaType)
	s.State = models.SessionState(state)
	s.StoppedAt = timePtr(stoppedAt)
	s.LastPausedAt = timePtr(lastPausedAt)
	s.GeoCity = stringPtr(geoCity)
	s.GeoCountry = stringPtr(geoCountry)
	s.GeoLatitude = floatPtr(geoLat)
	s.GeoLongitude = floatPtr(geoLon)
	s.StartedAt = s.StartedAt.UTC()
	s.LastSeenAt = s.LastSeenAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()

	return &s, nil
}

func (q *Queries) querySessions(ctx context.Context, op, query string, args ...any) (_ []models.Session, err error) {
	start := time.Now()
	defer func() { observe(op, start, err) }()

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (q *Queries) querySession(ctx context.Context, op, query string, args ...any) (_ *models.Session, err error) {
	start := time.Now()
	defer func() { observe(op, start, err) }()

	s, err := scanSession(q.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// InsertSession inserts a new session row. The caller assigns the id.
func (q *Queries) InsertSession(ctx context.Context, s *models.Session) (err error) {
	start := time.Now()
	defer func() { observe("insert_session", start, err) }()

	_, err = q.q.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ServerID, s.ServerUserID, s.SessionKey, nullString(s.ReferenceID),
		s.RatingKey, s.Title, s.GrandparentTitle, string(s.MediaType),
		string(s.State), s.StartedAt.UTC(), nullTime(s.StoppedAt), s.LastSeenAt.UTC(), nullTime(s.LastPausedAt),
		s.DurationMs, s.PausedMs, s.ProgressMs, s.TotalDurationMs,
		s.IsTranscode, s.VideoDecision, s.Bitrate, s.Quality,
		s.IPAddress, s.Player, s.Platform, s.Device,
		nullString(s.GeoCity), nullString(s.GeoCountry), nullFloat(s.GeoLatitude), nullFloat(s.GeoLongitude),
		s.Watched, s.PlayCountEligible, s.ForceStopped, s.StopReason,
		s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

// UpdateSession writes every mutable column of s. Identity columns and the
// asynchronously enriched geo columns are left untouched.
func (q *Queries) UpdateSession(ctx context.Context, s *models.Session) (err error) {
	start := time.Now()
	defer func() { observe("update_session", start, err) }()

	res, err := q.q.ExecContext(ctx, `UPDATE sessions SET
			reference_id = ?, rating_key = ?, title = ?, grandparent_title = ?, media_type = ?,
			state = ?, stopped_at = ?, last_seen_at = ?, last_paused_at = ?,
			duration_ms = ?, paused_ms = ?, progress_ms = ?, total_duration_ms = ?,
			is_transcode = ?, video_decision = ?, bitrate = ?, quality = ?,
			ip_address = ?, player = ?, platform = ?, device = ?,
			watched = ?, play_count_eligible = ?, force_stopped = ?, stop_reason = ?,
			updated_at = ?
		WHERE id = ?`,
		nullString(s.ReferenceID), s.RatingKey, s.Title, s.GrandparentTitle, string(s.MediaType),
		string(s.State), nullTime(s.StoppedAt), s.LastSeenAt.UTC(), nullTime(s.LastPausedAt),
		s.DurationMs, s.PausedMs, s.ProgressMs, s.TotalDurationMs,
		s.IsTranscode, s.VideoDecision, s.Bitrate, s.Quality,
		s.IPAddress, s.Player, s.Platform, s.Device,
		s.Watched, s.PlayCountEligible, s.ForceStopped, s.StopReason,
		s.UpdatedAt.UTC(),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionLocation records GeoIP enrichment for a session. It is the only
// write allowed on a stopped session.
func (q *Queries) SetSessionLocation(ctx context.Context, id string, city, country *string, lat, lon *float64) (err error) {
	start := time.Now()
	defer func() { observe("set_session_location", start, err) }()

	res, err := q.q.ExecContext(ctx, `UPDATE sessions
		SET geo_city = ?, geo_country = ?, geo_latitude = ?, geo_longitude = ?
		WHERE id = ?`,
		nullString(city), nullString(country), nullFloat(lat), nullFloat(lon), id)
	if err != nil {
		return fmt.Errorf("set location for session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession returns the session with the given id.
func (q *Queries) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return q.querySession(ctx, "get_session",
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
}

// GetActiveSessionByKey returns the non-stopped session for a server's
// session key, or ErrNotFound.
func (q *Queries) GetActiveSessionByKey(ctx context.Context, serverID, sessionKey string) (*models.Session, error) {
	return q.querySession(ctx, "get_active_session_by_key",
		`SELECT `+sessionColumns+` FROM sessions
		WHERE server_id = ? AND session_key = ? AND stopped_at IS NULL AND state <> 'stopped'
		ORDER BY started_at DESC, id DESC
		LIMIT 1`, serverID, sessionKey)
}

// GetLatestSessionByKey returns the most recently started session for a
// server's session key in any state, or ErrNotFound.
func (q *Queries) GetLatestSessionByKey(ctx context.Context, serverID, sessionKey string) (*models.Session, error) {
	return q.querySession(ctx, "get_latest_session_by_key",
		`SELECT `+sessionColumns+` FROM sessions
		WHERE server_id = ? AND session_key = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1`, serverID, sessionKey)
}

// ListActiveSessions returns every non-stopped session of a server. An empty
// serverID lists active sessions of all servers.
func (q *Queries) ListActiveSessions(ctx context.Context, serverID string) ([]models.Session, error) {
	if serverID == "" {
		return q.querySessions(ctx, "list_active_sessions",
			`SELECT `+sessionColumns+` FROM sessions
			WHERE stopped_at IS NULL AND state <> 'stopped'
			ORDER BY started_at, id`)
	}
	return q.querySessions(ctx, "list_active_sessions",
		`SELECT `+sessionColumns+` FROM sessions
		WHERE server_id = ? AND stopped_at IS NULL AND state <> 'stopped'
		ORDER BY started_at, id`, serverID)
}

// ListStaleSessions returns active sessions last observed before cutoff.
func (q *Queries) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	return q.querySessions(ctx, "list_stale_sessions",
		`SELECT `+sessionColumns+` FROM sessions
		WHERE stopped_at IS NULL AND state <> 'stopped' AND last_seen_at < ?
		ORDER BY last_seen_at, id`, cutoff.UTC())
}

// ListLinkedSessions returns the root session and every session grouped onto
// it, oldest first.
func (q *Queries) ListLinkedSessions(ctx context.Context, rootID string) ([]models.Session, error) {
	return q.querySessions(ctx, "list_linked_sessions",
		`SELECT `+sessionColumns+` FROM sessions
		WHERE id = ? OR reference_id = ?
		ORDER BY started_at, id`, rootID, rootID)
}

// LinkedPlayDuration returns the summed played duration of a root session
// and every stopped session grouped onto it.
func (q *Queries) LinkedPlayDuration(ctx context.Context, rootID string) (total int64, err error) {
	start := time.Now()
	defer func() { observe("linked_play_duration", start, err) }()

	err = q.q.QueryRowContext(ctx, `SELECT COALESCE(SUM(duration_ms), 0)::BIGINT FROM sessions
		WHERE (id = ? OR reference_id = ?) AND stopped_at IS NOT NULL`,
		rootID, rootID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("linked play duration for %s: %w", rootID, err)
	}
	return total, nil
}

// MarkPlayCountEligible flags a stopped root session as counting toward
// play statistics.
func (q *Queries) MarkPlayCountEligible(ctx context.Context, id string, at time.Time) (err error) {
	start := time.Now()
	defer func() { observe("mark_play_count_eligible", start, err) }()

	_, err = q.q.ExecContext(ctx, `UPDATE sessions SET play_count_eligible = true, updated_at = ?
		WHERE id = ? AND play_count_eligible = false`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark session %s eligible: %w", id, err)
	}
	return nil
}

// CountUniquePlays counts logical plays of a user: root sessions flagged as
// eligible. Grouped sessions never count on their own.
func (q *Queries) CountUniquePlays(ctx context.Context, serverUserID string) (n int64, err error) {
	start := time.Now()
	defer func() { observe("count_unique_plays", start, err) }()

	err = q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions
		WHERE server_user_id = ? AND reference_id IS NULL AND play_count_eligible`,
		serverUserID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unique plays for %s: %w", serverUserID, err)
	}
	return n, nil
}

// RecentSessionsForUsers loads, in one query, the recent sessions of every
// given user: sessions started within the lookback or still active, capped
// at perUserCap newest rows per user. The result is grouped by user id.
func (q *Queries) RecentSessionsForUsers(ctx context.Context, userIDs []string, since time.Time, perUserCap int) (map[string][]models.Session, error) {
	out := make(map[string][]models.Session, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	if perUserCap <= 0 {
		perUserCap = 50
	}

	args := make([]any, 0, len(userIDs)+2)
	for _, id := range userIDs {
		args = append(args, id)
	}
	args = append(args, since.UTC(), perUserCap)

	sessions, err := q.querySessions(ctx, "recent_sessions_for_users",
		`SELECT `+sessionColumns+` FROM sessions
		WHERE server_user_id IN (`+placeholders(len(userIDs))+`)
			AND (started_at >= ? OR stopped_at IS NULL)
		QUALIFY ROW_NUMBER() OVER (PARTITION BY server_user_id ORDER BY started_at DESC, id DESC) <= ?
		ORDER BY server_user_id, started_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}

	for _, s := range sessions {
		out[s.ServerUserID] = append(out[s.ServerUserID], s)
	}
	return out, nil
}
