// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package database

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS server_users (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		trust_score INTEGER NOT NULL DEFAULT 100,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (server_id, external_id)
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		server_user_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		reference_id TEXT,
		rating_key TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		grandparent_title TEXT NOT NULL DEFAULT '',
		media_type TEXT NOT NULL DEFAULT 'unknown',
		state TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		stopped_at TIMESTAMP,
		last_seen_at TIMESTAMP NOT NULL,
		last_paused_at TIMESTAMP,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		paused_ms BIGINT NOT NULL DEFAULT 0,
		progress_ms BIGINT NOT NULL DEFAULT 0,
		total_duration_ms BIGINT NOT NULL DEFAULT 0,
		is_transcode BOOLEAN NOT NULL DEFAULT false,
		video_decision TEXT NOT NULL DEFAULT '',
		bitrate INTEGER NOT NULL DEFAULT 0,
		quality TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		player TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		device TEXT NOT NULL DEFAULT '',
		geo_city TEXT,
		geo_country TEXT,
		geo_latitude DOUBLE,
		geo_longitude DOUBLE,
		watched BOOLEAN NOT NULL DEFAULT false,
		play_count_eligible BOOLEAN NOT NULL DEFAULT false,
		force_stopped BOOLEAN NOT NULL DEFAULT false,
		stop_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE SEQUENCE IF NOT EXISTS rules_id_seq START 1`,

	`CREATE TABLE IF NOT EXISTS rules (
		id BIGINT PRIMARY KEY DEFAULT nextval('rules_id_seq'),
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		server_id TEXT,
		server_user_id TEXT,
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS violations (
		id TEXT PRIMARY KEY,
		rule_id BIGINT NOT NULL,
		rule_type TEXT NOT NULL,
		session_id TEXT NOT NULL,
		server_user_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		penalty INTEGER NOT NULL,
		details TEXT,
		created_at TIMESTAMP NOT NULL,
		acknowledged_at TIMESTAMP,
		UNIQUE (rule_id, session_id)
	)`,
}

func (db *DB) createTables(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
