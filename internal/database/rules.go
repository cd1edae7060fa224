// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/models"
)

const ruleColumns = `id, name, type, params, server_id, server_user_id, is_active, created_at, updated_at`

func scanRule(row rowScanner) (*models.Rule, error) {
	var (
		r                      models.Rule
		params                 string
		serverID, serverUserID sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Type, &params, &serverID, &serverUserID, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Params = []byte(params)
	r.ServerID = stringPtr(serverID)
	r.ServerUserID = stringPtr(serverUserID)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// ListActiveRules returns active rules in ascending id order.
func (q *Queries) ListActiveRules(ctx context.Context) (_ []models.Rule, err error) {
	start := time.Now()
	defer func() { observe("list_active_rules", start, err) }()

	rows, err := q.q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()

	var out []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("list active rules: scan: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SaveRule inserts a rule (ID 0) or updates an existing one. The assigned id
// is written back to r.
func (q *Queries) SaveRule(ctx context.Context, r *models.Rule) (err error) {
	start := time.Now()
	defer func() { observe("save_rule", start, err) }()

	now := time.Now().UTC()
	params := string(r.Params)
	if params == "" {
		params = "{}"
	}

	if r.ID == 0 {
		err = q.q.QueryRowContext(ctx, `INSERT INTO rules (name, type, params, server_id, server_user_id, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			r.Name, r.Type, params, nullString(r.ServerID), nullString(r.ServerUserID), r.IsActive, now, now).Scan(&r.ID)
		if err != nil {
			return fmt.Errorf("insert rule %q: %w", r.Name, err)
		}
		r.CreatedAt, r.UpdatedAt = now, now
		return nil
	}

	res, err := q.q.ExecContext(ctx, `UPDATE rules SET name = ?, type = ?, params = ?, server_id = ?,
			server_user_id = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, r.Type, params, nullString(r.ServerID), nullString(r.ServerUserID), r.IsActive, now, r.ID)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	r.UpdatedAt = now
	return nil
}

const violationColumns = `id, rule_id, rule_type, session_id, server_user_id, severity, penalty, details, created_at, acknowledged_at`

// InsertViolation stores a violation. It reports false without error when
// the rule already has a violation for the session.
func (q *Queries) InsertViolation(ctx context.Context, v *models.Violation) (inserted bool, err error) {
	start := time.Now()
	defer func() { observe("insert_violation", start, err) }()

	var details sql.NullString
	if len(v.Details) > 0 {
		details = sql.NullString{String: string(v.Details), Valid: true}
	}

	res, err := q.q.ExecContext(ctx, `INSERT INTO violations (`+violationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_id, session_id) DO NOTHING`,
		v.ID, v.RuleID, v.RuleType, v.SessionID, v.ServerUserID, string(v.Severity), v.Penalty,
		details, v.CreatedAt.UTC(), nullTime(v.AcknowledgedAt))
	if err != nil {
		return false, fmt.Errorf("insert violation for rule %d session %s: %w", v.RuleID, v.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert violation: rows affected: %w", err)
	}
	return n > 0, nil
}

// ListViolationsForSession returns a session's violations in rule id order.
func (q *Queries) ListViolationsForSession(ctx context.Context, sessionID string) (_ []models.Violation, err error) {
	start := time.Now()
	defer func() { observe("list_violations_for_session", start, err) }()

	rows, err := q.q.QueryContext(ctx, `SELECT `+violationColumns+` FROM violations
		WHERE session_id = ? ORDER BY rule_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list violations for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []models.Violation
	for rows.Next() {
		var (
			v        models.Violation
			severity string
			details  sql.NullString
			ackAt    sql.NullTime
		)
		if err := rows.Scan(&v.ID, &v.RuleID, &v.RuleType, &v.SessionID, &v.ServerUserID, &severity,
			&v.Penalty, &details, &v.CreatedAt, &ackAt); err != nil {
			return nil, fmt.Errorf("list violations for %s: scan: %w", sessionID, err)
		}
		v.Severity = models.Severity(severity)
		if details.Valid {
			v.Details = []byte(details.String)
		}
		v.CreatedAt = v.CreatedAt.UTC()
		v.AcknowledgedAt = timePtr(ackAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// AcknowledgeViolation marks a violation as dismissed. Acknowledging twice
// keeps the first timestamp.
func (q *Queries) AcknowledgeViolation(ctx context.Context, id string, at time.Time) (err error) {
	start := time.Now()
	defer func() { observe("acknowledge_violation", start, err) }()

	res, err := q.q.ExecContext(ctx, `UPDATE violations
		SET acknowledged_at = COALESCE(acknowledged_at, ?)
		WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("acknowledge violation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
