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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/sessionkeeper/internal/models"
)

const serverUserColumns = `id, server_id, external_id, username, trust_score, created_at, updated_at`

func scanServerUser(row rowScanner) (*models.ServerUser, error) {
	var u models.ServerUser
	if err := row.Scan(&u.ID, &u.ServerID, &u.ExternalID, &u.Username, &u.TrustScore, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

// acquireUserLock serializes user upserts per server. Concurrent UPSERTs on
// the same key can fail inside DuckDB instead of conflicting cleanly.
func (db *DB) acquireUserLock(serverID string) *sync.Mutex {
	muInterface, _ := db.userLocks.LoadOrStore(serverID, &sync.Mutex{})
	mu, ok := muInterface.(*sync.Mutex)
	if !ok {
		mu = &sync.Mutex{}
		db.userLocks.Store(serverID, mu)
	}
	mu.Lock()
	return mu
}

// ResolveServerUsers upserts every referenced vendor user of a server and
// returns the stored rows keyed by external id. Usernames are refreshed;
// trust scores are never touched.
func (db *DB) ResolveServerUsers(ctx context.Context, serverID string, refs []models.UserRef) (map[string]*models.ServerUser, error) {
	out := make(map[string]*models.ServerUser, len(refs))
	if len(refs) == 0 {
		return out, nil
	}

	mu := db.acquireUserLock(serverID)
	defer mu.Unlock()

	err := db.WithTx(ctx, func(tx *Queries) error {
		clear(out)
		for _, ref := range refs {
			u, err := tx.UpsertServerUser(ctx, serverID, ref)
			if err != nil {
				return err
			}
			out[u.ExternalID] = u
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertServerUser inserts or refreshes one server user.
func (q *Queries) UpsertServerUser(ctx context.Context, serverID string, ref models.UserRef) (_ *models.ServerUser, err error) {
	start := time.Now()
	defer func() { observe("upsert_server_user", start, err) }()

	if ref.ExternalID == "" {
		return nil, errors.New("upsert server user: empty external id")
	}

	now := time.Now().UTC()
	_, err = q.q.ExecContext(ctx, `INSERT INTO server_users (`+serverUserColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id, external_id) DO UPDATE SET
			username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE server_users.username END`,
		uuid.NewString(), serverID, ref.ExternalID, ref.Username, models.DefaultTrustScore, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert server user %s/%s: %w", serverID, ref.ExternalID, err)
	}

	u, err := scanServerUser(q.q.QueryRowContext(ctx, `SELECT `+serverUserColumns+` FROM server_users
		WHERE server_id = ? AND external_id = ?`, serverID, ref.ExternalID))
	if err != nil {
		return nil, fmt.Errorf("load server user %s/%s: %w", serverID, ref.ExternalID, err)
	}
	return u, nil
}

// GetServerUser returns a server user by id.
func (q *Queries) GetServerUser(ctx context.Context, id string) (*models.ServerUser, error) {
	u, err := scanServerUser(q.q.QueryRowContext(ctx,
		`SELECT `+serverUserColumns+` FROM server_users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get server user %s: %w", id, err)
	}
	return u, nil
}

// DecrementTrustScore atomically lowers a user's trust score by amount,
// never below floor, and returns the new score. A score already under the
// floor is left as is.
func (q *Queries) DecrementTrustScore(ctx context.Context, userID string, amount, floor int) (score int, err error) {
	start := time.Now()
	defer func() { observe("decrement_trust_score", start, err) }()

	if amount <= 0 {
		u, err := q.GetServerUser(ctx, userID)
		if err != nil {
			return 0, err
		}
		return u.TrustScore, nil
	}

	err = q.q.QueryRowContext(ctx, `UPDATE server_users
		SET trust_score = GREATEST(trust_score - ?, LEAST(trust_score, ?)), updated_at = ?
		WHERE id = ?
		RETURNING trust_score`,
		amount, floor, time.Now().UTC(), userID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("decrement trust score for %s: %w", userID, err)
	}
	return score, nil
}
