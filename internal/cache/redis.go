// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/logging"
	"github.com/tomtom215/sessionkeeper/internal/models"
)

// NewRedisClient connects to Redis, retrying the initial ping with
// exponential backoff.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(func() error {
		if err := client.Ping(ctx).Err(); err != nil {
			logging.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis connection failed, retrying")
			return err
		}
		return nil
	}, b)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logging.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Connected to Redis")
	return client, nil
}

// RedisSessionCache stores one hash per server: field = session id,
// value = JSON session.
type RedisSessionCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSessionCache creates a RedisSessionCache. ttl refreshes on every
// write so a server that stops being polled ages out.
func NewRedisSessionCache(client redis.UniversalClient, ttl time.Duration) *RedisSessionCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisSessionCache{client: client, prefix: "sessionkeeper:active:", ttl: ttl}
}

func (c *RedisSessionCache) key(serverID string) string {
	return c.prefix + serverID
}

func (c *RedisSessionCache) SetActive(ctx context.Context, s *models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}

	key := c.key(s.ServerID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, s.ID, data)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache session %s: %w", s.ID, err)
	}
	return nil
}

func (c *RedisSessionCache) RemoveActive(ctx context.Context, serverID, sessionID string) error {
	if err := c.client.HDel(ctx, c.key(serverID), sessionID).Err(); err != nil {
		return fmt.Errorf("uncache session %s: %w", sessionID, err)
	}
	return nil
}

func (c *RedisSessionCache) ListActive(ctx context.Context, serverID string) ([]models.Session, error) {
	vals, err := c.client.HVals(ctx, c.key(serverID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list cached sessions for %s: %w", serverID, err)
	}

	out := make([]models.Session, 0, len(vals))
	for _, v := range vals {
		var s models.Session
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			logging.Warn().Err(err).Str("server_id", serverID).Msg("Dropping undecodable cached session")
			continue
		}
		out = append(out, s)
	}
	sortSessions(out)
	return out, nil
}
