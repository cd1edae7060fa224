// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package main

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/sessionkeeper/internal/cache"
	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/events"
	"github.com/tomtom215/sessionkeeper/internal/locking"
	"github.com/tomtom215/sessionkeeper/internal/logging"
)

// backends are the coordination components shared by push intake and the
// poller. Close releases them in reverse order of creation.
type backends struct {
	locker    locking.Locker
	cache     cache.SessionCache
	publisher events.Publisher
	closers   []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logging.Warn().Err(err).Msg("Error closing backend")
		}
	}
}

// newBackends connects Redis and NATS as configured. With both disabled the
// process runs single-instance with in-memory locks and cache.
func newBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{
		locker:    locking.NewKeyedMutex(),
		cache:     cache.NewMemorySessionCache(),
		publisher: events.NopPublisher{},
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		redisClient = client
		b.closers = append(b.closers, client.Close)

		b.locker = locking.NewRedisLocker(client, locking.RedisLockerConfig{
			TTL:  cfg.Redis.LockTTL,
			Wait: cfg.Redis.LockWait,
		})
		// Entries outlive a crashed process by at most two stale timeouts.
		b.cache = cache.NewRedisSessionCache(client, cfg.Sessions.StaleTimeout*2)
		logging.Info().Str("addr", cfg.Redis.Addr).Msg("Redis locking and session cache enabled")
	}

	switch {
	case cfg.NATS.Enabled:
		pub, err := events.NewNATSPublisher(cfg.NATS, watermill.NewSlogLogger(logging.NewSlogLogger()))
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		b.publisher = pub
		b.closers = append(b.closers, pub.Close)
		logging.Info().
			Str("url", cfg.NATS.URL).
			Bool("jetstream", cfg.NATS.JetStream).
			Msg("Session events published to NATS")
	case redisClient != nil && cfg.Redis.PublishEvents:
		pub := events.NewRedisPublisher(redisClient, cfg.NATS.SubjectPrefix)
		b.publisher = pub
		b.closers = append(b.closers, pub.Close)
		logging.Info().Msg("Session events published over Redis pub/sub")
	default:
		logging.Info().Msg("Session event publishing disabled")
	}

	return b, nil
}
