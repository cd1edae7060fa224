// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/sessionkeeper/internal/metrics"
)

// RedisPublisher publishes events over Redis pub/sub, one channel per event
// type.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPublisher creates a RedisPublisher. The client is owned by the
// caller and is not closed by Close.
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, event *SessionEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	if err := p.client.Publish(ctx, event.Topic(p.prefix), data).Err(); err != nil {
		metrics.EventPublishErrors.WithLabelValues(string(event.Type)).Inc()
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	return nil
}

func (p *RedisPublisher) Close() error { return nil }
