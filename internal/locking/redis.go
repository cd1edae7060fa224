// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/sessionkeeper/internal/logging"
	"github.com/tomtom215/sessionkeeper/internal/metrics"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another owner is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var errLockBusy = errors.New("lock busy")

// RedisLockerConfig configures a RedisLocker.
type RedisLockerConfig struct {
	// Prefix is prepended to every key.
	Prefix string

	// TTL bounds how long a crashed holder can keep a key.
	TTL time.Duration

	// Wait is the longest Acquire retries before giving up.
	Wait time.Duration
}

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisLockerConfig
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "sessionkeeper:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 10 * time.Second
	}
	return &RedisLocker{client: client, cfg: cfg}
}

// Acquire takes key with SET NX PX, retrying with exponential backoff until
// the wait budget or ctx runs out.
func (r *RedisLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	start := time.Now()
	redisKey := r.cfg.Prefix + key
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = r.cfg.Wait

	err := backoff.Retry(func() error {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.cfg.TTL).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("redis setnx %s: %w", redisKey, err))
		}
		if !ok {
			return errLockBusy
		}
		return nil
	}, backoff.WithContext(b, ctx))

	if err != nil {
		if errors.Is(err, errLockBusy) || ctx.Err() != nil {
			err = fmt.Errorf("%w: %s after %s", ErrLockNotAcquired, key, time.Since(start).Round(time.Millisecond))
		}
		metrics.RecordLockWait("redis", time.Since(start), err)
		return nil, err
	}
	metrics.RecordLockWait("redis", time.Since(start), nil)

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be canceled.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.client, []string{redisKey}, token).Err(); err != nil {
				logging.Warn().Err(err).Str("key", key).Msg("Failed to release redis lock; it will expire")
			}
		})
	}, nil
}
