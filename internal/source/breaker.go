// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package source

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/sessionkeeper/internal/breaker"
	"github.com/tomtom215/sessionkeeper/internal/models"
)

// BreakerSource guards a Source with a circuit breaker and an optional rate
// limiter. While the breaker is open, fetches fail fast and the poller skips
// the server until it recovers.
type BreakerSource struct {
	inner   Source
	cb      *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter
}

// NewBreakerSource wraps inner. rps <= 0 disables pacing.
func NewBreakerSource(inner Source, cfg breaker.Config, rps float64) *BreakerSource {
	b := &BreakerSource{
		inner: inner,
		cb:    breaker.New[any](cfg),
	}
	if rps > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return b
}

func (b *BreakerSource) ServerID() string { return b.inner.ServerID() }
func (b *BreakerSource) Vendor() string   { return b.inner.Vendor() }

// State returns the breaker state.
func (b *BreakerSource) State() gobreaker.State { return b.cb.State() }

func (b *BreakerSource) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

func (b *BreakerSource) FetchSnapshot(ctx context.Context) ([]models.SnapshotEntry, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	res, err := breaker.Execute(b.cb, func() (any, error) {
		return b.inner.FetchSnapshot(ctx)
	})
	if err != nil {
		return nil, err
	}
	entries, _ := res.([]models.SnapshotEntry)
	return entries, nil
}

// FetchRecentHistory passes through ErrUnsupported without counting it as
// a failure.
func (b *BreakerSource) FetchRecentHistory(ctx context.Context, since time.Time) ([]models.HistoryEntry, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	var unsupported bool
	res, err := breaker.Execute(b.cb, func() (any, error) {
		h, err := b.inner.FetchRecentHistory(ctx, since)
		if errors.Is(err, ErrUnsupported) {
			unsupported = true
			return nil, nil
		}
		return h, err
	})
	if unsupported {
		return nil, ErrUnsupported
	}
	if err != nil {
		return nil, err
	}
	history, _ := res.([]models.HistoryEntry)
	return history, nil
}
