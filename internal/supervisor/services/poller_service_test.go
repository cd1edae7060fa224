// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/sessionkeeper/internal/config"
)

type fakeRunner struct {
	runs   atomic.Int32
	gotCfg atomic.Value
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, cfg config.PollerConfig) error {
	f.runs.Add(1)
	f.gotCfg.Store(cfg)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

var _ suture.Service = (*PollerService)(nil)

func TestPollerService_Serve(t *testing.T) {
	cfg := config.PollerConfig{Enabled: true, Interval: 30 * time.Second, SweepInterval: time.Minute}

	t.Run("passes config and stops on cancel", func(t *testing.T) {
		runner := &fakeRunner{}
		svc := NewPollerService(runner, cfg)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- svc.Serve(ctx) }()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Serve did not return")
		}
		if got := runner.gotCfg.Load().(config.PollerConfig); got != cfg {
			t.Errorf("runner got %+v, want %+v", got, cfg)
		}
	})

	t.Run("wraps start failure", func(t *testing.T) {
		startErr := errors.New("poll interval must be positive")
		svc := NewPollerService(&fakeRunner{err: startErr}, cfg)

		err := svc.Serve(context.Background())
		if !errors.Is(err, startErr) {
			t.Errorf("expected wrapped start error, got %v", err)
		}
	})

	t.Run("restarted by supervisor after failure", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("boom")}
		sup := suture.New("test-sup", suture.Spec{
			FailureThreshold: 10,
			FailureBackoff:   10 * time.Millisecond,
			Timeout:          time.Second,
		})
		sup.Add(NewPollerService(runner, cfg))

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		<-sup.ServeBackground(ctx)

		if runner.runs.Load() < 2 {
			t.Errorf("expected restarts, got %d runs", runner.runs.Load())
		}
	})
}

func TestPollerService_String(t *testing.T) {
	if got := NewPollerService(&fakeRunner{}, config.PollerConfig{}).String(); got != "session-poller" {
		t.Errorf("String() = %q", got)
	}
}
