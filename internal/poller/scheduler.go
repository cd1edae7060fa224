// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

// Package poller drives session tracking from periodic snapshots. A poll
// loop runs one cycle per configured media server, in parallel across
// servers and strictly serialized per server, and an independent sweep loop
// force-stops sessions nobody has observed for too long.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/sessionkeeper/internal/cache"
	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/database"
	"github.com/tomtom215/sessionkeeper/internal/events"
	"github.com/tomtom215/sessionkeeper/internal/lifecycle"
	"github.com/tomtom215/sessionkeeper/internal/logging"
	"github.com/tomtom215/sessionkeeper/internal/source"
)

// Config holds the cycle settings that do not change between Start calls.
type Config struct {
	FetchTimeout      time.Duration
	StaleTimeout      time.Duration
	GroupingWindow    time.Duration
	HistoryLookback   time.Duration
	HistoryMaxPerUser int
}

// ConfigFrom extracts the scheduler settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		FetchTimeout:      cfg.Poller.FetchTimeout,
		StaleTimeout:      cfg.Sessions.StaleTimeout,
		GroupingWindow:    cfg.Sessions.GroupingWindow,
		HistoryLookback:   cfg.Sessions.HistoryLookback,
		HistoryMaxPerUser: cfg.Sessions.HistoryMaxPerUser,
	}
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Running          bool      `json:"running"`
	Servers          int       `json:"servers"`
	TrackedSessions  int       `json:"tracked_sessions"`
	Cycles           uint64    `json:"cycles"`
	LastCycleAt      time.Time `json:"last_cycle_at"`
	LastSweepAt      time.Time `json:"last_sweep_at"`
	LastSweepStopped int       `json:"last_sweep_stopped"`
}

// Scheduler owns the poll and sweep loops.
type Scheduler struct {
	db      *database.DB
	manager *lifecycle.Manager
	sources []source.Source
	cfg     Config

	// serverLocks serializes cycles per server.
	serverLocks map[string]*sync.Mutex
	sweepMu     sync.Mutex

	trackedMu sync.Mutex
	tracked   map[string]map[string]string // server id -> session key -> session id

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup

	cycles    atomic.Uint64
	statsMu   sync.Mutex
	lastCycle time.Time
	lastSweep time.Time
	lastSwept int

	now func() time.Time
}

// New creates a Scheduler for sources.
func New(db *database.DB, manager *lifecycle.Manager, sources []source.Source, cfg Config) *Scheduler {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 5 * time.Minute
	}
	if cfg.HistoryLookback <= 0 {
		cfg.HistoryLookback = 24 * time.Hour
	}

	locks := make(map[string]*sync.Mutex, len(sources))
	for _, src := range sources {
		locks[src.ServerID()] = &sync.Mutex{}
	}

	return &Scheduler{
		db:          db,
		manager:     manager,
		sources:     sources,
		cfg:         cfg,
		serverLocks: locks,
		tracked:     make(map[string]map[string]string),
		now:         time.Now,
	}
}

// Initialize wires the real-time collaborators. Call before Start.
func (s *Scheduler) Initialize(c cache.SessionCache, p events.Publisher) {
	if c != nil {
		s.manager.UseCache(c)
	}
	s.manager.UsePublisher(p)
}

// Start launches the poll and sweep loops. Calling Start on a running
// scheduler, or with polling disabled, does nothing.
func (s *Scheduler) Start(ctx context.Context, cfg config.PollerConfig) error {
	if !cfg.Enabled {
		logging.Info().Msg("Session poller disabled")
		return nil
	}
	if cfg.Interval <= 0 || cfg.SweepInterval <= 0 {
		return fmt.Errorf("poller intervals must be positive (interval=%s, sweep=%s)", cfg.Interval, cfg.SweepInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.loops.Add(2)
	go s.pollLoop(loopCtx, cfg.Interval, cfg.ReconcileOnStart)
	go s.sweepLoop(loopCtx, cfg.SweepInterval)

	logging.Info().
		Int("servers", len(s.sources)).
		Dur("interval", cfg.Interval).
		Dur("sweep_interval", cfg.SweepInterval).
		Msg("Session poller started")
	return nil
}

// Stop cancels both loops and waits for in-flight cycles to finish. It is
// safe to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.loops.Wait()

	// Out-of-band cycles hold the same locks.
	for _, l := range s.serverLocks {
		l.Lock()
		//nolint:staticcheck // empty critical section waits for the holder
		l.Unlock()
	}
	s.sweepMu.Lock()
	//nolint:staticcheck // empty critical section waits for the holder
	s.sweepMu.Unlock()

	logging.Info().Msg("Session poller stopped")
}

// Run starts the scheduler, blocks until ctx is canceled and then stops it.
// It returns ctx.Err() on normal shutdown.
func (s *Scheduler) Run(ctx context.Context, cfg config.PollerConfig) error {
	if err := s.Start(ctx, cfg); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

// Stats returns the current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	s.trackedMu.Lock()
	tracked := 0
	for _, m := range s.tracked {
		tracked += len(m)
	}
	s.trackedMu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{
		Running:          running,
		Servers:          len(s.sources),
		TrackedSessions:  tracked,
		Cycles:           s.cycles.Load(),
		LastCycleAt:      s.lastCycle,
		LastSweepAt:      s.lastSweep,
		LastSweepStopped: s.lastSwept,
	}
}

// TriggerPoll runs one poll cycle for every server and waits for it.
func (s *Scheduler) TriggerPoll(ctx context.Context) error {
	return s.pollAll(ctx, false)
}

// TriggerReconciliationPoll runs one reconciliation cycle for every server:
// every session the database holds as active is checked against the live
// snapshot, not only the ones this process has seen.
func (s *Scheduler) TriggerReconciliationPoll(ctx context.Context) error {
	return s.pollAll(ctx, true)
}

func (s *Scheduler) pollLoop(ctx context.Context, interval time.Duration, reconcileFirst bool) {
	defer s.loops.Done()

	// Cycles are not interrupted by Stop; fetches carry their own timeout.
	cycleCtx := context.WithoutCancel(ctx)

	if err := s.pollAll(cycleCtx, reconcileFirst); err != nil {
		logging.Warn().Err(err).Msg("Initial poll cycle failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pollAll(cycleCtx, false); err != nil {
				logging.Warn().Err(err).Msg("Poll cycle failed")
			}
		}
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context, interval time.Duration) {
	defer s.loops.Done()

	cycleCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepStaleSessions(cycleCtx)
		}
	}
}

// pollAll runs one cycle per server in parallel. A failing server does not
// cancel the others; the first error is returned after all have finished.
func (s *Scheduler) pollAll(ctx context.Context, reconcile bool) error {
	var g errgroup.Group
	for _, src := range s.sources {
		g.Go(func() error {
			return s.pollServer(ctx, src, reconcile)
		})
	}
	err := g.Wait()

	s.cycles.Add(1)
	s.statsMu.Lock()
	s.lastCycle = s.now()
	s.statsMu.Unlock()
	return err
}

func (s *Scheduler) setTracked(serverID string, seen map[string]string) {
	s.trackedMu.Lock()
	defer s.trackedMu.Unlock()
	s.tracked[serverID] = seen
}

func (s *Scheduler) trackedFor(serverID string) map[string]string {
	s.trackedMu.Lock()
	defer s.trackedMu.Unlock()
	return s.tracked[serverID]
}

func (s *Scheduler) untrack(serverID, sessionKey, sessionID string) {
	s.trackedMu.Lock()
	defer s.trackedMu.Unlock()
	if m := s.tracked[serverID]; m != nil && m[sessionKey] == sessionID {
		delete(m, sessionKey)
	}
}
