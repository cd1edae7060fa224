// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/database"
	"github.com/tomtom215/sessionkeeper/internal/events"
	"github.com/tomtom215/sessionkeeper/internal/lifecycle"
	"github.com/tomtom215/sessionkeeper/internal/locking"
	"github.com/tomtom215/sessionkeeper/internal/models"
	"github.com/tomtom215/sessionkeeper/internal/rules"
	"github.com/tomtom215/sessionkeeper/internal/source"
)

// testDBSemaphore serializes DuckDB usage across tests in this package.
var testDBSemaphore = make(chan struct{}, 1)

var t0 = time.Date(2026, 6, 1, 21, 0, 0, 0, time.UTC)

type fakeSource struct {
	id string

	mu      sync.Mutex
	entries []models.SnapshotEntry
	err     error
	history []models.HistoryEntry
	histErr error
}

func (f *fakeSource) ServerID() string { return f.id }
func (f *fakeSource) Vendor() string   { return "fake" }

func (f *fakeSource) FetchSnapshot(context.Context) ([]models.SnapshotEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.SnapshotEntry(nil), f.entries...), nil
}

func (f *fakeSource) FetchRecentHistory(context.Context, time.Time) ([]models.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.histErr != nil {
		return nil, f.histErr
	}
	return f.history, nil
}

func (f *fakeSource) set(err error, entries ...models.SnapshotEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries, f.err = entries, err
}

func leakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionCleaner"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type countingPublisher struct {
	mu     sync.Mutex
	counts map[events.Type]int
}

func (p *countingPublisher) Publish(_ context.Context, e *events.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[e.Type]++
	return nil
}

func (p *countingPublisher) Close() error { return nil }

func (p *countingPublisher) count(t events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[t]
}

type fixture struct {
	db    *database.DB
	mgr   *lifecycle.Manager
	sched *Scheduler
	clock *clock
	pub   *countingPublisher
	srcs  []*fakeSource
}

func setup(t *testing.T, serverIDs ...string) *fixture {
	t.Helper()
	return setupWithLocker(t, locking.NewKeyedMutex(), serverIDs...)
}

func setupWithLocker(t *testing.T, locker locking.Locker, serverIDs ...string) *fixture {
	t.Helper()

	testDBSemaphore <- struct{}{}
	t.Cleanup(func() { <-testDBSemaphore })

	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "256MB", Threads: 2})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mgr := lifecycle.New(db, locker, rules.NewEvaluator(rules.EvaluatorConfig{}), lifecycle.Config{
		MinPlayTime:    2 * time.Minute,
		GroupingWindow: 5 * time.Minute,
	})

	if len(serverIDs) == 0 {
		serverIDs = []string{"plex-1"}
	}
	var (
		fakes   []*fakeSource
		sources []source.Source
	)
	for _, id := range serverIDs {
		f := &fakeSource{id: id}
		fakes = append(fakes, f)
		sources = append(sources, f)
	}

	sched := New(db, mgr, sources, Config{
		FetchTimeout:   time.Second,
		StaleTimeout:   5 * time.Minute,
		GroupingWindow: 5 * time.Minute,
	})
	c := &clock{t: t0}
	sched.now = c.Now

	pub := &countingPublisher{counts: map[events.Type]int{}}
	sched.Initialize(nil, pub)

	return &fixture{db: db, mgr: mgr, sched: sched, clock: c, pub: pub, srcs: fakes}
}

func snap(key, user string, state models.SessionState, progress int64) models.SnapshotEntry {
	return models.SnapshotEntry{
		SessionKey:      key,
		ExternalUserID:  user,
		Username:        "user" + user,
		RatingKey:       "rk-" + key,
		Title:           "Title",
		MediaType:       models.MediaMovie,
		State:           state,
		ProgressMs:      progress,
		TotalDurationMs: 1_000_000,
	}
}

func (f *fixture) active(t *testing.T, serverID string) []models.Session {
	t.Helper()
	rows, err := f.db.ListActiveSessions(context.Background(), serverID)
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestPollScenario_CreateUpdateStop(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	src := f.srcs[0]

	src.set(nil, snap("sk1", "7", models.StatePlaying, 0))
	if err := f.sched.TriggerPoll(ctx); err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	rows := f.active(t, "plex-1")
	if len(rows) != 1 || rows[0].State != models.StatePlaying {
		t.Fatalf("after poll 1: %+v", rows)
	}
	id := rows[0].ID

	f.clock.Set(t0.Add(time.Minute))
	src.set(nil, snap("sk1", "7", models.StatePlaying, 500_000))
	if err := f.sched.TriggerPoll(ctx); err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	rows = f.active(t, "plex-1")
	if len(rows) != 1 || rows[0].ID != id || rows[0].ProgressMs != 500_000 {
		t.Fatalf("after poll 2: %+v", rows)
	}

	f.clock.Set(t0.Add(3 * time.Minute))
	src.set(nil)
	if err := f.sched.TriggerPoll(ctx); err != nil {
		t.Fatalf("poll 3: %v", err)
	}
	if rows := f.active(t, "plex-1"); len(rows) != 0 {
		t.Fatalf("after poll 3 still active: %+v", rows)
	}

	s, err := f.db.GetSession(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if s.DurationMs != 180_000 || s.StopReason != models.StopReasonDisappeared {
		t.Errorf("stopped session: duration %d reason %q", s.DurationMs, s.StopReason)
	}
	if got := f.sched.Stats().TrackedSessions; got != 0 {
		t.Errorf("tracked = %d, want 0", got)
	}
}

func TestFetchFailureStopsNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	src := f.srcs[0]

	src.set(nil, snap("sk1", "7", models.StatePlaying, 0))
	if err := f.sched.TriggerPoll(ctx); err != nil {
		t.Fatal(err)
	}

	f.clock.Set(t0.Add(time.Minute))
	src.set(context.DeadlineExceeded)
	err := f.sched.TriggerPoll(ctx)
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("err = %v, want ErrFetch", err)
	}
	if rows := f.active(t, "plex-1"); len(rows) != 1 {
		t.Errorf("fetch failure changed active sessions: %+v", rows)
	}
	if got := f.pub.count(events.TypeSessionStopped); got != 0 {
		t.Errorf("stop events = %d, want 0", got)
	}
}

func TestOneServerFailureDoesNotBlockOthers(t *testing.T) {
	f := setup(t, "plex-1", "jf-1")
	f.srcs[0].set(errors.New("connection refused"))
	f.srcs[1].set(nil, snap("abc", "u1", models.StatePlaying, 0))

	if err := f.sched.TriggerPoll(context.Background()); !errors.Is(err, ErrFetch) {
		t.Fatalf("err = %v, want ErrFetch", err)
	}
	if rows := f.active(t, "jf-1"); len(rows) != 1 {
		t.Errorf("healthy server sessions = %d, want 1", len(rows))
	}
}

func TestNormalPollLeavesUntrackedSessions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	users, err := f.db.ResolveServerUsers(ctx, "plex-1", []models.UserRef{{ExternalID: "7"}})
	if err != nil {
		t.Fatal(err)
	}
	// Created by a push handler; the vendor listing does not show it yet.
	pushed, err := f.mgr.CreateSessionWithRulesAtomic(ctx, lifecycle.CreateInput{
		ServerID:     "plex-1",
		ServerUserID: users["7"].ID,
		Entry:        snap("push", "7", models.StatePlaying, 0),
		ObservedAt:   t0,
	})
	if err != nil {
		t.Fatal(err)
	}

	f.srcs[0].set(nil)
	if err := f.sched.TriggerPoll(ctx); err != nil {
		t.Fatal(err)
	}
	if rows := f.active(t, "plex-1"); len(rows) != 1 {
		t.Fatalf("normal poll stopped an untracked session")
	}

	// Reconciliation checks every active row; the vendor history has the
	// real end of the play.
	ended := t0.Add(40 * time.Second)
	f.srcs[0].history = []models.HistoryEntry{
		{ExternalUserID: "7", RatingKey: "rk-push", StoppedAt: ended},
		{ExternalUserID: "7", RatingKey: "rk-other", StoppedAt: t0.Add(time.Second)},
	}
	f.clock.Set(t0.Add(2 * time.Minute))
	if err := f.sched.TriggerReconciliationPoll(ctx); err != nil {
		t.Fatal(err)
	}

	s, err := f.db.GetSession(ctx, pushed.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.IsActive() || s.StopReason != models.StopReasonReconciled {
		t.Fatalf("session after reconcile: state %s reason %q", s.State, s.StopReason)
	}
	if s.StoppedAt == nil || !s.StoppedAt.Equal(ended) {
		t.Errorf("StoppedAt = %v, want %v", s.StoppedAt, ended)
	}
}

func TestMatchHistory(t *testing.T) {
	t.Parallel()

	a := &models.Session{SessionKey: "k1", RatingKey: "r1", StartedAt: t0}
	tests := []struct {
		name    string
		history []models.HistoryEntry
		want    time.Time
		ok      bool
	}{
		{"by key", []models.HistoryEntry{{SessionKey: "k1", StoppedAt: t0.Add(time.Minute)}}, t0.Add(time.Minute), true},
		{"other key", []models.HistoryEntry{{SessionKey: "k2", ExternalUserID: "u", RatingKey: "r1", StoppedAt: t0.Add(time.Minute)}}, time.Time{}, false},
		{"by user and media", []models.HistoryEntry{{ExternalUserID: "u", RatingKey: "r1", StoppedAt: t0.Add(2 * time.Minute)}}, t0.Add(2 * time.Minute), true},
		{"before start", []models.HistoryEntry{{ExternalUserID: "u", RatingKey: "r1", StoppedAt: t0.Add(-time.Minute)}}, time.Time{}, false},
		{"earliest wins", []models.HistoryEntry{
			{ExternalUserID: "u", RatingKey: "r1", StoppedAt: t0.Add(9 * time.Minute)},
			{ExternalUserID: "u", RatingKey: "r1", StoppedAt: t0.Add(3 * time.Minute)},
		}, t0.Add(3 * time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := matchHistory(a, "u", tt.history)
			if ok != tt.ok || !got.Equal(tt.want) {
				t.Errorf("matchHistory = %v, %v; want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSweepStaleSessions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.srcs[0].set(nil, snap("sk1", "7", models.StatePlaying, 0))
	if err := f.sched.TriggerPoll(ctx); err != nil {
		t.Fatal(err)
	}
	id := f.active(t, "plex-1")[0].ID

	f.clock.Set(t0.Add(4 * time.Minute))
	if n := f.sched.SweepStaleSessions(ctx); n != 0 {
		t.Fatalf("swept %d sessions before the timeout", n)
	}

	f.clock.Set(t0.Add(10 * time.Minute))
	if n := f.sched.SweepStaleSessions(ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if n := f.sched.SweepStaleSessions(ctx); n != 0 {
		t.Errorf("second sweep stopped %d, want 0", n)
	}

	s, _ := f.db.GetSession(ctx, id)
	if !s.ForceStopped || s.StopReason != models.StopReasonStale || !s.StoppedAt.Equal(t0) {
		t.Errorf("swept session = force %v reason %q stopped %v", s.ForceStopped, s.StopReason, s.StoppedAt)
	}
	if f.sched.Stats().LastSweepStopped != 0 {
		t.Errorf("stats reflect the last sweep, want 0")
	}
}

// hookLocker runs before once, ahead of the next lock acquisition.
type hookLocker struct {
	locking.Locker

	mu     sync.Mutex
	before func()
}

func (h *hookLocker) arm(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = fn
}

func (h *hookLocker) Acquire(ctx context.Context, key string) (locking.Unlock, error) {
	h.mu.Lock()
	fn := h.before
	h.before = nil
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	return h.Locker.Acquire(ctx, key)
}

func TestSweepSkipsSessionObservedAfterScan(t *testing.T) {
	locker := &hookLocker{Locker: locking.NewKeyedMutex()}
	f := setupWithLocker(t, locker)
	ctx := context.Background()

	f.srcs[0].set(nil, snap("sk1", "7", models.StatePlaying, 0))
	if err := f.sched.TriggerPoll(ctx); err != nil {
		t.Fatal(err)
	}
	id := f.active(t, "plex-1")[0].ID

	// The session is stale when the sweep scans, and observed again before
	// the sweep's stop takes the session lock.
	f.clock.Set(t0.Add(10 * time.Minute))
	locker.arm(func() {
		if _, err := f.mgr.UpdateSessionAtomic(ctx, lifecycle.UpdateInput{
			SessionID:  id,
			Entry:      snap("sk1", "7", models.StatePlaying, 600_000),
			ObservedAt: t0.Add(10 * time.Minute),
		}); err != nil {
			t.Errorf("update: %v", err)
		}
	})

	if n := f.sched.SweepStaleSessions(ctx); n != 0 {
		t.Errorf("swept %d, want 0", n)
	}
	s, err := f.db.GetSession(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsActive() || !s.LastSeenAt.Equal(t0.Add(10*time.Minute)) {
		t.Errorf("session = state %s stopped %v last seen %v", s.State, s.StoppedAt, s.LastSeenAt)
	}
	if got := f.sched.Stats().TrackedSessions; got != 1 {
		t.Errorf("tracked = %d, want 1", got)
	}
}

func TestResumeUnderNewKeyGroupsInSameCycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	src := f.srcs[0]

	first := snap("sk1", "7", models.StatePlaying, 100_000)
	first.RatingKey = "movie-1"
	src.set(nil, first)
	if err := f.sched.TriggerPoll(ctx); err != nil {
		t.Fatal(err)
	}
	firstID := f.active(t, "plex-1")[0].ID

	f.clock.Set(t0.Add(30 * time.Second))
	resumed := snap("sk2", "7", models.StatePlaying, 130_000)
	resumed.RatingKey = "movie-1"
	src.set(nil, resumed)
	if err := f.sched.TriggerPoll(ctx); err != nil {
		t.Fatal(err)
	}

	rows := f.active(t, "plex-1")
	if len(rows) != 1 || rows[0].SessionKey != "sk2" {
		t.Fatalf("active after resume: %+v", rows)
	}
	if rows[0].ReferenceID == nil || *rows[0].ReferenceID != firstID {
		t.Errorf("sk2 reference = %v, want %s", rows[0].ReferenceID, firstID)
	}
	prev, err := f.db.GetSession(ctx, firstID)
	if err != nil {
		t.Fatal(err)
	}
	if prev.IsActive() || prev.StopReason != models.StopReasonDisappeared {
		t.Errorf("sk1 = state %s reason %q, want stopped as disappeared", prev.State, prev.StopReason)
	}
}

func TestSweepAndPollRaceStopOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.srcs[0].set(nil, snap("sk1", "7", models.StatePlaying, 0))
	if err := f.sched.TriggerPoll(ctx); err != nil {
		t.Fatal(err)
	}

	f.clock.Set(t0.Add(10 * time.Minute))
	f.srcs[0].set(nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := f.sched.TriggerPoll(ctx); err != nil {
			t.Errorf("poll: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		f.sched.SweepStaleSessions(ctx)
	}()
	wg.Wait()

	if got := f.pub.count(events.TypeSessionStopped); got != 1 {
		t.Errorf("stop events = %d, want exactly 1", got)
	}
	if rows := f.active(t, "plex-1"); len(rows) != 0 {
		t.Errorf("still active: %+v", rows)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := setup(t)
	defer goleak.VerifyNone(t, leakOptions()...)

	cfg := config.PollerConfig{Enabled: true, Interval: time.Hour, SweepInterval: time.Hour}
	ctx := context.Background()

	if err := f.sched.Start(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Start(ctx, cfg); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !f.sched.Stats().Running {
		t.Error("scheduler not running after Start")
	}

	f.sched.Stop()
	f.sched.Stop()
	if f.sched.Stats().Running {
		t.Error("scheduler running after Stop")
	}

	// Restart after stop works.
	if err := f.sched.Start(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	f.sched.Stop()
}

func TestStartDisabledOrInvalid(t *testing.T) {
	f := setup(t)

	if err := f.sched.Start(context.Background(), config.PollerConfig{Enabled: false}); err != nil {
		t.Fatalf("disabled start: %v", err)
	}
	if f.sched.Stats().Running {
		t.Error("disabled poller must not run")
	}
	if err := f.sched.Start(context.Background(), config.PollerConfig{Enabled: true}); err == nil {
		t.Error("expected error for zero intervals")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := setup(t)
	defer goleak.VerifyNone(t, leakOptions()...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.sched.Run(ctx, config.PollerConfig{Enabled: true, Interval: time.Hour, SweepInterval: time.Hour})
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
