// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/cache"
	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/database"
	"github.com/tomtom215/sessionkeeper/internal/events"
	"github.com/tomtom215/sessionkeeper/internal/locking"
	"github.com/tomtom215/sessionkeeper/internal/models"
	"github.com/tomtom215/sessionkeeper/internal/rules"
)

// testDBSemaphore serializes DuckDB usage across tests in this package.
var testDBSemaphore = make(chan struct{}, 1)

var t0 = time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)

const testServer = "plex-1"

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.SessionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	db  *database.DB
	mgr *Manager
	pub *recordingPublisher
	mc  *cache.MemorySessionCache
}

func setup(t *testing.T) *fixture {
	t.Helper()

	testDBSemaphore <- struct{}{}
	t.Cleanup(func() { <-testDBSemaphore })

	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "256MB", Threads: 2})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mgr := New(db, locking.NewKeyedMutex(), rules.NewEvaluator(rules.EvaluatorConfig{}), Config{
		MinPlayTime:              2 * time.Minute,
		WatchCompletionThreshold: 0.85,
		GroupingWindow:           5 * time.Minute,
		HistoryLookback:          24 * time.Hour,
		HistoryMaxPerUser:        50,
	})
	mgr.now = func() time.Time { return t0 }

	pub := &recordingPublisher{}
	mc := cache.NewMemorySessionCache()
	mgr.UsePublisher(pub)
	mgr.UseCache(mc)

	return &fixture{db: db, mgr: mgr, pub: pub, mc: mc}
}

func (f *fixture) user(t *testing.T, externalID string) *models.ServerUser {
	t.Helper()
	users, err := f.db.ResolveServerUsers(context.Background(), testServer, []models.UserRef{{ExternalID: externalID, Username: "user-" + externalID}})
	if err != nil {
		t.Fatalf("ResolveServerUsers: %v", err)
	}
	return users[externalID]
}

func entry(key, ratingKey string, state models.SessionState, progress int64) models.SnapshotEntry {
	return models.SnapshotEntry{
		SessionKey:      key,
		RatingKey:       ratingKey,
		Title:           "Media " + ratingKey,
		MediaType:       models.MediaMovie,
		State:           state,
		ProgressMs:      progress,
		TotalDurationMs: 100_000_000,
		Quality:         "1080",
		Bitrate:         8000,
		IPAddress:       "203.0.113.10",
	}
}

func (f *fixture) create(t *testing.T, userID string, e models.SnapshotEntry, at time.Time) *CreateResult {
	t.Helper()
	res, err := f.mgr.CreateSessionWithRulesAtomic(context.Background(), CreateInput{
		ServerID:     testServer,
		ServerUserID: userID,
		Entry:        e,
		ObservedAt:   at,
	})
	if err != nil {
		t.Fatalf("CreateSessionWithRulesAtomic: %v", err)
	}
	return res
}

func (f *fixture) stop(t *testing.T, id string, at time.Time) *StopResult {
	t.Helper()
	res, err := f.mgr.StopSessionAtomic(context.Background(), StopInput{SessionID: id, StoppedAt: at, Reason: models.StopReasonDisappeared})
	if err != nil {
		t.Fatalf("StopSessionAtomic: %v", err)
	}
	return res
}

func TestCreate_ConcurrentSameKeyYieldsOneRow(t *testing.T) {
	f := setup(t)
	u := f.user(t, "1")

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.mgr.CreateSessionWithRulesAtomic(context.Background(), CreateInput{
				ServerID:     testServer,
				ServerUserID: u.ID,
				Entry:        entry("sk1", "100", models.StatePlaying, 0),
				ObservedAt:   t0,
			})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Created {
				created++
			}
			ids[res.Session.ID] = true
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
	if len(ids) != 1 {
		t.Errorf("callers saw %d distinct sessions, want 1", len(ids))
	}

	active, err := f.db.ListActiveSessions(context.Background(), testServer)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Errorf("active rows = %d, want 1", len(active))
	}
}

func TestCreate_ExistingKeyIsUpdatedWithQualityChange(t *testing.T) {
	f := setup(t)
	u := f.user(t, "1")

	first := f.create(t, u.ID, entry("sk1", "100", models.StatePlaying, 0), t0)

	e := entry("sk1", "100", models.StatePlaying, 30_000)
	e.IsTranscode = true
	e.Quality = "720"
	second := f.create(t, u.ID, e, t0.Add(30*time.Second))

	if second.Created {
		t.Fatal("second create for an active key must not create")
	}
	if second.Session.ID != first.Session.ID {
		t.Errorf("got session %s, want existing %s", second.Session.ID, first.Session.ID)
	}
	if second.QualityChange == nil || second.QualityChange.ToQuality != "720" || !second.QualityChange.IsTranscode {
		t.Errorf("QualityChange = %+v", second.QualityChange)
	}
}

func TestCreate_RequiresIdentity(t *testing.T) {
	f := setup(t)

	_, err := f.mgr.CreateSessionWithRulesAtomic(context.Background(), CreateInput{ServerID: testServer, Entry: entry("sk", "1", models.StatePlaying, 0)})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestPauseResumeStopScenario(t *testing.T) {
	f := setup(t)
	u := f.user(t, "1")
	ctx := context.Background()

	res := f.create(t, u.ID, entry("sk1", "100", models.StatePlaying, 0), t0)
	id := res.Session.ID

	steps := []struct {
		at    time.Duration
		state models.SessionState
	}{
		{time.Minute, models.StatePaused},
		{3 * time.Minute, models.StatePlaying},
	}
	for _, st := range steps {
		_, err := f.mgr.UpdateSessionAtomic(ctx, UpdateInput{
			SessionID:  id,
			Entry:      entry("sk1", "100", st.state, 60_000),
			ObservedAt: t0.Add(st.at),
		})
		if err != nil {
			t.Fatalf("update at %v: %v", st.at, err)
		}
	}

	stopped := f.stop(t, id, t0.Add(5*time.Minute)).Session
	if stopped.State != models.StateStopped || stopped.StoppedAt == nil {
		t.Fatalf("state = %s", stopped.State)
	}
	if stopped.PausedMs != 120_000 {
		t.Errorf("PausedMs = %d, want 120000", stopped.PausedMs)
	}
	if stopped.DurationMs != 180_000 {
		t.Errorf("DurationMs = %d, want 180000", stopped.DurationMs)
	}

	stored, err := f.db.GetSession(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.DurationMs != 180_000 || stored.StopReason != models.StopReasonDisappeared {
		t.Errorf("stored = duration %d reason %q", stored.DurationMs, stored.StopReason)
	}
}

func TestStop_Idempotent(t *testing.T) {
	f := setup(t)
	u := f.user(t, "1")

	res := f.create(t, u.ID, entry("sk1", "100", models.StatePlaying, 0), t0)
	first := f.stop(t, res.Session.ID, t0.Add(10*time.Minute))
	second := f.stop(t, res.Session.ID, t0.Add(20*time.Minute))

	if first.AlreadyStopped {
		t.Error("first stop reported AlreadyStopped")
	}
	if !second.AlreadyStopped {
		t.Error("second stop did not report AlreadyStopped")
	}
	if !second.Session.StoppedAt.Equal(*first.Session.StoppedAt) || second.Session.DurationMs != first.Session.DurationMs {
		t.Errorf("second stop changed the session: %v/%d vs %v/%d",
			second.Session.StoppedAt, second.Session.DurationMs, first.Session.StoppedAt, first.Session.DurationMs)
	}

	plays, err := f.db.CountUniquePlays(context.Background(), u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if plays != 1 {
		t.Errorf("unique plays = %d, want 1", plays)
	}
}

func TestStop_ByKeyWithoutActiveSession(t *testing.T) {
	f := setup(t)
	u := f.user(t, "1")
	ctx := context.Background()

	_, err := f.mgr.StopSessionAtomic(ctx, StopInput{ServerID: testServer, SessionKey: "missing"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("never seen key: err = %v, want ErrSessionNotFound", err)
	}

	created := f.create(t, u.ID, entry("sk1", "100", models.StatePlaying, 0), t0)
	byKey := StopInput{ServerID: testServer, SessionKey: "sk1", StoppedAt: t0.Add(3 * time.Minute)}

	first, err := f.mgr.StopSessionAtomic(ctx, byKey)
	if err != nil || first.AlreadyStopped {
		t.Fatalf("first stop: %+v, %v", first, err)
	}

	byKey.StoppedAt = t0.Add(9 * time.Minute)
	second, err := f.mgr.StopSessionAtomic(ctx, byKey)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if !second.AlreadyStopped || second.Session.ID != created.Session.ID {
		t.Errorf("second stop = %+v, want the stopped session", second)
	}
	if !second.Session.StoppedAt.Equal(t0.Add(3*time.Minute)) || second.Session.DurationMs != first.Session.DurationMs {
		t.Errorf("second stop changed the session: stopped %v duration %d", second.Session.StoppedAt, second.Session.DurationMs)
	}
}

func TestStop_StaleBeforeSkipsRecentlyObserved(t *testing.T) {
	f := setup(t)
	u := f.user(t, "1")
	ctx := context.Background()

	created := f.create(t, u.ID, entry("sk1", "100", models.StatePlaying, 0), t0)
	if _, err := f.mgr.UpdateSessionAtomic(ctx, UpdateInput{
		SessionID:  created.Session.ID,
		Entry:      entry("sk1", "100", models.StatePlaying, 600_000),
		ObservedAt: t0.Add(10 * time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := f.mgr.StopSessionAtomic(ctx, StopInput{
		SessionID:   created.Session.ID,
		StoppedAt:   t0,
		Reason:      models.StopReasonStale,
		Force:       true,
		StaleBefore: t0.Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Fresh || !res.Session.IsActive() {
		t.Fatalf("stop of a fresh session = %+v", res)
	}

	s, err := f.db.GetSession(ctx, created.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsActive() {
		t.Errorf("session stopped although observed after the cutoff: %+v", s)
	}
}

func TestShortPlayIsPersistedButNotCounted(t *testing.T) {
	f := setup(t)
	u := f.user(t, "1")
	ctx := context.Background()

	short := f.create(t, u.ID, entry("sk1", "100", models.StatePlaying, 0), t0)
	stopped := f.stop(t, short.Session.ID, t0.Add(90*time.Second)).Session
	if stopped.PlayCountEligible {
		t.Error("90s play must not be play-count eligible")
	}

	if _, err := f.db.GetSession(ctx, short.Session.ID); err != nil {
		t.Errorf("short play row missing: %v", err)
	}

	long := f.create(t, u.ID, entry("sk2", "200", models.StatePlaying, 0), t0.Add(time.Hour))
	if !f.stop(t, long.Session.ID, t0.Add(time.Hour+10*time.Minute)).Session.PlayCountEligible {
		t.Error("10 minute play must be eligible")
	}

	plays, err := f.db.CountUniquePlays(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if plays != 1 {
		t.Errorf("unique plays = %d, want 1", plays)
	}
}

func TestGrouping_WithinAndOutsideWindow(t *testing.T) {
	f := setup(t)
	u := f.user(t, "1")
	ctx := context.Background()

	first := f.create(t, u.ID, entry("sk1", "100", models.StatePlaying, 0), t0)
	f.stop(t, first.Session.ID, t0.Add(90*time.Second))

	resumed := f.create(t, u.ID, entry("sk2", "100", models.StatePlaying, 90_000), t0.Add(3*time.Minute))
	if !resumed.Grouped || resumed.Session.ReferenceID == nil || *resumed.Session.ReferenceID != first.Session.ID {
		t.Fatalf("resume within window not grouped: %+v", resumed.Session.ReferenceID)
	}
	f.stop(t, resumed.Session.ID, t0.Add(4*time.Minute))

	// 90s + 60s crosses the 120s minimum: the root counts, once.
	root, err := f.db.GetSession(ctx, first.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !root.PlayCountEligible {
		t.Error("root not marked eligible after linked plays reached the minimum")
	}
	plays, _ := f.db.CountUniquePlays(ctx, u.ID)
	if plays != 1 {
		t.Errorf("unique plays = %d, want 1", plays)
	}

	late := f.create(t, u.ID, entry("sk3", "100", models.StatePlaying, 0), t0.Add(30*time.Minute))
	if late.Grouped || late.Session.ReferenceID != nil {
		t.Error("resume outside the window must be an independent play")
	}
	f.stop(t, late.Session.ID, t0.Add(40*time.Minute))

	plays, _ = f.db.CountUniquePlays(ctx, u.ID)
	if plays != 2 {
		t.Errorf("unique plays = %d, want 2", plays)
	}
}

func TestViolationsAndTrustScore(t *testing.T) {
	f := setup(t)
	u := f.user(t, "1")
	ctx := context.Background()

	rule := &models.Rule{
		Name:     "one stream",
		Type:     string(rules.TypeConcurrentStreams),
		Params:   []byte(`{"max_streams":1,"penalty":20}`),
		IsActive: true,
	}
	if err := f.db.SaveRule(ctx, rule); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	broken := &models.Rule{Name: "broken", Type: "no_such_rule", Params: []byte(`{}`), IsActive: true}
	if err := f.db.SaveRule(ctx, broken); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}

	f.create(t, u.ID, entry("sk1", "100", models.StatePlaying, 0), t0)
	second := f.create(t, u.ID, entry("sk2", "200", models.StatePlaying, 0), t0.Add(time.Minute))

	if len(second.Violations) != 1 || second.Violations[0].RuleID != rule.ID {
		t.Fatalf("violations = %+v", second.Violations)
	}

	// Re-evaluation on update does not duplicate the violation or the penalty.
	if _, err := f.mgr.UpdateSessionAtomic(ctx, UpdateInput{
		SessionID:  second.Session.ID,
		Entry:      entry("sk2", "200", models.StatePlaying, 60_000),
		ObservedAt: t0.Add(2 * time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	stored, err := f.db.ListViolationsForSession(ctx, second.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("stored violations = %d, want 1", len(stored))
	}

	user, err := f.db.GetServerUser(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if user.TrustScore != models.DefaultTrustScore-20 {
		t.Errorf("trust score = %d, want %d", user.TrustScore, models.DefaultTrustScore-20)
	}
}

func TestCacheAndEventsFollowCommits(t *testing.T) {
	f := setup(t)
	u := f.user(t, "1")
	ctx := context.Background()

	res := f.create(t, u.ID, entry("sk1", "100", models.StatePlaying, 0), t0)
	cached, _ := f.mc.ListActive(ctx, testServer)
	if len(cached) != 1 || cached[0].ID != res.Session.ID {
		t.Fatalf("cache after create = %+v", cached)
	}

	f.stop(t, res.Session.ID, t0.Add(5*time.Minute))
	cached, _ = f.mc.ListActive(ctx, testServer)
	if len(cached) != 0 {
		t.Errorf("cache after stop = %+v", cached)
	}

	got := f.pub.types()
	want := []events.Type{events.TypeSessionCreated, events.TypeSessionStopped}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestUpdate_StoppedSessionNotFound(t *testing.T) {
	f := setup(t)
	u := f.user(t, "1")

	res := f.create(t, u.ID, entry("sk1", "100", models.StatePlaying, 0), t0)
	f.stop(t, res.Session.ID, t0.Add(time.Minute))

	_, err := f.mgr.UpdateSessionAtomic(context.Background(), UpdateInput{
		SessionID: res.Session.ID,
		Entry:     entry("sk1", "100", models.StatePlaying, 0),
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}
