// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/database"
	"github.com/tomtom215/sessionkeeper/internal/lifecycle"
	"github.com/tomtom215/sessionkeeper/internal/locking"
	"github.com/tomtom215/sessionkeeper/internal/models"
	"github.com/tomtom215/sessionkeeper/internal/rules"
)

func TestPushEvent_EndToEnd(t *testing.T) {
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "256MB", Threads: 2})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mgr := lifecycle.New(db, locking.NewKeyedMutex(), rules.NewEvaluator(rules.EvaluatorConfig{}), lifecycle.Config{
		MinPlayTime:              2 * time.Minute,
		WatchCompletionThreshold: 0.85,
		GroupingWindow:           5 * time.Minute,
		HistoryLookback:          24 * time.Hour,
		HistoryMaxPerUser:        50,
	})
	router := NewRouter(NewHandler(Deps{
		Sessions:  mgr,
		Users:     db,
		DB:        db,
		ServerIDs: []string{"jf-1"},
	}), "")

	t0 := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)
	send := func(event, state string, at time.Time, progress int64) *PushEventResponse {
		t.Helper()
		body, _ := json.Marshal(map[string]any{
			"event":       event,
			"observed_at": at,
			"entry": map[string]any{
				"session_key":       "sess-a:item-1",
				"external_user_id":  "user-a",
				"username":          "alice",
				"rating_key":        "item-1",
				"title":             "Heat",
				"media_type":        "Movie",
				"state":             state,
				"progress_ms":       progress,
				"total_duration_ms": int64(10 * time.Minute / time.Millisecond),
			},
		})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/servers/jf-1/events", bytes.NewReader(body)))
		if rec.Code >= 300 {
			t.Fatalf("%s: status %d body %s", event, rec.Code, rec.Body.String())
		}
		var resp struct {
			Data PushEventResponse `json:"data"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return &resp.Data
	}

	started := send("start", "playing", t0, 0)
	if !started.Created || started.Session.MediaType != models.MediaMovie {
		t.Fatalf("start: %+v", started)
	}
	send("update", "paused", t0.Add(time.Minute), 60_000)
	send("update", "playing", t0.Add(3*time.Minute), 60_000)
	stopped := send("stop", "", t0.Add(5*time.Minute), 180_000)

	s := stopped.Session
	if s.IsActive() {
		t.Fatal("session still active after stop")
	}
	if s.PausedMs != 120_000 {
		t.Errorf("PausedMs = %d, want 120000", s.PausedMs)
	}
	if s.DurationMs != 180_000 {
		t.Errorf("DurationMs = %d, want 180000", s.DurationMs)
	}
	if !s.PlayCountEligible {
		t.Error("a three minute play should count")
	}

	stored, err := db.GetSession(t.Context(), s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.StoppedAt == nil || !stored.StoppedAt.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("stored StoppedAt = %v", stored.StoppedAt)
	}
}
