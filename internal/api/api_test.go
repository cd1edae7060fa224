// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionkeeper/internal/lifecycle"
	"github.com/tomtom215/sessionkeeper/internal/models"
	"github.com/tomtom215/sessionkeeper/internal/poller"
)

// fakeSessions records lifecycle calls and answers from an in-memory map.
type fakeSessions struct {
	mu      sync.Mutex
	active  map[string]*models.Session
	stopped map[string]*models.Session
	calls   []string
	failErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		active:  make(map[string]*models.Session),
		stopped: make(map[string]*models.Session),
	}
}

func (f *fakeSessions) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSessions) CreateSessionWithRulesAtomic(_ context.Context, in lifecycle.CreateInput) (*lifecycle.CreateResult, error) {
	f.record("create")
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.active[in.Entry.SessionKey]; ok {
		return &lifecycle.CreateResult{Session: s}, nil
	}
	s := &models.Session{ID: "s-" + in.Entry.SessionKey, ServerID: in.ServerID, ServerUserID: in.ServerUserID, SessionKey: in.Entry.SessionKey, State: in.Entry.State}
	f.active[in.Entry.SessionKey] = s
	return &lifecycle.CreateResult{Session: s, Created: true}, nil
}

func (f *fakeSessions) UpdateSessionAtomic(_ context.Context, in lifecycle.UpdateInput) (*lifecycle.UpdateResult, error) {
	f.record("update")
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.active[in.Entry.SessionKey]
	if !ok {
		return nil, lifecycle.ErrSessionNotFound
	}
	s.State = in.Entry.State
	return &lifecycle.UpdateResult{Session: s}, nil
}

func (f *fakeSessions) StopSessionAtomic(_ context.Context, in lifecycle.StopInput) (*lifecycle.StopResult, error) {
	f.record("stop")
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.active[in.SessionKey]
	if !ok {
		if prev, ok := f.stopped[in.SessionKey]; ok {
			return &lifecycle.StopResult{Session: prev, AlreadyStopped: true}, nil
		}
		return nil, lifecycle.ErrSessionNotFound
	}
	delete(f.active, in.SessionKey)
	s.State = models.StateStopped
	f.stopped[in.SessionKey] = s
	return &lifecycle.StopResult{Session: s}, nil
}

type fakeUsers struct{ err error }

func (f fakeUsers) ResolveServerUsers(_ context.Context, serverID string, refs []models.UserRef) (map[string]*models.ServerUser, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]*models.ServerUser, len(refs))
	for _, r := range refs {
		out[r.ExternalID] = &models.ServerUser{ID: "u-" + r.ExternalID, ServerID: serverID, ExternalID: r.ExternalID}
	}
	return out, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakePoller struct {
	err        error
	reconciles int
}

func (f *fakePoller) TriggerReconciliationPoll(context.Context) error {
	f.reconciles++
	return f.err
}

func (f *fakePoller) Stats() poller.Stats { return poller.Stats{Running: true, Servers: 1} }

type testAPI struct {
	router   http.Handler
	sessions *fakeSessions
	poller   *fakePoller
}

func newTestAPI(t *testing.T, token string) *testAPI {
	t.Helper()
	sessions := newFakeSessions()
	p := &fakePoller{}
	h := NewHandler(Deps{
		Sessions:  sessions,
		Users:     fakeUsers{},
		DB:        fakePinger{},
		Poller:    p,
		ServerIDs: []string{"plex-1"},
	})
	return &testAPI{router: NewRouter(h, token), sessions: sessions, poller: p}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var resp APIResponse
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func push(event, key, user string) map[string]any {
	return map[string]any{
		"event": event,
		"entry": map[string]any{
			"session_key":      key,
			"external_user_id": user,
			"rating_key":       "100",
			"title":            "Heat",
			"media_type":       "movie",
			"state":            "playing",
		},
	}
}

func TestPushEvent_Lifecycle(t *testing.T) {
	a := newTestAPI(t, "")
	const path = "/api/v1/servers/plex-1/events"

	rec, resp := a.do(t, http.MethodPost, path, "", push("start", "k1", "42"))
	if rec.Code != http.StatusCreated || !resp.Success {
		t.Fatalf("start: status %d body %s", rec.Code, rec.Body.String())
	}
	if resp.Meta == nil || resp.Meta.RequestID == "" {
		t.Error("response meta should carry the request id")
	}

	rec, _ = a.do(t, http.MethodPost, path, "", push("start", "k1", "42"))
	if rec.Code != http.StatusOK {
		t.Errorf("repeated start: status %d, want 200", rec.Code)
	}

	rec, _ = a.do(t, http.MethodPost, path, "", push("update", "k1", "42"))
	if rec.Code != http.StatusOK {
		t.Errorf("update: status %d", rec.Code)
	}

	rec, _ = a.do(t, http.MethodPost, path, "", map[string]any{"event": "stop", "entry": map[string]any{"session_key": "k1"}})
	if rec.Code != http.StatusOK {
		t.Errorf("stop: status %d body %s", rec.Code, rec.Body.String())
	}

	rec, _ = a.do(t, http.MethodPost, path, "", map[string]any{"event": "stop", "entry": map[string]any{"session_key": "k1"}})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"already_stopped":true`) {
		t.Errorf("repeated stop: status %d body %s", rec.Code, rec.Body.String())
	}

	rec, resp = a.do(t, http.MethodPost, path, "", map[string]any{"event": "stop", "entry": map[string]any{"session_key": "never"}})
	if rec.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Errorf("stop of unknown key: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestPushEvent_UpdateWithoutStartCreates(t *testing.T) {
	a := newTestAPI(t, "")

	rec, _ := a.do(t, http.MethodPost, "/api/v1/servers/plex-1/events", "", push("update", "lost", "7"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d, want 201", rec.Code)
	}
	want := []string{"update", "create"}
	if got := a.sessions.calls; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestPushEvent_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"unknown server", "/api/v1/servers/nope/events", push("start", "k", "u"), http.StatusNotFound, CodeNotFound},
		{"bad json", "/api/v1/servers/plex-1/events", "{not json", http.StatusBadRequest, CodeInvalidBody},
		{"bad event", "/api/v1/servers/plex-1/events", push("rewind", "k", "u"), http.StatusBadRequest, CodeValidation},
		{"missing key", "/api/v1/servers/plex-1/events", push("start", "", "u"), http.StatusBadRequest, CodeValidation},
		{"start without user", "/api/v1/servers/plex-1/events", push("start", "k", ""), http.StatusBadRequest, CodeValidation},
		{"bad state", "/api/v1/servers/plex-1/events", map[string]any{
			"event": "update",
			"entry": map[string]any{"session_key": "k", "external_user_id": "u", "state": "buffering"},
		}, http.StatusBadRequest, CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t, "")
			rec, resp := a.do(t, http.MethodPost, tt.path, "", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if resp.Error == nil || resp.Error.Code != tt.wantErr {
				t.Errorf("error = %+v, want code %s", resp.Error, tt.wantErr)
			}
			if len(a.sessions.calls) != 0 {
				t.Errorf("lifecycle called for rejected request: %v", a.sessions.calls)
			}
		})
	}
}

func TestPushEvent_LifecycleFailure(t *testing.T) {
	a := newTestAPI(t, "")
	a.sessions.failErr = errors.New("duckdb: disk full")

	rec, resp := a.do(t, http.MethodPost, "/api/v1/servers/plex-1/events", "", push("start", "k", "u"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "disk full") {
		t.Error("internal error text leaked to client")
	}
	if resp.Error == nil || resp.Error.Code != CodeInternal {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestPushEvent_BearerToken(t *testing.T) {
	a := newTestAPI(t, "s3cret")
	path := "/api/v1/servers/plex-1/events"

	rec, resp := a.do(t, http.MethodPost, path, "", push("start", "k", "u"))
	if rec.Code != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != CodeUnauthorized {
		t.Errorf("no token: status %d body %s", rec.Code, rec.Body.String())
	}
	rec, _ = a.do(t, http.MethodPost, path, "s3cret", push("start", "k", "u"))
	if rec.Code != http.StatusCreated {
		t.Errorf("valid token: status %d", rec.Code)
	}
	rec, _ = a.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz should not require a token, got %d", rec.Code)
	}
}

func TestReconcile(t *testing.T) {
	a := newTestAPI(t, "")

	rec, resp := a.do(t, http.MethodPost, "/api/v1/poller/reconcile", "", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if a.poller.reconciles != 1 {
		t.Errorf("reconciles = %d", a.poller.reconciles)
	}

	a.poller.err = errors.New("plex-1: fetch failed")
	rec, resp = a.do(t, http.MethodPost, "/api/v1/poller/reconcile", "", nil)
	if rec.Code != http.StatusBadGateway || resp.Error == nil || resp.Error.Code != CodePollFailed {
		t.Errorf("failing poll: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestReconcile_NoPoller(t *testing.T) {
	h := NewHandler(Deps{Sessions: newFakeSessions(), Users: fakeUsers{}, DB: fakePinger{}})
	rec := httptest.NewRecorder()
	NewRouter(h, "").ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/poller/reconcile", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		wantCode int
		want     string
	}{
		{"healthy", nil, http.StatusOK, "healthy"},
		{"database down", errors.New("closed"), http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Deps{DB: fakePinger{err: tt.pingErr}, Poller: &fakePoller{}})
			rec := httptest.NewRecorder()
			NewRouter(h, "").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status %d, want %d", rec.Code, tt.wantCode)
			}
			var body struct {
				Data HealthStatus `json:"data"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Data.Status != tt.want {
				t.Errorf("status = %q, want %q", body.Data.Status, tt.want)
			}
			if body.Data.Poller == nil || !body.Data.Poller.Running {
				t.Error("poller stats missing")
			}
		})
	}
}

func TestMetricsAndNotFound(t *testing.T) {
	a := newTestAPI(t, "")

	rec, _ := a.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sessionkeeper_") {
		t.Errorf("/metrics: status %d", rec.Code)
	}

	rec, resp := a.do(t, http.MethodGet, "/nowhere", "", nil)
	if rec.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Errorf("unknown route: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestSanitizeLogValue(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"line\nbreak", `line\x0abreak`},
		{"tab\there", `tab\x09here`},
	}
	for _, tt := range tests {
		if got := sanitizeLogValue(tt.in); got != tt.want {
			t.Errorf("sanitizeLogValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
