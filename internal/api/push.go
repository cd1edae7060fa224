// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionkeeper/internal/lifecycle"
	"github.com/tomtom215/sessionkeeper/internal/logging"
	"github.com/tomtom215/sessionkeeper/internal/metrics"
	"github.com/tomtom215/sessionkeeper/internal/models"
	"github.com/tomtom215/sessionkeeper/internal/validation"
)

// Push event kinds.
const (
	PushStart  = "start"
	PushUpdate = "update"
	PushStop   = "stop"
)

// PushEventRequest is the body of POST /api/v1/servers/{serverID}/events.
type PushEventRequest struct {
	Event string               `json:"event" validate:"required,oneof=start update stop"`
	Entry models.SnapshotEntry `json:"entry"`

	// ObservedAt defaults to the time the request is handled.
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

// pushIdentity holds the entry fields push intake requires.
type pushIdentity struct {
	Event          string `json:"event"`
	SessionKey     string `json:"session_key" validate:"required,max=255"`
	ExternalUserID string `json:"external_user_id" validate:"required_unless=Event stop,max=255"`
	State          string `json:"state" validate:"omitempty,oneof=playing paused stopped"`
	ProgressMs     int64  `json:"progress_ms" validate:"gte=0"`
}

// PushEventResponse is the data of a successful push.
type PushEventResponse struct {
	Session        *models.Session       `json:"session"`
	Created        bool                  `json:"created,omitempty"`
	Grouped        bool                  `json:"grouped,omitempty"`
	AlreadyStopped bool                  `json:"already_stopped,omitempty"`
	Violations     []models.Violation    `json:"violations,omitempty"`
	QualityChange  *models.QualityChange `json:"quality_change,omitempty"`
}

// PushEvent applies a start, update or stop reported by a media server.
//
// An update for a key with no active session is treated as a start, so a
// lost start event does not lose the session. A stop for a key with no
// active session is 404.
func (h *Handler) PushEvent(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	if !h.knownServer(serverID) {
		metrics.PushEvents.WithLabelValues("unknown", "rejected").Inc()
		respondError(w, r, http.StatusNotFound, CodeNotFound, "Unknown media server", nil)
		return
	}

	var req PushEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.PushEvents.WithLabelValues("unknown", "rejected").Inc()
		respondError(w, r, http.StatusBadRequest, CodeInvalidBody, "Request body is not valid JSON", nil)
		return
	}
	if err := validatePush(&req); err != nil {
		metrics.PushEvents.WithLabelValues(eventLabel(req.Event), "rejected").Inc()
		var verr *validation.Error
		if errors.As(err, &verr) {
			respondValidation(w, r, verr.Error(), verr.Fields)
			return
		}
		respondValidation(w, r, err.Error(), nil)
		return
	}

	observedAt := time.Now().UTC()
	if req.ObservedAt != nil {
		observedAt = req.ObservedAt.UTC()
	}
	req.Entry.MediaType = models.NormalizeMediaType(string(req.Entry.MediaType))

	ctx := logging.ContextWithLogger(r.Context(), logging.LoggerFromContext(r.Context()).With().
		Str("server_id", serverID).
		Str("session_key", sanitizeLogValue(req.Entry.SessionKey)).
		Str("event", req.Event).
		Logger())
	r = r.WithContext(ctx)

	var (
		resp   *PushEventResponse
		status = http.StatusOK
		err    error
	)
	switch req.Event {
	case PushStart:
		resp, status, err = h.pushStart(r, serverID, &req.Entry, observedAt)
	case PushUpdate:
		resp, status, err = h.pushUpdate(r, serverID, &req.Entry, observedAt)
	case PushStop:
		resp, err = h.pushStop(r, serverID, &req.Entry, observedAt)
	}

	switch {
	case err == nil:
		metrics.PushEvents.WithLabelValues(req.Event, "ok").Inc()
		respondOK(w, r, status, resp)
	case errors.Is(err, lifecycle.ErrSessionNotFound):
		metrics.PushEvents.WithLabelValues(req.Event, "not_found").Inc()
		respondError(w, r, http.StatusNotFound, CodeNotFound, "No session for this key", nil)
	case errors.Is(err, lifecycle.ErrInvalidInput):
		metrics.PushEvents.WithLabelValues(req.Event, "rejected").Inc()
		respondValidation(w, r, err.Error(), nil)
	default:
		metrics.PushEvents.WithLabelValues(req.Event, "error").Inc()
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "Failed to apply push event", err)
	}
}

func validatePush(req *PushEventRequest) error {
	if err := validation.ValidateStruct(req); err != nil {
		return err
	}
	return validation.ValidateStruct(&pushIdentity{
		Event:          req.Event,
		SessionKey:     req.Entry.SessionKey,
		ExternalUserID: req.Entry.ExternalUserID,
		State:          string(req.Entry.State),
		ProgressMs:     req.Entry.ProgressMs,
	})
}

func (h *Handler) pushStart(r *http.Request, serverID string, e *models.SnapshotEntry, at time.Time) (*PushEventResponse, int, error) {
	userID, err := h.resolveUser(r, serverID, e)
	if err != nil {
		return nil, 0, err
	}
	if e.State == "" {
		e.State = models.StatePlaying
	}

	res, err := h.sessions.CreateSessionWithRulesAtomic(r.Context(), lifecycle.CreateInput{
		ServerID:     serverID,
		ServerUserID: userID,
		Entry:        *e,
		ObservedAt:   at,
	})
	if err != nil {
		return nil, 0, err
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	return &PushEventResponse{
		Session:       res.Session,
		Created:       res.Created,
		Grouped:       res.Grouped,
		Violations:    res.Violations,
		QualityChange: res.QualityChange,
	}, status, nil
}

func (h *Handler) pushUpdate(r *http.Request, serverID string, e *models.SnapshotEntry, at time.Time) (*PushEventResponse, int, error) {
	if e.State == "" {
		e.State = models.StatePlaying
	}
	res, err := h.sessions.UpdateSessionAtomic(r.Context(), lifecycle.UpdateInput{
		ServerID:   serverID,
		Entry:      *e,
		ObservedAt: at,
	})
	if errors.Is(err, lifecycle.ErrSessionNotFound) {
		logging.Ctx(r.Context()).Debug().Msg("Update for unknown session, creating")
		return h.pushStart(r, serverID, e, at)
	}
	if err != nil {
		return nil, 0, err
	}
	return &PushEventResponse{
		Session:       res.Session,
		Violations:    res.Violations,
		QualityChange: res.QualityChange,
	}, http.StatusOK, nil
}

func (h *Handler) pushStop(r *http.Request, serverID string, e *models.SnapshotEntry, at time.Time) (*PushEventResponse, error) {
	in := lifecycle.StopInput{
		ServerID:   serverID,
		SessionKey: e.SessionKey,
		StoppedAt:  at,
		Reason:     models.StopReasonExplicit,
	}
	if e.ProgressMs > 0 {
		progress := e.ProgressMs
		in.ProgressMs = &progress
	}

	res, err := h.sessions.StopSessionAtomic(r.Context(), in)
	if err != nil {
		return nil, err
	}
	return &PushEventResponse{Session: res.Session, AlreadyStopped: res.AlreadyStopped}, nil
}

// resolveUser maps the vendor user of e to its server user row, creating it
// on first sight.
func (h *Handler) resolveUser(r *http.Request, serverID string, e *models.SnapshotEntry) (string, error) {
	users, err := h.users.ResolveServerUsers(r.Context(), serverID, []models.UserRef{{
		ExternalID: e.ExternalUserID,
		Username:   e.Username,
	}})
	if err != nil {
		return "", fmt.Errorf("resolve user: %w", err)
	}
	u, ok := users[e.ExternalUserID]
	if !ok || u == nil {
		return "", fmt.Errorf("resolve user %q: no row returned", e.ExternalUserID)
	}
	return u.ID, nil
}

func eventLabel(event string) string {
	switch event {
	case PushStart, PushUpdate, PushStop:
		return event
	default:
		return "unknown"
	}
}
