// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/poller"
)

// HealthStatus is the body of GET /healthz.
type HealthStatus struct {
	Status            string        `json:"status"`
	DatabaseConnected bool          `json:"database_connected"`
	UptimeSeconds     float64       `json:"uptime_seconds"`
	Poller            *poller.Stats `json:"poller,omitempty"`
}

// Health reports database connectivity and poller progress. A database that
// cannot be pinged makes the instance unhealthy (503).
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:            "healthy",
		DatabaseConnected: h.db != nil && h.db.Ping(ctx) == nil,
		UptimeSeconds:     time.Since(h.startTime).Seconds(),
	}
	if h.poller != nil {
		stats := h.poller.Stats()
		status.Poller = &stats
	}

	code := http.StatusOK
	if !status.DatabaseConnected {
		status.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, &APIResponse{Success: status.DatabaseConnected, Data: status, Meta: meta(r.Context())})
}

// Reconcile runs one reconciliation poll across every server and waits for
// it. Sessions the store holds as active but no server reports are stopped.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.poller == nil {
		respondError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "Poller is not configured", nil)
		return
	}
	if err := h.poller.TriggerReconciliationPoll(r.Context()); err != nil {
		respondError(w, r, http.StatusBadGateway, CodePollFailed, "Reconciliation failed for one or more servers", err)
		return
	}
	respondOK(w, r, http.StatusOK, h.poller.Stats())
}
