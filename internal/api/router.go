// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/sessionkeeper/internal/config"
	"github.com/tomtom215/sessionkeeper/internal/middleware"
)

// maxBodyBytes caps push request bodies.
const maxBodyBytes = 1 << 20

// NewRouter wires every route. pushToken, when set, guards the /api/v1 routes.
func NewRouter(h *Handler, pushToken string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BearerToken(pushToken, func(w http.ResponseWriter, r *http.Request) {
			respondError(w, r, http.StatusUnauthorized, CodeUnauthorized, "Missing or invalid bearer token", nil)
		}))
		r.Use(chimiddleware.RequestSize(maxBodyBytes))

		r.Post("/servers/{serverID}/events", h.PushEvent)
		r.Post("/poller/reconcile", h.Reconcile)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "Route not found", nil)
	})

	return r
}

// NewServer returns an *http.Server for cfg serving handler.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       2 * timeout,
	}
}
