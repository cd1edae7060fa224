// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

/*
Package middleware provides chi-compatible HTTP middleware.

  - RequestID tags each request with an X-Request-ID and a context logger
    carrying request_id and correlation_id.
  - PrometheusMetrics records duration by chi route pattern so path
    parameters such as server IDs do not explode label cardinality.
  - BearerToken guards push intake with a shared secret.

A typical stack:

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)
*/
package middleware
