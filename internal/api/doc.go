// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

/*
Package api is the HTTP surface of Sessionkeeper.

Routes:

	POST /api/v1/servers/{serverID}/events   push intake (start, update, stop)
	POST /api/v1/poller/reconcile            run a reconciliation poll now
	GET  /healthz                            database and poller status
	GET  /metrics                            Prometheus exposition

Push intake lets a media server (or a webhook relay) report playback as it
happens instead of waiting for the next poll. Push and poll share the
lifecycle manager, so both paths go through the same per-session lock and
produce the same rows.

All JSON responses use the APIResponse envelope.
*/
package api
