// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

/*
Package main is the entry point of the Sessionkeeper server.

Sessionkeeper polls Plex, Jellyfin and Emby servers for their active
playback sessions, reconciles every snapshot into a durable session history
in DuckDB, evaluates sharing and abuse rules against each session, and
force-stops sessions the servers stopped reporting.

Startup order:

 1. Configuration (koanf: defaults, YAML file, environment) and logging.
 2. DuckDB store.
 3. Coordination backends: Redis locks, active-session cache and pub/sub when
    Redis is enabled, otherwise in-process equivalents; NATS JetStream event
    publishing through Watermill when NATS is enabled.
 4. Media server sources, rule evaluator, lifecycle manager and poller.
 5. HTTP API and the suture supervisor tree.

SIGINT and SIGTERM cancel the root context. The supervisor then shuts the
HTTP server down, stops the poll and sweep loops after their in-flight
cycles, and returns.
*/
package main
