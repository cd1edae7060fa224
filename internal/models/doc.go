// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

/*
Package models defines the data structures shared by the session-tracking core.

Model Categories:

 1. Persisted rows owned by the core:
    - Session: one playback attempt by one server user on one server
    - Violation: a triggered rule attached to the session that triggered it

 2. Persisted rows the core reads (managed by CRUD collaborators):
    - Rule: a user-authored policy, params opaque until parsed by package rules
    - ServerUser: a server-scoped account; only TrustScore is mutated by the core

 3. Vendor contract:
    - SnapshotEntry: one normalized "currently playing" entry from a media server
    - HistoryEntry: one vendor-reported finished playback

A Session moves forward only: playing <-> paused -> stopped. Stopped is terminal.
At most one non-stopped Session exists per (ServerID, SessionKey).
*/
package models
