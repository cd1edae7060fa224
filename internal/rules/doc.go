// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

// Package rules evaluates sharing and security policies against sessions.
//
// A stored rule carries a type discriminator and opaque JSON params. Parse
// decodes the params into the typed variant for that type and validates them,
// so a malformed rule is rejected once at load time instead of on every
// evaluation.
//
// Supported rule types:
//
//   - concurrent_streams: too many active streams for one user
//   - simultaneous_locations: active streams from locations far apart
//   - impossible_travel: consecutive sessions requiring implausible speed
//   - device_velocity: too many distinct IP addresses within a window
//   - geo_restriction: streaming from a blocked (or not allowed) country
//
// Evaluation is pure. The Evaluator walks rules in ascending id order, skips
// rules that do not apply to the session's server or user, and isolates
// failures per rule: one rule returning an error never prevents the others
// from running. Each triggered rule yields exactly one violation, and the
// penalties of all triggered rules are summed for a single trust score
// decrement applied by the caller.
package rules
