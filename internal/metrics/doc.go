// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

/*
Package metrics provides Prometheus instrumentation for the tracking core.

All collectors are registered with the default registry through promauto and
exposed at /metrics by the api package.

# Available Metrics

Poll metrics:
  - sessionkeeper_poll_cycle_duration_seconds (histogram, labels: server_id, kind)
  - sessionkeeper_poll_fetch_errors_total (counter, labels: server_id)
  - sessionkeeper_poll_cycle_errors_total (counter, labels: server_id)
  - sessionkeeper_poll_last_success_timestamp (gauge, labels: server_id)

Session metrics:
  - sessionkeeper_sessions_created_total (counter, labels: server_id, kind)
  - sessionkeeper_sessions_updated_total (counter, labels: server_id)
  - sessionkeeper_sessions_stopped_total (counter, labels: server_id, reason)
  - sessionkeeper_sessions_active (gauge, labels: server_id)
  - sessionkeeper_quality_changes_total (counter, labels: server_id)
  - sessionkeeper_stale_sessions_swept_total (counter)

Rule metrics:
  - sessionkeeper_violations_total (counter, labels: rule_type)
  - sessionkeeper_rule_evaluation_errors_total (counter, labels: rule_type)

Infrastructure:
  - sessionkeeper_db_query_duration_seconds, sessionkeeper_db_query_errors_total
  - sessionkeeper_lock_wait_seconds (histogram, labels: backend)
  - sessionkeeper_circuit_breaker_state, sessionkeeper_circuit_breaker_requests_total,
    sessionkeeper_circuit_breaker_state_transitions_total (labels: name)
  - sessionkeeper_events_published_total, sessionkeeper_events_publish_errors_total
  - sessionkeeper_push_events_total (labels: event, status)
*/
package metrics
