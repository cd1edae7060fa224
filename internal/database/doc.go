// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

/*
Package database provides DuckDB persistence for sessions, violations, rules
and server users.

All data access goes through Queries, which runs either directly on the
connection pool (DB embeds a *Queries) or inside a transaction opened by
DB.WithTx. The lifecycle manager performs every create and stop inside
WithTx so that a session row, its violations and the trust score decrement
commit together.

# Concurrency

DuckDB uses optimistic concurrency control: two transactions writing the
same row fail at commit with a transaction conflict instead of blocking.
WithTx retries such conflicts with exponential backoff; any other error is
returned immediately. The callback passed to WithTx may therefore run more
than once and must not carry state across attempts.

Uniqueness of the active session per (server_id, session_key) is not a table
constraint (DuckDB has no partial indexes); it is guaranteed by the per-key
lock held by the lifecycle manager around every write.

# Timestamps

All timestamps are stored as TIMESTAMP in UTC.
*/
package database
