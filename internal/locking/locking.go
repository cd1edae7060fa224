// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

// Package locking provides mutual exclusion per session key.
//
// Every create, update and stop of a session holds the lock for its
// (server, session key) pair, so the poll loop and push handlers never write
// the same session concurrently. KeyedMutex covers a single process;
// RedisLocker extends the guarantee across replicas sharing one database.
package locking

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a lock could not be obtained before the
// context ended or the wait budget ran out.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker grants exclusive ownership of a key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Unlock, error)
}

// SessionKey returns the lock key for a server's session key.
func SessionKey(serverID, sessionKey string) string {
	return "session:" + serverID + ":" + sessionKey
}
