// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

// Package cache keeps a read-optimized copy of active sessions for
// real-time dashboards. The database remains the source of truth; the cache
// is written after each lifecycle commit and may briefly lag behind it.
package cache

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/tomtom215/sessionkeeper/internal/models"
)

// SessionCache stores the active sessions of each server.
type SessionCache interface {
	SetActive(ctx context.Context, s *models.Session) error
	RemoveActive(ctx context.Context, serverID, sessionID string) error
	ListActive(ctx context.Context, serverID string) ([]models.Session, error)
}

// MemorySessionCache is an in-process SessionCache.
type MemorySessionCache struct {
	mu      sync.RWMutex
	servers map[string]map[string]models.Session
}

// NewMemorySessionCache creates an empty cache.
func NewMemorySessionCache() *MemorySessionCache {
	return &MemorySessionCache{servers: make(map[string]map[string]models.Session)}
}

func (c *MemorySessionCache) SetActive(_ context.Context, s *models.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.servers[s.ServerID]
	if !ok {
		m = make(map[string]models.Session)
		c.servers[s.ServerID] = m
	}
	m[s.ID] = *s
	return nil
}

func (c *MemorySessionCache) RemoveActive(_ context.Context, serverID, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.servers[serverID]; ok {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(c.servers, serverID)
		}
	}
	return nil
}

func (c *MemorySessionCache) ListActive(_ context.Context, serverID string) ([]models.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Session, 0, len(c.servers[serverID]))
	for _, s := range c.servers[serverID] {
		out = append(out, s)
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(s []models.Session) {
	slices.SortFunc(s, func(a, b models.Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
