// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package api

import (
	"context"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/lifecycle"
	"github.com/tomtom215/sessionkeeper/internal/models"
	"github.com/tomtom215/sessionkeeper/internal/poller"
)

// SessionLifecycle is satisfied by *lifecycle.Manager.
type SessionLifecycle interface {
	CreateSessionWithRulesAtomic(ctx context.Context, in lifecycle.CreateInput) (*lifecycle.CreateResult, error)
	UpdateSessionAtomic(ctx context.Context, in lifecycle.UpdateInput) (*lifecycle.UpdateResult, error)
	StopSessionAtomic(ctx context.Context, in lifecycle.StopInput) (*lifecycle.StopResult, error)
}

// UserResolver is satisfied by *database.DB.
type UserResolver interface {
	ResolveServerUsers(ctx context.Context, serverID string, refs []models.UserRef) (map[string]*models.ServerUser, error)
}

// Pinger is satisfied by *database.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PollController is satisfied by *poller.Scheduler.
type PollController interface {
	TriggerReconciliationPoll(ctx context.Context) error
	Stats() poller.Stats
}

// Deps are the collaborators of Handler. Poller may be nil.
type Deps struct {
	Sessions  SessionLifecycle
	Users     UserResolver
	DB        Pinger
	Poller    PollController
	ServerIDs []string
}

// Handler serves the API routes.
type Handler struct {
	sessions  SessionLifecycle
	users     UserResolver
	db        Pinger
	poller    PollController
	servers   map[string]struct{}
	startTime time.Time
}

// NewHandler builds a Handler. Push events are accepted only for ServerIDs.
func NewHandler(d Deps) *Handler {
	servers := make(map[string]struct{}, len(d.ServerIDs))
	for _, id := range d.ServerIDs {
		servers[id] = struct{}{}
	}
	return &Handler{
		sessions:  d.Sessions,
		users:     d.Users,
		db:        d.DB,
		poller:    d.Poller,
		servers:   servers,
		startTime: time.Now(),
	}
}

func (h *Handler) knownServer(id string) bool {
	_, ok := h.servers[id]
	return ok
}
