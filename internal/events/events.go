// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

// Package events publishes session lifecycle notifications after they have
// been committed to the database. Delivery is at-most-once from the
// lifecycle manager's point of view: a publish failure is logged and
// counted, never rolled back.
package events

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/sessionkeeper/internal/models"
)

// Type identifies a session event.
type Type string

const (
	TypeSessionCreated        Type = "session.created"
	TypeSessionUpdated        Type = "session.updated"
	TypeSessionStopped        Type = "session.stopped"
	TypeSessionQualityChanged Type = "session.quality_changed"
	TypeViolationCreated      Type = "violation.created"
)

// SessionEvent is the payload published for every lifecycle change.
type SessionEvent struct {
	ID            string                `json:"id"`
	Type          Type                  `json:"type"`
	OccurredAt    time.Time             `json:"occurred_at"`
	ServerID      string                `json:"server_id"`
	Session       *models.Session       `json:"session,omitempty"`
	QualityChange *models.QualityChange `json:"quality_change,omitempty"`
	Violations    []models.Violation    `json:"violations,omitempty"`
}

// NewSessionEvent creates an event for s with a fresh id.
func NewSessionEvent(t Type, s *models.Session, at time.Time) *SessionEvent {
	e := &SessionEvent{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: at.UTC(),
		Session:    s,
	}
	if s != nil {
		e.ServerID = s.ServerID
	}
	return e
}

// Topic returns the subject the event is published on.
func (e *SessionEvent) Topic(prefix string) string {
	if prefix == "" {
		return string(e.Type)
	}
	return prefix + "." + string(e.Type)
}

// Marshal encodes the event as JSON.
func (e *SessionEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(data []byte) (*SessionEvent, error) {
	var e SessionEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Publisher delivers session events.
type Publisher interface {
	Publish(ctx context.Context, event *SessionEvent) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *SessionEvent) error { return nil }
func (NopPublisher) Close() error                                 { return nil }
