// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Rule is a user-authored policy as stored. Params are decoded into a typed
// variant by package rules when the rule is loaded.
type Rule struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Params       json.RawMessage `json:"params"`
	ServerID     *string         `json:"server_id,omitempty"`      // nil = every server
	ServerUserID *string         `json:"server_user_id,omitempty"` // nil = every user
	IsActive     bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Severity of a violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Violation is the output of one triggered rule for one session.
type Violation struct {
	ID             string          `json:"id"`
	RuleID         int64           `json:"rule_id"`
	RuleType       string          `json:"rule_type"`
	SessionID      string          `json:"session_id"`
	ServerUserID   string          `json:"server_user_id"`
	Severity       Severity        `json:"severity"`
	Penalty        int             `json:"penalty"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
}

// ServerUser is a server-scoped account.
type ServerUser struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"server_id"`
	ExternalID string    `json:"external_id"`
	Username   string    `json:"username"`
	TrustScore int       `json:"trust_score"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DefaultTrustScore is the score a newly observed user starts with.
const DefaultTrustScore = 100
