// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package rules

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionkeeper/internal/models"
	"github.com/tomtom215/sessionkeeper/internal/validation"
)

// Type discriminates the evaluation strategy of a rule.
type Type string

const (
	TypeConcurrentStreams     Type = "concurrent_streams"
	TypeSimultaneousLocations Type = "simultaneous_locations"
	TypeImpossibleTravel      Type = "impossible_travel"
	TypeDeviceVelocity        Type = "device_velocity"
	TypeGeoRestriction        Type = "geo_restriction"
)

// DefaultPenalty is applied when a rule's params leave penalty unset.
const DefaultPenalty = 10

// ErrUnknownRuleType is returned by Parse for an unrecognized type.
var ErrUnknownRuleType = errors.New("unknown rule type")

// Params is implemented by every typed params variant.
type Params interface {
	Type() Type
	penalty() int
}

// ConcurrentStreamsParams triggers when a user has more than MaxStreams
// active sessions, counting the evaluated one.
type ConcurrentStreamsParams struct {
	MaxStreams int `json:"max_streams" validate:"min=1,max=100"`
	Penalty    int `json:"penalty" validate:"min=0,max=100"`
}

// SimultaneousLocationsParams triggers when another active session of the
// same user is at least MinDistanceKm away.
type SimultaneousLocationsParams struct {
	MinDistanceKm float64 `json:"min_distance_km" validate:"gt=0"`
	Penalty       int     `json:"penalty" validate:"min=0,max=100"`
}

// ImpossibleTravelParams triggers when moving from the user's previous
// session location to the current one requires more than MaxSpeedKmh.
type ImpossibleTravelParams struct {
	MaxSpeedKmh   float64 `json:"max_speed_kmh" validate:"gt=0"`
	MinDistanceKm float64 `json:"min_distance_km" validate:"gte=0"`
	Penalty       int     `json:"penalty" validate:"min=0,max=100"`
}

// DeviceVelocityParams triggers when more than MaxUniqueIPs distinct
// addresses start sessions within WindowMinutes.
type DeviceVelocityParams struct {
	WindowMinutes int `json:"window_minutes" validate:"min=1,max=10080"`
	MaxUniqueIPs  int `json:"max_unique_ips" validate:"min=1"`
	Penalty       int `json:"penalty" validate:"min=0,max=100"`
}

// GeoRestrictionParams triggers for sessions located in a blocked country,
// or outside the allow list when one is given.
type GeoRestrictionParams struct {
	BlockedCountries []string `json:"blocked_countries" validate:"required_without=AllowedCountries,excluded_with=AllowedCountries,dive,iso3166_1_alpha2"`
	AllowedCountries []string `json:"allowed_countries" validate:"required_without=BlockedCountries,dive,iso3166_1_alpha2"`
	Penalty          int      `json:"penalty" validate:"min=0,max=100"`
}

func (ConcurrentStreamsParams) Type() Type     { return TypeConcurrentStreams }
func (SimultaneousLocationsParams) Type() Type { return TypeSimultaneousLocations }
func (ImpossibleTravelParams) Type() Type      { return TypeImpossibleTravel }
func (DeviceVelocityParams) Type() Type        { return TypeDeviceVelocity }
func (GeoRestrictionParams) Type() Type        { return TypeGeoRestriction }

func (p ConcurrentStreamsParams) penalty() int     { return p.Penalty }
func (p SimultaneousLocationsParams) penalty() int { return p.Penalty }
func (p ImpossibleTravelParams) penalty() int      { return p.Penalty }
func (p DeviceVelocityParams) penalty() int        { return p.Penalty }
func (p GeoRestrictionParams) penalty() int        { return p.Penalty }

// Rule is a parsed, validated rule ready for evaluation.
type Rule struct {
	ID           int64
	Name         string
	ServerID     *string
	ServerUserID *string
	Params       Params
}

// Type returns the rule's discriminator.
func (r *Rule) Type() Type {
	return r.Params.Type()
}

// Parse decodes and validates the params of a stored rule.
func Parse(stored models.Rule) (*Rule, error) {
	var (
		params Params
		err    error
	)

	switch Type(stored.Type) {
	case TypeConcurrentStreams:
		params, err = decode[ConcurrentStreamsParams](stored.Params)
	case TypeSimultaneousLocations:
		params, err = decode[SimultaneousLocationsParams](stored.Params)
	case TypeImpossibleTravel:
		params, err = decode[ImpossibleTravelParams](stored.Params)
	case TypeDeviceVelocity:
		params, err = decode[DeviceVelocityParams](stored.Params)
	case TypeGeoRestriction:
		params, err = decode[GeoRestrictionParams](stored.Params)
	default:
		return nil, fmt.Errorf("rule %d: %w: %q", stored.ID, ErrUnknownRuleType, stored.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("rule %d (%s): %w", stored.ID, stored.Type, err)
	}

	return &Rule{
		ID:           stored.ID,
		Name:         stored.Name,
		ServerID:     stored.ServerID,
		ServerUserID: stored.ServerUserID,
		Params:       params,
	}, nil
}

func decode[T Params](raw json.RawMessage) (Params, error) {
	var p T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if err := validation.ValidateStruct(&p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return p, nil
}

// DoesRuleApplyToUser reports whether the rule targets serverUserID. A rule
// without a user applies to every user in its server scope.
func DoesRuleApplyToUser(rule *Rule, serverUserID string) bool {
	return rule.ServerUserID == nil || *rule.ServerUserID == serverUserID
}

// AppliesToServer reports whether the rule is scoped to serverID.
func AppliesToServer(rule *Rule, serverID string) bool {
	return rule.ServerID == nil || *rule.ServerID == serverID
}

// ClampTrustScore subtracts penalty from score without going below floor.
// A score already under the floor is never raised.
func ClampTrustScore(score, penalty, floor int) int {
	if penalty <= 0 {
		return score
	}
	next := score - penalty
	if next < floor {
		next = floor
	}
	if next > score {
		return score
	}
	return next
}

// severityFor grades a violation by its penalty.
func severityFor(penalty int) models.Severity {
	switch {
	case penalty >= 25:
		return models.SeverityHigh
	case penalty >= 10:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// finding is what a triggered check reports back to the evaluator.
type finding struct {
	details map[string]any
}

type checkFunc func(p Params, session *models.Session, history []models.Session) (*finding, error)
