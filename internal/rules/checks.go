// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package rules

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/tomtom215/sessionkeeper/internal/models"
)

const earthRadiusKm = 6371.0

var errNoParams = errors.New("rule has no params")

var checks = map[Type]checkFunc{
	TypeConcurrentStreams:     checkConcurrentStreams,
	TypeSimultaneousLocations: checkSimultaneousLocations,
	TypeImpossibleTravel:      checkImpossibleTravel,
	TypeDeviceVelocity:        checkDeviceVelocity,
	TypeGeoRestriction:        checkGeoRestriction,
}

func runCheck(rule *Rule, session *models.Session, history []models.Session) (*finding, error) {
	if rule == nil || rule.Params == nil {
		return nil, errNoParams
	}
	check, ok := checks[rule.Type()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuleType, rule.Type())
	}
	return check(rule.Params, session, history)
}

func penaltyOf(p Params, fallback int) int {
	if n := p.penalty(); n > 0 {
		return n
	}
	return max(fallback, 0)
}

// otherActive returns the user's active sessions other than session itself,
// deduplicated by id.
func otherActive(session *models.Session, history []models.Session) []*models.Session {
	seen := map[string]bool{session.ID: true}
	var out []*models.Session
	for i := range history {
		h := &history[i]
		if seen[h.ID] || h.ServerUserID != session.ServerUserID || !h.IsActive() {
			continue
		}
		seen[h.ID] = true
		out = append(out, h)
	}
	return out
}

func checkConcurrentStreams(p Params, session *models.Session, history []models.Session) (*finding, error) {
	params := p.(ConcurrentStreamsParams)
	if !session.IsActive() {
		return nil, nil
	}

	others := otherActive(session, history)
	count := len(others) + 1
	if count <= params.MaxStreams {
		return nil, nil
	}

	// Only streams started after the first MaxStreams are over the limit.
	earlier := 0
	for _, o := range others {
		if o.StartedAt.Before(session.StartedAt) ||
			(o.StartedAt.Equal(session.StartedAt) && o.ID < session.ID) {
			earlier++
		}
	}
	if earlier < params.MaxStreams {
		return nil, nil
	}

	ids := make([]string, 0, len(others))
	for _, o := range others {
		ids = append(ids, o.ID)
	}
	slices.Sort(ids)

	return &finding{details: map[string]any{
		"active_streams": count,
		"max_streams":    params.MaxStreams,
		"session_ids":    ids,
	}}, nil
}

func checkSimultaneousLocations(p Params, session *models.Session, history []models.Session) (*finding, error) {
	params := p.(SimultaneousLocationsParams)
	if !session.IsActive() || !session.HasLocation() {
		return nil, nil
	}

	var (
		farthest *models.Session
		maxKm    float64
	)
	for _, o := range otherActive(session, history) {
		if !o.HasLocation() {
			continue
		}
		km := distanceKm(session, o)
		if km >= params.MinDistanceKm && (farthest == nil || km > maxKm) {
			farthest, maxKm = o, km
		}
	}
	if farthest == nil {
		return nil, nil
	}

	return &finding{details: map[string]any{
		"other_session_id": farthest.ID,
		"distance_km":      math.Round(maxKm*10) / 10,
		"min_distance_km":  params.MinDistanceKm,
	}}, nil
}

func checkImpossibleTravel(p Params, session *models.Session, history []models.Session) (*finding, error) {
	params := p.(ImpossibleTravelParams)
	if !session.HasLocation() {
		return nil, nil
	}

	// The previous session is the most recent one that started before this
	// one and has a known location.
	var prev *models.Session
	for i := range history {
		h := &history[i]
		if h.ID == session.ID || h.ServerUserID != session.ServerUserID || !h.HasLocation() {
			continue
		}
		if !h.StartedAt.Before(session.StartedAt) {
			continue
		}
		if prev == nil || h.StartedAt.After(prev.StartedAt) {
			prev = h
		}
	}
	if prev == nil {
		return nil, nil
	}

	km := distanceKm(prev, session)
	if km < params.MinDistanceKm || km == 0 {
		return nil, nil
	}

	// Travel starts when the previous session was last seen.
	left := prev.LastSeenAt
	if prev.StoppedAt != nil {
		left = *prev.StoppedAt
	}
	elapsed := session.StartedAt.Sub(left)
	if elapsed < time.Minute {
		elapsed = time.Minute
	}

	speed := km / elapsed.Hours()
	if speed <= params.MaxSpeedKmh {
		return nil, nil
	}

	return &finding{details: map[string]any{
		"previous_session_id": prev.ID,
		"distance_km":         math.Round(km*10) / 10,
		"elapsed_minutes":     math.Round(elapsed.Minutes()*10) / 10,
		"speed_kmh":           math.Round(speed),
		"max_speed_kmh":       params.MaxSpeedKmh,
	}}, nil
}

func checkDeviceVelocity(p Params, session *models.Session, history []models.Session) (*finding, error) {
	params := p.(DeviceVelocityParams)
	if session.IPAddress == "" {
		return nil, nil
	}

	windowStart := session.StartedAt.Add(-time.Duration(params.WindowMinutes) * time.Minute)
	ips := map[string]struct{}{session.IPAddress: {}}
	for i := range history {
		h := &history[i]
		if h.ServerUserID != session.ServerUserID || h.IPAddress == "" {
			continue
		}
		if h.StartedAt.Before(windowStart) || h.StartedAt.After(session.StartedAt) {
			continue
		}
		ips[h.IPAddress] = struct{}{}
	}
	if len(ips) <= params.MaxUniqueIPs {
		return nil, nil
	}

	list := make([]string, 0, len(ips))
	for ip := range ips {
		list = append(list, ip)
	}
	slices.Sort(list)

	return &finding{details: map[string]any{
		"unique_ips":     len(ips),
		"max_unique_ips": params.MaxUniqueIPs,
		"window_minutes": params.WindowMinutes,
		"ip_addresses":   list,
	}}, nil
}

func checkGeoRestriction(p Params, session *models.Session, _ []models.Session) (*finding, error) {
	params := p.(GeoRestrictionParams)
	if session.GeoCountry == nil || *session.GeoCountry == "" {
		return nil, nil
	}
	country := strings.ToUpper(*session.GeoCountry)

	if containsFold(params.BlockedCountries, country) {
		return &finding{details: map[string]any{"country": country, "reason": "blocked"}}, nil
	}
	if len(params.AllowedCountries) > 0 && !containsFold(params.AllowedCountries, country) {
		return &finding{details: map[string]any{"country": country, "reason": "not_allowed"}}, nil
	}
	return nil, nil
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}

func distanceKm(a, b *models.Session) float64 {
	return haversineDistance(*a.GeoLatitude, *a.GeoLongitude, *b.GeoLatitude, *b.GeoLongitude)
}

// haversineDistance returns the great-circle distance in kilometers.
func haversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
