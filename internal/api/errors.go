// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package api

// Error codes carried in APIError.Code.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeInvalidBody  = "INVALID_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeUnavailable  = "SERVICE_UNAVAILABLE"
	CodePollFailed   = "POLL_FAILED"
	CodeInternal     = "INTERNAL_ERROR"
)
