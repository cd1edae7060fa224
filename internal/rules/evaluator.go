// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package rules

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/sessionkeeper/internal/logging"
	"github.com/tomtom215/sessionkeeper/internal/metrics"
	"github.com/tomtom215/sessionkeeper/internal/models"
)

// EvaluatorConfig holds evaluator settings.
type EvaluatorConfig struct {
	// DefaultPenalty replaces a zero penalty in rule params.
	DefaultPenalty int
}

// Evaluator applies a set of rules to one session at a time.
type Evaluator struct {
	cfg EvaluatorConfig
	now func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	if cfg.DefaultPenalty <= 0 {
		cfg.DefaultPenalty = DefaultPenalty
	}
	return &Evaluator{cfg: cfg, now: time.Now}
}

// RuleError records a rule that failed to evaluate.
type RuleError struct {
	RuleID int64
	Err    error
}

func (e RuleError) Error() string {
	return fmt.Sprintf("rule %d: %v", e.RuleID, e.Err)
}

func (e RuleError) Unwrap() error { return e.Err }

// Result is the outcome of evaluating all rules against a session.
type Result struct {
	Violations   []models.Violation
	TotalPenalty int
	Errors       []RuleError
}

// Triggered reports whether any rule produced a violation.
func (r *Result) Triggered() bool {
	return len(r.Violations) > 0
}

// Evaluate runs every applicable rule against session. Rules are visited in
// ascending id order; a failing rule is recorded in Result.Errors and skipped.
func (e *Evaluator) Evaluate(rules []*Rule, session *models.Session, history []models.Session) *Result {
	res := &Result{}
	if session == nil || len(rules) == 0 {
		return res
	}

	ordered := slices.Clone(rules)
	slices.SortStableFunc(ordered, func(a, b *Rule) int { return cmp.Compare(a.ID, b.ID) })

	for _, rule := range ordered {
		if rule == nil {
			continue
		}
		if !AppliesToServer(rule, session.ServerID) || !DoesRuleApplyToUser(rule, session.ServerUserID) {
			continue
		}

		v, err := e.evaluateOne(rule, session, history)
		if err != nil {
			metrics.RuleEvaluationErrors.WithLabelValues(string(rule.Type())).Inc()
			logging.Warn().Err(err).
				Int64("rule_id", rule.ID).
				Str("session_id", session.ID).
				Msg("Rule evaluation failed, skipping")
			res.Errors = append(res.Errors, RuleError{RuleID: rule.ID, Err: err})
			continue
		}
		if v == nil {
			continue
		}

		res.Violations = append(res.Violations, *v)
		res.TotalPenalty += v.Penalty
	}

	return res
}

// GetTrustScorePenalty returns the penalty the rule assigns to session given
// the user's recent history, or 0 when the rule does not trigger. A rule
// without its own penalty uses the evaluator's default.
func (e *Evaluator) GetTrustScorePenalty(rule *Rule, session *models.Session, history []models.Session) (int, error) {
	f, err := runCheck(rule, session, history)
	if err != nil || f == nil {
		return 0, err
	}
	return penaltyOf(rule.Params, e.cfg.DefaultPenalty), nil
}

func (e *Evaluator) evaluateOne(rule *Rule, session *models.Session, history []models.Session) (v *models.Violation, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	f, err := runCheck(rule, session, history)
	if err != nil || f == nil {
		return nil, err
	}

	penalty := penaltyOf(rule.Params, e.cfg.DefaultPenalty)
	details, err := json.Marshal(f.details)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}

	return &models.Violation{
		ID:           uuid.NewString(),
		RuleID:       rule.ID,
		RuleType:     string(rule.Type()),
		SessionID:    session.ID,
		ServerUserID: session.ServerUserID,
		Severity:     severityFor(penalty),
		Penalty:      penalty,
		Details:      details,
		CreatedAt:    e.now().UTC(),
	}, nil
}
