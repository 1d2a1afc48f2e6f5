package rules

import (
	"fraudalert/internal/domain"
)

// MatchResult reports one rule evaluation outcome for one record.
// Params: match flag and the conditions that individually matched.
// Returns: audit-friendly evaluation result.
type MatchResult struct {
	Matched           bool
	MatchedConditions []domain.Condition
}

// MatchRule applies every rule condition to one record and reduces with logic.
// Params: validated rule snapshot and record.
// Returns: match decision plus the list of matched conditions.
func MatchRule(rule domain.AlertRule, record domain.Record) MatchResult {
	if len(rule.Conditions) == 0 {
		// Empty condition lists are rejected at save time and never evaluated.
		return MatchResult{}
	}

	matched := make([]domain.Condition, 0, len(rule.Conditions))
	for _, condition := range rule.Conditions {
		if Evaluate(record, condition) {
			matched = append(matched, condition)
		}
	}

	switch rule.ConditionLogic {
	case domain.LogicOr:
		return MatchResult{Matched: len(matched) > 0, MatchedConditions: matched}
	default:
		return MatchResult{Matched: len(matched) == len(rule.Conditions), MatchedConditions: matched}
	}
}
