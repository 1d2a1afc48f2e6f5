package rules

import (
	"regexp"
	"strings"

	"fraudalert/internal/domain"
)

// Evaluate checks one condition against one record.
// Params: record under evaluation and one validated condition.
// Returns: true when the condition matches; never panics on malformed input.
func Evaluate(record domain.Record, condition domain.Condition) bool {
	fieldValue, present := record.Lookup(condition.Field)
	if !present {
		// Absence is treated as inequality for the negated operators.
		switch condition.Operator {
		case domain.OperatorNotEquals, domain.OperatorNotContains, domain.OperatorNotIn:
			return true
		default:
			return false
		}
	}

	switch condition.Operator {
	case domain.OperatorEquals:
		return scalarEquals(fieldValue, condition.Value, condition.CaseSensitive)
	case domain.OperatorNotEquals:
		return !scalarEquals(fieldValue, condition.Value, condition.CaseSensitive)
	case domain.OperatorGreaterThan:
		return compareNumeric(fieldValue, condition.Value, func(lhs, rhs float64) bool { return lhs > rhs })
	case domain.OperatorLessThan:
		return compareNumeric(fieldValue, condition.Value, func(lhs, rhs float64) bool { return lhs < rhs })
	case domain.OperatorGreaterEqual:
		return compareNumeric(fieldValue, condition.Value, func(lhs, rhs float64) bool { return lhs >= rhs })
	case domain.OperatorLessEqual:
		return compareNumeric(fieldValue, condition.Value, func(lhs, rhs float64) bool { return lhs <= rhs })
	case domain.OperatorContains:
		return contains(fieldValue, condition.Value, condition.CaseSensitive)
	case domain.OperatorNotContains:
		return !contains(fieldValue, condition.Value, condition.CaseSensitive)
	case domain.OperatorIn:
		return memberOf(fieldValue, condition.Value, condition.CaseSensitive)
	case domain.OperatorNotIn:
		return !memberOf(fieldValue, condition.Value, condition.CaseSensitive)
	case domain.OperatorRegex:
		return matchRegex(fieldValue, condition)
	case domain.OperatorBetween:
		return between(fieldValue, condition.Value)
	default:
		return false
	}
}

// scalarEquals tests strict scalar equality with optional case folding.
// Params: record value, condition value, and case sensitivity flag.
// Returns: true for equal scalars of compatible types.
func scalarEquals(fieldValue, conditionValue any, caseSensitive bool) bool {
	if lhs, ok := fieldValue.(string); ok {
		rhs, rhsOK := conditionValue.(string)
		if !rhsOK {
			return false
		}
		if caseSensitive {
			return lhs == rhs
		}
		return strings.EqualFold(lhs, rhs)
	}

	if lhs, ok := domain.NumericValue(fieldValue); ok {
		rhs, rhsOK := domain.NumericValue(conditionValue)
		return rhsOK && lhs == rhs
	}

	if lhs, ok := fieldValue.(bool); ok {
		rhs, rhsOK := conditionValue.(bool)
		return rhsOK && lhs == rhs
	}

	return false
}

// compareNumeric coerces both operands and applies the ordering predicate.
// Params: record value, condition value, and comparison function.
// Returns: true on numeric match; false for non-numeric operands.
func compareNumeric(fieldValue, conditionValue any, compare func(lhs, rhs float64) bool) bool {
	lhs, lhsOK := domain.NumericValue(fieldValue)
	rhs, rhsOK := domain.NumericValue(conditionValue)
	if !lhsOK || !rhsOK {
		return false
	}
	return compare(lhs, rhs)
}

// contains tests substring match for strings and membership for arrays.
// Params: record value, condition value, and case sensitivity flag.
// Returns: true when the record value contains the condition value.
func contains(fieldValue, conditionValue any, caseSensitive bool) bool {
	switch typed := fieldValue.(type) {
	case string:
		needle, ok := conditionValue.(string)
		if !ok {
			return false
		}
		if caseSensitive {
			return strings.Contains(typed, needle)
		}
		return strings.Contains(strings.ToLower(typed), strings.ToLower(needle))
	case []any:
		for _, element := range typed {
			if scalarEquals(element, conditionValue, caseSensitive) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// memberOf tests record value membership in the condition value array.
// Params: record value, condition array, and case sensitivity flag.
// Returns: true when any array element equals the record value.
func memberOf(fieldValue, conditionValue any, caseSensitive bool) bool {
	values, ok := conditionValue.([]any)
	if !ok {
		return false
	}
	for _, candidate := range values {
		if scalarEquals(fieldValue, candidate, caseSensitive) {
			return true
		}
	}
	return false
}

// matchRegex tests the record value against the condition pattern.
// Params: record value and regex condition with optional precompiled pattern.
// Returns: true on pattern match; false for non-string values or bad patterns.
func matchRegex(fieldValue any, condition domain.Condition) bool {
	text, ok := fieldValue.(string)
	if !ok {
		return false
	}
	if condition.CompiledRE != nil {
		return condition.CompiledRE.MatchString(text)
	}
	pattern, ok := condition.Value.(string)
	if !ok {
		return false
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return compiled.MatchString(text)
}

// between tests inclusive numeric range membership.
// Params: record value and [min,max] condition pair.
// Returns: true when min <= value <= max.
func between(fieldValue, conditionValue any) bool {
	bounds, ok := conditionValue.([]any)
	if !ok || len(bounds) != 2 {
		return false
	}
	value, valueOK := domain.NumericValue(fieldValue)
	minValue, minOK := domain.NumericValue(bounds[0])
	maxValue, maxOK := domain.NumericValue(bounds[1])
	if !valueOK || !minOK || !maxOK {
		return false
	}
	return value >= minValue && value <= maxValue
}
