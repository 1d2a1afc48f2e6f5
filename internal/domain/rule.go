package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Operator identifies one condition comparison kind.
// Params: string constant from the supported operator set.
// Returns: normalized operator usage across evaluation.
type Operator string

const (
	// OperatorEquals tests strict value equality.
	OperatorEquals Operator = "equals"
	// OperatorNotEquals tests strict value inequality; absent field matches.
	OperatorNotEquals Operator = "not_equals"
	// OperatorGreaterThan tests numeric strict ordering.
	OperatorGreaterThan Operator = "greater_than"
	// OperatorLessThan tests numeric strict ordering.
	OperatorLessThan Operator = "less_than"
	// OperatorGreaterEqual tests numeric inclusive ordering.
	OperatorGreaterEqual Operator = "greater_equal"
	// OperatorLessEqual tests numeric inclusive ordering.
	OperatorLessEqual Operator = "less_equal"
	// OperatorContains tests substring or array membership.
	OperatorContains Operator = "contains"
	// OperatorNotContains negates contains; absent field matches.
	OperatorNotContains Operator = "not_contains"
	// OperatorIn tests membership in the condition value array.
	OperatorIn Operator = "in"
	// OperatorNotIn negates in; absent field matches.
	OperatorNotIn Operator = "not_in"
	// OperatorRegex tests the field against a compiled pattern.
	OperatorRegex Operator = "regex"
	// OperatorBetween tests inclusive [min,max] numeric range.
	OperatorBetween Operator = "between"
)

// ConditionLogic selects AND/OR reduction over rule conditions.
// Params: "AND" or "OR" constant.
// Returns: reduction mode for rule matching.
type ConditionLogic string

const (
	// LogicAnd requires every condition to match.
	LogicAnd ConditionLogic = "AND"
	// LogicOr requires at least one condition to match.
	LogicOr ConditionLogic = "OR"
)

// Severity ranks alert importance.
// Params: low/medium/high/critical constants.
// Returns: severity ordering for framing and escalation.
type Severity string

const (
	// SeverityLow marks informational alerts.
	SeverityLow Severity = "low"
	// SeverityMedium marks alerts needing routine review.
	SeverityMedium Severity = "medium"
	// SeverityHigh marks alerts needing prompt review.
	SeverityHigh Severity = "high"
	// SeverityCritical marks alerts needing immediate action.
	SeverityCritical Severity = "critical"
)

// severityRank maps severities to monotonically increasing weights.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns numeric severity weight for comparisons.
// Params: none.
// Returns: weight >=1, or 0 for unknown severity.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Elevate returns the next severity up, saturating at critical.
// Params: none.
// Returns: elevated severity used for escalation framing.
func (s Severity) Elevate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Valid reports whether severity is one of the supported constants.
// Params: none.
// Returns: true for a known severity value.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Condition is one field/operator/value test evaluated against a record.
// Params: dotted field path, operator, value payload, and case flag.
// Returns: single predicate for rule matching.
type Condition struct {
	Field         string   `json:"field"`
	Operator      Operator `json:"operator"`
	Value         any      `json:"value"`
	CaseSensitive bool     `json:"case_sensitive"`

	// CompiledRE caches the validated pattern for regex conditions.
	CompiledRE *regexp.Regexp `json:"-"`
}

// ChannelType identifies one notification transport kind.
// Params: supported channel constant.
// Returns: sender selection key.
type ChannelType string

const (
	// ChannelEmail delivers over SMTP.
	ChannelEmail ChannelType = "email"
	// ChannelSMS delivers over the SMS provider API.
	ChannelSMS ChannelType = "sms"
	// ChannelSlack delivers to a Slack incoming webhook.
	ChannelSlack ChannelType = "slack"
	// ChannelWebhook delivers a JSON payload to a generic HTTP endpoint.
	ChannelWebhook ChannelType = "webhook"
	// ChannelTelegram delivers over the Telegram Bot API.
	ChannelTelegram ChannelType = "telegram"
)

// channelConfigSchema lists required config keys per channel type.
var channelConfigSchema = map[ChannelType][]string{
	ChannelEmail:    {"to"},
	ChannelSMS:      {"to"},
	ChannelSlack:    {"webhook_url"},
	ChannelWebhook:  {"url"},
	ChannelTelegram: {"chat_id"},
}

// ChannelTypes returns the supported channel types in stable order.
// Params: none.
// Returns: deterministic channel type list.
func ChannelTypes() []ChannelType {
	return []ChannelType{ChannelEmail, ChannelSMS, ChannelSlack, ChannelWebhook, ChannelTelegram}
}

// Channel is one configured notification endpoint on a rule.
// Params: channel type, type-specific config keys, and enabled flag.
// Returns: dispatch target descriptor.
type Channel struct {
	Type    ChannelType       `json:"type"`
	Config  map[string]string `json:"config"`
	Enabled bool              `json:"enabled"`
}

// AlertRule is one named condition set with timing and severity policy.
// Params: identity, conditions, trigger thresholds, and notification routing.
// Returns: immutable rule snapshot per evaluation cycle.
type AlertRule struct {
	ID                     string         `json:"id"`
	Name                   string         `json:"name"`
	Description            string         `json:"description,omitempty"`
	Conditions             []Condition    `json:"conditions"`
	ConditionLogic         ConditionLogic `json:"condition_logic"`
	Severity               Severity       `json:"severity"`
	ThresholdCount         int            `json:"threshold_count"`
	TimeWindowMinutes      int            `json:"time_window_minutes"`
	CooldownMinutes        int            `json:"cooldown_minutes"`
	EscalationDelayMinutes int            `json:"escalation_delay_minutes"`
	NotificationChannels   []Channel      `json:"notification_channels,omitempty"`
	IsActive               bool           `json:"is_active"`
	Tags                   []string       `json:"tags,omitempty"`
	CreatedBy              string         `json:"created_by,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
}

// EscalationDelay converts the configured delay into a duration.
// Params: none.
// Returns: base escalation delay.
func (r AlertRule) EscalationDelay() time.Duration {
	return time.Duration(r.EscalationDelayMinutes) * time.Minute
}

// TimeWindow converts the configured window into a duration.
// Params: none.
// Returns: sliding threshold window width.
func (r AlertRule) TimeWindow() time.Duration {
	return time.Duration(r.TimeWindowMinutes) * time.Minute
}

// Cooldown converts the configured cooldown into a duration.
// Params: none.
// Returns: minimum spacing between two triggers of the rule.
func (r AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// ValidationError marks malformed rule/condition input rejected before evaluation.
// Params: wrapped root cause.
// Returns: typed validation failure.
type ValidationError struct {
	Err error
}

// Error returns wrapped error message.
// Params: none.
// Returns: string representation.
func (e ValidationError) Error() string {
	if e.Err == nil {
		return "validation error"
	}
	return e.Err.Error()
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
// Params: none.
// Returns: wrapped error.
func (e ValidationError) Unwrap() error {
	return e.Err
}

// invalid wraps a formatted cause into ValidationError.
// Params: format string and args.
// Returns: typed validation error.
func invalid(format string, args ...any) error {
	return ValidationError{Err: fmt.Errorf(format, args...)}
}

// Validate validates one rule against the save-time contract.
// Params: rule fields from the store or config.
// Returns: ValidationError when any rule invariant is violated.
func (r *AlertRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return invalid("rule id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return invalid("rule %q: name is required", r.ID)
	}
	if len(r.Conditions) == 0 {
		return invalid("rule %q: at least one condition is required", r.Name)
	}
	switch r.ConditionLogic {
	case LogicAnd, LogicOr:
	default:
		return invalid("rule %q: unsupported condition logic %q", r.Name, r.ConditionLogic)
	}
	if !r.Severity.Valid() {
		return invalid("rule %q: unsupported severity %q", r.Name, r.Severity)
	}
	if r.ThresholdCount < 1 {
		return invalid("rule %q: threshold_count must be >=1", r.Name)
	}
	if r.TimeWindowMinutes < 1 {
		return invalid("rule %q: time_window_minutes must be >=1", r.Name)
	}
	if r.CooldownMinutes < 0 {
		return invalid("rule %q: cooldown_minutes must be >=0", r.Name)
	}
	if r.EscalationDelayMinutes < 0 {
		return invalid("rule %q: escalation_delay_minutes must be >=0", r.Name)
	}
	for i := range r.Conditions {
		if err := r.Conditions[i].Validate(); err != nil {
			return invalid("rule %q: condition[%d]: %w", r.Name, i, err)
		}
	}
	for i, channel := range r.NotificationChannels {
		if err := channel.Validate(); err != nil {
			return invalid("rule %q: channel[%d]: %w", r.Name, i, err)
		}
	}
	return nil
}

// Validate validates operator/value shape and compiles regex patterns.
// Params: condition fields from the store or config.
// Returns: ValidationError when the value shape does not fit the operator.
func (c *Condition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return invalid("field is required")
	}

	switch c.Operator {
	case OperatorEquals, OperatorNotEquals,
		OperatorGreaterThan, OperatorLessThan, OperatorGreaterEqual, OperatorLessEqual,
		OperatorContains, OperatorNotContains:
		if _, isArray := c.Value.([]any); isArray {
			return invalid("operator %q requires a scalar value", c.Operator)
		}
	case OperatorIn, OperatorNotIn:
		values, isArray := c.Value.([]any)
		if !isArray || len(values) == 0 {
			return invalid("operator %q requires a non-empty array value", c.Operator)
		}
	case OperatorBetween:
		bounds, isArray := c.Value.([]any)
		if !isArray || len(bounds) != 2 {
			return invalid("operator between requires a [min,max] pair")
		}
		minValue, minOK := NumericValue(bounds[0])
		maxValue, maxOK := NumericValue(bounds[1])
		if !minOK || !maxOK {
			return invalid("operator between requires numeric bounds")
		}
		if minValue > maxValue {
			return invalid("operator between requires min <= max")
		}
	case OperatorRegex:
		pattern, isString := c.Value.(string)
		if !isString || pattern == "" {
			return invalid("operator regex requires a pattern string")
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return invalid("operator regex pattern is invalid: %w", err)
		}
		c.CompiledRE = compiled
	default:
		return invalid("unsupported operator %q", c.Operator)
	}
	return nil
}

// Validate validates channel config against the fixed per-type schema.
// Params: channel type and config map.
// Returns: ValidationError for unknown type or missing config keys.
func (c Channel) Validate() error {
	required, ok := channelConfigSchema[c.Type]
	if !ok {
		return invalid("unsupported channel type %q", c.Type)
	}
	for _, key := range required {
		if strings.TrimSpace(c.Config[key]) == "" {
			return invalid("channel %q requires config key %q", c.Type, key)
		}
	}
	return nil
}

// NumericValue coerces JSON scalar representations into float64.
// Params: value decoded from JSON or built in tests.
// Returns: numeric value and coercion success flag.
func NumericValue(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	default:
		return 0, false
	}
}
