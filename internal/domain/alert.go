package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

// AlertStatus is runtime alert lifecycle state.
// Params: active/acknowledged/resolved/suppressed state constants.
// Returns: state transitions for lifecycle manager and observers.
type AlertStatus string

const (
	// StatusActive indicates a triggered, unhandled alert.
	StatusActive AlertStatus = "active"
	// StatusAcknowledged indicates an operator has taken ownership.
	StatusAcknowledged AlertStatus = "acknowledged"
	// StatusResolved indicates a terminal closed alert.
	StatusResolved AlertStatus = "resolved"
	// StatusSuppressed indicates a terminal administrative mute.
	StatusSuppressed AlertStatus = "suppressed"
)

// Terminal reports whether the status permits no further transitions.
// Params: none.
// Returns: true for resolved/suppressed.
func (s AlertStatus) Terminal() bool {
	return s == StatusResolved || s == StatusSuppressed
}

// Alert is one triggered rule instance with lifecycle metadata.
// Params: identity, rule linkage, lifecycle timestamps, and escalation markers.
// Returns: alert payload mutated only through lifecycle transitions.
type Alert struct {
	ID              string      `json:"id"`
	RuleID          string      `json:"rule_id"`
	Fingerprint     string      `json:"fingerprint"`
	Title           string      `json:"title"`
	Message         string      `json:"message"`
	Severity        Severity    `json:"severity"`
	Status          AlertStatus `json:"status"`
	TriggeredAt     time.Time   `json:"triggered_at"`
	AcknowledgedAt  *time.Time  `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Escalated       bool        `json:"escalated"`
	EscalationLevel int         `json:"escalation_level"`
	AssignedTo      string      `json:"assigned_to,omitempty"`
	TransactionID   string      `json:"transaction_id,omitempty"`
	CustomerID      string      `json:"customer_id,omitempty"`
	RiskScore       *float64    `json:"risk_score,omitempty"`

	// DispatchFailures records channels whose delivery exhausted retries.
	DispatchFailures []DispatchFailure `json:"dispatch_failures,omitempty"`
}

// DispatchFailure annotates one exhausted channel delivery on an alert.
// Params: channel type, final error text, and failure time.
// Returns: non-fatal dispatch metadata.
type DispatchFailure struct {
	Channel  ChannelType `json:"channel"`
	Error    string      `json:"error"`
	FailedAt time.Time   `json:"failed_at"`
}

// BuildFingerprint builds deterministic alert fingerprint in rule namespace.
// Params: rule identity and subject identity parts (transaction/customer ids).
// Returns: formatted fingerprint used for per-fingerprint notification dedupe.
func BuildFingerprint(ruleID string, subjectParts ...string) string {
	canonical := make([]byte, 0, 64)
	canonical = append(canonical, ruleID...)
	for _, part := range subjectParts {
		canonical = append(canonical, '\n')
		canonical = append(canonical, part...)
	}
	digest := sha1.Sum(canonical)
	var hashValue [sha1.Size * 2]byte
	hex.Encode(hashValue[:], digest[:])

	var builder strings.Builder
	builder.Grow(len("rule/") + len(ruleID) + 1 + len(hashValue))
	builder.WriteString("rule/")
	builder.WriteString(sanitize(ruleID))
	builder.WriteByte('/')
	builder.Write(hashValue[:])
	return builder.String()
}

// sanitize converts fingerprint fragments into stable bucket-safe tokens.
// Params: raw value with possible separators.
// Returns: sanitized string with unsupported chars replaced by underscore.
func sanitize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
