package domain

import (
	"errors"
	"strings"
	"testing"
)

func validRule() AlertRule {
	return AlertRule{
		ID:   "r-1",
		Name: "high-amount",
		Conditions: []Condition{
			{Field: "amount", Operator: OperatorGreaterThan, Value: 10000.0},
		},
		ConditionLogic:    LogicAnd,
		Severity:          SeverityHigh,
		ThresholdCount:    1,
		TimeWindowMinutes: 5,
		IsActive:          true,
	}
}

func TestRuleValidateAcceptsWellFormedRule(t *testing.T) {
	t.Parallel()

	rule := validRule()
	if err := rule.Validate(); err != nil {
		t.Fatalf("expected valid rule, got %v", err)
	}
}

func TestRuleValidateRejectsEmptyConditions(t *testing.T) {
	t.Parallel()

	rule := validRule()
	rule.Conditions = nil
	err := rule.Validate()
	var validation ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRuleValidateRejectsBadTimings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*AlertRule)
	}{
		{"zero threshold", func(r *AlertRule) { r.ThresholdCount = 0 }},
		{"zero window", func(r *AlertRule) { r.TimeWindowMinutes = 0 }},
		{"negative cooldown", func(r *AlertRule) { r.CooldownMinutes = -1 }},
		{"negative escalation delay", func(r *AlertRule) { r.EscalationDelayMinutes = -1 }},
		{"unknown logic", func(r *AlertRule) { r.ConditionLogic = "XOR" }},
		{"unknown severity", func(r *AlertRule) { r.Severity = "urgent" }},
	}
	for _, testCase := range cases {
		rule := validRule()
		testCase.mutate(&rule)
		if err := rule.Validate(); err == nil {
			t.Fatalf("%s: expected validation failure", testCase.name)
		}
	}
}

func TestConditionValidateValueShapes(t *testing.T) {
	t.Parallel()

	scalarWithArray := Condition{Field: "amount", Operator: OperatorGreaterThan, Value: []any{1.0}}
	if err := scalarWithArray.Validate(); err == nil {
		t.Fatalf("expected array value rejected for scalar operator")
	}

	inWithScalar := Condition{Field: "country", Operator: OperatorIn, Value: "US"}
	if err := inWithScalar.Validate(); err == nil {
		t.Fatalf("expected scalar value rejected for in operator")
	}

	inEmpty := Condition{Field: "country", Operator: OperatorIn, Value: []any{}}
	if err := inEmpty.Validate(); err == nil {
		t.Fatalf("expected empty array rejected for in operator")
	}

	betweenShort := Condition{Field: "amount", Operator: OperatorBetween, Value: []any{1.0}}
	if err := betweenShort.Validate(); err == nil {
		t.Fatalf("expected single bound rejected for between operator")
	}

	betweenInverted := Condition{Field: "amount", Operator: OperatorBetween, Value: []any{10.0, 1.0}}
	if err := betweenInverted.Validate(); err == nil {
		t.Fatalf("expected min > max rejected for between operator")
	}

	betweenOK := Condition{Field: "amount", Operator: OperatorBetween, Value: []any{1.0, 10.0}}
	if err := betweenOK.Validate(); err != nil {
		t.Fatalf("expected valid between bounds, got %v", err)
	}
}

func TestConditionValidateCompilesRegex(t *testing.T) {
	t.Parallel()

	bad := Condition{Field: "merchant", Operator: OperatorRegex, Value: "["}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected invalid pattern rejected")
	}

	good := Condition{Field: "merchant", Operator: OperatorRegex, Value: "^acme-[0-9]+$"}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid pattern, got %v", err)
	}
	if good.CompiledRE == nil {
		t.Fatalf("expected compiled pattern cached on condition")
	}
}

func TestChannelValidateSchemaPerType(t *testing.T) {
	t.Parallel()

	missing := Channel{Type: ChannelSlack, Config: map[string]string{}}
	if err := missing.Validate(); err == nil {
		t.Fatalf("expected missing webhook_url rejected")
	}

	unknown := Channel{Type: "pager", Config: map[string]string{"to": "x"}}
	if err := unknown.Validate(); err == nil {
		t.Fatalf("expected unknown channel type rejected")
	}

	complete := Channel{Type: ChannelTelegram, Config: map[string]string{"chat_id": "42"}}
	if err := complete.Validate(); err != nil {
		t.Fatalf("expected complete config accepted, got %v", err)
	}
}

func TestSeverityElevateSaturates(t *testing.T) {
	t.Parallel()

	if SeverityLow.Elevate() != SeverityMedium {
		t.Fatalf("expected low to elevate to medium")
	}
	if SeverityCritical.Elevate() != SeverityCritical {
		t.Fatalf("expected critical to saturate")
	}
	if SeverityLow.Rank() >= SeverityCritical.Rank() {
		t.Fatalf("expected monotonic severity ranks")
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	if StatusActive.Terminal() || StatusAcknowledged.Terminal() {
		t.Fatalf("expected open statuses to be non-terminal")
	}
	if !StatusResolved.Terminal() || !StatusSuppressed.Terminal() {
		t.Fatalf("expected resolved/suppressed to be terminal")
	}
}

func TestBuildFingerprintDeterministicAndSanitized(t *testing.T) {
	t.Parallel()

	first := BuildFingerprint("Rule A/1", "txn-1", "cust-9")
	second := BuildFingerprint("Rule A/1", "txn-1", "cust-9")
	if first != second {
		t.Fatalf("expected deterministic fingerprint, got %q vs %q", first, second)
	}
	if !strings.HasPrefix(first, "rule/rule_a_1/") {
		t.Fatalf("expected sanitized rule namespace, got %q", first)
	}

	other := BuildFingerprint("Rule A/1", "txn-2", "cust-9")
	if other == first {
		t.Fatalf("expected distinct subjects to produce distinct fingerprints")
	}
}

func TestRecordLookupNestedPaths(t *testing.T) {
	t.Parallel()

	record := Record{
		DT: 1767225600000,
		Fields: map[string]any{
			"transaction": map[string]any{
				"amount":   125.5,
				"merchant": map[string]any{"name": "acme"},
			},
		},
	}

	value, ok := record.Lookup("transaction.merchant.name")
	if !ok || value != "acme" {
		t.Fatalf("expected nested lookup hit, got %v/%v", value, ok)
	}
	if _, ok := record.Lookup("transaction.missing"); ok {
		t.Fatalf("expected missing path miss")
	}
	if _, ok := record.Lookup("transaction.amount.cents"); ok {
		t.Fatalf("expected scalar traversal miss")
	}
}
