package notify

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"fraudalert/internal/domain"
)

// Message is one rendered notification payload for a channel sender.
// Params: short subject line and full body text.
// Returns: channel-agnostic outbound message.
type Message struct {
	Subject string
	Body    string
}

// severityLabel maps severities to exhaustive display prefixes.
var severityLabel = map[domain.Severity]string{
	domain.SeverityLow:      "LOW",
	domain.SeverityMedium:   "MEDIUM",
	domain.SeverityHigh:     "HIGH",
	domain.SeverityCritical: "CRITICAL",
}

const alertBodyTemplate = `{{.Banner}}[{{.SeverityLabel}}] {{.Title}}

{{.Message}}

rule: {{.RuleName}}
alert: {{.AlertID}}
triggered: {{.TriggeredAt}}
{{- if .TransactionID}}
transaction: {{.TransactionID}}{{end}}
{{- if .CustomerID}}
customer: {{.CustomerID}}{{end}}
{{- if .RiskScore}}
risk score: {{.RiskScore}}{{end}}`

// bodyTemplate is compiled once; the template text is static.
var bodyTemplate = template.Must(template.New("alert.body").Option("missingkey=error").Parse(alertBodyTemplate))

// bodyModel is the template input for one rendered alert message.
// Params: framing fields derived from the alert and owning rule.
// Returns: flat model consumed by the body template.
type bodyModel struct {
	Banner        string
	SeverityLabel string
	Title         string
	Message       string
	RuleName      string
	AlertID       string
	TriggeredAt   string
	TransactionID string
	CustomerID    string
	RiskScore     string
}

// BuildMessage renders subject/body framing for one triggered alert.
// Params: alert snapshot and owning rule.
// Returns: rendered message or template error.
func BuildMessage(alert domain.Alert, rule domain.AlertRule) (Message, error) {
	return render(alert, rule, alert.Severity, "")
}

// BuildEscalationMessage renders elevated framing for one escalated alert.
// Params: escalated alert snapshot and owning rule.
// Returns: rendered message with elevated severity banner.
func BuildEscalationMessage(alert domain.Alert, rule domain.AlertRule) (Message, error) {
	banner := fmt.Sprintf("ESCALATION level %d: unresolved alert\n", alert.EscalationLevel)
	return render(alert, rule, alert.Severity.Elevate(), banner)
}

// render executes the body template with severity framing.
// Params: alert, rule, framing severity, and optional banner line.
// Returns: rendered message or template error.
func render(alert domain.Alert, rule domain.AlertRule, severity domain.Severity, banner string) (Message, error) {
	label, ok := severityLabel[severity]
	if !ok {
		label = strings.ToUpper(string(severity))
	}

	model := bodyModel{
		Banner:        banner,
		SeverityLabel: label,
		Title:         alert.Title,
		Message:       alert.Message,
		RuleName:      rule.Name,
		AlertID:       alert.ID,
		TriggeredAt:   alert.TriggeredAt.UTC().Format(time.RFC3339),
		TransactionID: alert.TransactionID,
		CustomerID:    alert.CustomerID,
	}
	if alert.RiskScore != nil {
		model.RiskScore = fmt.Sprintf("%.2f", *alert.RiskScore)
	}

	var body strings.Builder
	if err := bodyTemplate.Execute(&body, model); err != nil {
		return Message{}, fmt.Errorf("render alert body: %w", err)
	}
	return Message{
		Subject: fmt.Sprintf("[%s] %s", label, alert.Title),
		Body:    body.String(),
	}, nil
}

// SyntheticMessage builds the payload used by channel configuration tests.
// Params: channel type under test.
// Returns: fixed synthetic message that never maps to a real alert.
func SyntheticMessage(channelType domain.ChannelType) Message {
	return Message{
		Subject: "[TEST] fraud alert channel check",
		Body:    fmt.Sprintf("synthetic %s channel test, no alert was created", channelType),
	}
}
