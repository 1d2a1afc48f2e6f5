package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fraudalert/internal/clock"
	"fraudalert/internal/domain"
)

var (
	// ErrInvalidTransition indicates a lifecycle transition from an illegal source state.
	ErrInvalidTransition = errors.New("invalid alert transition")
	// ErrNotFound indicates an unknown alert id.
	ErrNotFound = errors.New("alert not found")
)

// entry couples one alert with its escalation schedule and rule snapshot.
// Params: alert payload, owning rule, and next escalation due time.
// Returns: mutable lifecycle record guarded by the manager lock.
type entry struct {
	alert            domain.Alert
	rule             domain.AlertRule
	nextEscalationAt time.Time
}

// Manager owns the alert lifecycle state machine for local alerts.
// Params: alert registry, clock, and escalation policy.
// Returns: linearizable transition operations per alert id.
type Manager struct {
	mu                 sync.Mutex
	alerts             map[string]*entry
	clk                clock.Clock
	logger             *slog.Logger
	maxEscalationLevel int
	terminalRetention  int
}

// NewManager constructs lifecycle manager with empty alert registry.
// Params: clock, optional logger, maximum escalation level (0 uses default 3),
// and how many terminal alerts to retain (0 uses default 500).
// Returns: initialized manager instance.
func NewManager(clk clock.Clock, logger *slog.Logger, maxEscalationLevel, terminalRetention int) *Manager {
	if maxEscalationLevel <= 0 {
		maxEscalationLevel = 3
	}
	if terminalRetention <= 0 {
		terminalRetention = 500
	}
	return &Manager{
		alerts:             make(map[string]*entry),
		clk:                clk,
		logger:             logger,
		maxEscalationLevel: maxEscalationLevel,
		terminalRetention:  terminalRetention,
	}
}

// Create opens one active alert for a triggered rule.
// Params: triggering rule, alert title/message, and record-derived identity.
// Returns: created alert snapshot.
func (m *Manager) Create(rule domain.AlertRule, title, message string, record domain.Record) domain.Alert {
	now := m.clk.Now()

	transactionID, _ := record.StringField("transaction_id")
	customerID, _ := record.StringField("customer_id")
	var riskScore *float64
	if raw, ok := record.Lookup("risk_score"); ok {
		if score, numeric := domain.NumericValue(raw); numeric {
			riskScore = &score
		}
	}

	alert := domain.Alert{
		ID:            uuid.NewString(),
		RuleID:        rule.ID,
		Fingerprint:   domain.BuildFingerprint(rule.ID, transactionID, customerID),
		Title:         title,
		Message:       message,
		Severity:      rule.Severity,
		Status:        domain.StatusActive,
		TriggeredAt:   now,
		UpdatedAt:     now,
		TransactionID: transactionID,
		CustomerID:    customerID,
		RiskScore:     riskScore,
	}

	tracked := &entry{alert: alert, rule: rule}
	if delay := rule.EscalationDelay(); delay > 0 {
		tracked.nextEscalationAt = now.Add(delay)
	}

	m.mu.Lock()
	m.alerts[alert.ID] = tracked
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("alert created",
			"alert_id", alert.ID, "rule", rule.Name, "severity", string(alert.Severity))
	}
	return alert
}

// Track registers an externally created alert without running a transition.
// Params: alert received from the store or transport and its owning rule.
// Returns: none.
func (m *Manager) Track(alert domain.Alert, rule domain.AlertRule) {
	record := &entry{alert: alert, rule: rule}
	if delay := rule.EscalationDelay(); delay > 0 && alert.Status == domain.StatusActive {
		record.nextEscalationAt = alert.TriggeredAt.Add(delay << alert.EscalationLevel)
	}
	m.mu.Lock()
	m.alerts[alert.ID] = record
	m.mu.Unlock()
}

// Acknowledge transitions one active alert to acknowledged.
// Params: alert id and acting operator.
// Returns: updated alert or ErrNotFound/ErrInvalidTransition.
func (m *Manager) Acknowledge(alertID, actor string) (domain.Alert, error) {
	return m.transition(alertID, func(alert *domain.Alert, now time.Time) error {
		if alert.Status != domain.StatusActive {
			return fmt.Errorf("%w: acknowledge from %q", ErrInvalidTransition, alert.Status)
		}
		alert.Status = domain.StatusAcknowledged
		alert.AcknowledgedAt = &now
		if actor != "" {
			alert.AssignedTo = actor
		}
		return nil
	})
}

// Resolve transitions one active or acknowledged alert to resolved.
// Params: alert id.
// Returns: updated alert or ErrNotFound/ErrInvalidTransition.
func (m *Manager) Resolve(alertID string) (domain.Alert, error) {
	return m.transition(alertID, func(alert *domain.Alert, now time.Time) error {
		if alert.Status != domain.StatusActive && alert.Status != domain.StatusAcknowledged {
			return fmt.Errorf("%w: resolve from %q", ErrInvalidTransition, alert.Status)
		}
		alert.Status = domain.StatusResolved
		alert.ResolvedAt = &now
		return nil
	})
}

// Suppress administratively mutes one active alert.
// Params: alert id.
// Returns: updated alert or ErrNotFound/ErrInvalidTransition.
func (m *Manager) Suppress(alertID string) (domain.Alert, error) {
	return m.transition(alertID, func(alert *domain.Alert, now time.Time) error {
		if alert.Status != domain.StatusActive {
			return fmt.Errorf("%w: suppress from %q", ErrInvalidTransition, alert.Status)
		}
		alert.Status = domain.StatusSuppressed
		return nil
	})
}

// transition applies one guarded mutation under the manager lock.
// Params: alert id and transition body validating the source state.
// Returns: updated alert snapshot or transition error with state unchanged.
func (m *Manager) transition(alertID string, apply func(alert *domain.Alert, now time.Time) error) (domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.alerts[alertID]
	if !ok {
		return domain.Alert{}, fmt.Errorf("%w: %s", ErrNotFound, alertID)
	}

	now := m.clk.Now()
	candidate := record.alert
	if err := apply(&candidate, now); err != nil {
		return domain.Alert{}, err
	}
	candidate.UpdatedAt = now
	record.alert = candidate
	if candidate.Status.Terminal() {
		record.nextEscalationAt = time.Time{}
		m.pruneTerminalLocked()
	}
	return candidate, nil
}

// pruneTerminalLocked evicts the oldest terminal alerts past the retention
// bound so the registry cannot grow without limit. Caller holds mu.
// Params: none.
// Returns: none.
func (m *Manager) pruneTerminalLocked() {
	terminal := make([]*entry, 0)
	for _, record := range m.alerts {
		if record.alert.Status.Terminal() {
			terminal = append(terminal, record)
		}
	}
	if len(terminal) <= m.terminalRetention {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].alert.UpdatedAt.Before(terminal[j].alert.UpdatedAt)
	})
	for _, record := range terminal[:len(terminal)-m.terminalRetention] {
		delete(m.alerts, record.alert.ID)
	}
}

// BulkResult reports one alert outcome inside a bulk operation.
// Params: alert id, success flag, and failure text.
// Returns: per-id result entry without rollback semantics.
type BulkResult struct {
	AlertID string `json:"alert_id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// BulkAcknowledge acknowledges alerts independently per id.
// Params: alert id list and acting operator.
// Returns: per-id result list; one failure never rolls back others.
func (m *Manager) BulkAcknowledge(alertIDs []string, actor string) []BulkResult {
	results := make([]BulkResult, 0, len(alertIDs))
	for _, alertID := range alertIDs {
		_, err := m.Acknowledge(alertID, actor)
		results = append(results, bulkResult(alertID, err))
	}
	return results
}

// BulkResolve resolves alerts independently per id.
// Params: alert id list.
// Returns: per-id result list; one failure never rolls back others.
func (m *Manager) BulkResolve(alertIDs []string) []BulkResult {
	results := make([]BulkResult, 0, len(alertIDs))
	for _, alertID := range alertIDs {
		_, err := m.Resolve(alertID)
		results = append(results, bulkResult(alertID, err))
	}
	return results
}

// bulkResult converts one transition error into a bulk entry.
// Params: alert id and transition error.
// Returns: per-id result entry.
func bulkResult(alertID string, err error) BulkResult {
	if err != nil {
		return BulkResult{AlertID: alertID, Error: err.Error()}
	}
	return BulkResult{AlertID: alertID, OK: true}
}

// Escalation pairs one escalated alert with its owning rule.
// Params: escalated alert snapshot and rule for re-dispatch framing.
// Returns: scan output consumed by the notification layer.
type Escalation struct {
	Alert domain.Alert
	Rule  domain.AlertRule
}

// EscalationScan promotes alerts left active past their escalation delay.
// Params: current scan time.
// Returns: alerts escalated in this pass, with doubled next delays.
func (m *Manager) EscalationScan(now time.Time) []Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()

	escalated := make([]Escalation, 0)
	for _, record := range m.alerts {
		if record.alert.Status != domain.StatusActive {
			continue
		}
		if record.nextEscalationAt.IsZero() || now.Before(record.nextEscalationAt) {
			continue
		}
		if record.alert.EscalationLevel >= m.maxEscalationLevel {
			record.nextEscalationAt = time.Time{}
			continue
		}

		record.alert.Escalated = true
		record.alert.EscalationLevel++
		record.alert.UpdatedAt = now

		if record.alert.EscalationLevel >= m.maxEscalationLevel {
			record.nextEscalationAt = time.Time{}
		} else {
			// Delay doubles each cycle: base, 2x base, 4x base.
			record.nextEscalationAt = now.Add(record.rule.EscalationDelay() << record.alert.EscalationLevel)
		}
		escalated = append(escalated, Escalation{Alert: record.alert, Rule: record.rule})
		if m.logger != nil {
			m.logger.Warn("alert escalated",
				"alert_id", record.alert.ID, "level", record.alert.EscalationLevel)
		}
	}
	return escalated
}

// Reconcile applies the authoritative server alert state over local state.
// Params: server alert from an alert_updated event.
// Returns: true when the server copy replaced the local provisional copy.
func (m *Manager) Reconcile(server domain.Alert) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.alerts[server.ID]
	if !ok {
		m.alerts[server.ID] = &entry{alert: server}
		if server.Status.Terminal() {
			m.pruneTerminalLocked()
		}
		return true
	}
	// Last writer wins on monotonic UpdatedAt; never blind-overwrite newer local state.
	if server.UpdatedAt.Before(record.alert.UpdatedAt) {
		return false
	}
	record.alert = server
	if server.Status.Terminal() {
		record.nextEscalationAt = time.Time{}
		m.pruneTerminalLocked()
	}
	return true
}

// RecordDispatchFailures annotates one alert with exhausted channel deliveries.
// Params: alert id and dispatch failure list.
// Returns: failures appended when the alert exists.
func (m *Manager) RecordDispatchFailures(alertID string, failures []domain.DispatchFailure) {
	if len(failures) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.alerts[alertID]
	if !ok {
		return
	}
	record.alert.DispatchFailures = append(record.alert.DispatchFailures, failures...)
}

// Get returns one alert snapshot by id.
// Params: alert id.
// Returns: alert copy or ErrNotFound.
func (m *Manager) Get(alertID string) (domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.alerts[alertID]
	if !ok {
		return domain.Alert{}, fmt.Errorf("%w: %s", ErrNotFound, alertID)
	}
	return record.alert, nil
}

// List returns alert snapshots sorted newest-first by trigger time.
// Params: none.
// Returns: detached alert copies.
func (m *Manager) List() []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	alerts := make([]domain.Alert, 0, len(m.alerts))
	for _, record := range m.alerts {
		alerts = append(alerts, record.alert)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
	})
	return alerts
}

// Workload counts alerts by lifecycle status.
// Params: none.
// Returns: per-status counts; suppressed alerts count as inactive workload.
func (m *Manager) Workload() map[domain.AlertStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.AlertStatus]int, 4)
	for _, record := range m.alerts {
		counts[record.alert.Status]++
	}
	return counts
}
