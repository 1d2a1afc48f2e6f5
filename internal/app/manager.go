package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"fraudalert/internal/clock"
	"fraudalert/internal/config"
	"fraudalert/internal/domain"
	"fraudalert/internal/engine"
	"fraudalert/internal/lifecycle"
	"fraudalert/internal/notify"
	"fraudalert/internal/router"
	"fraudalert/internal/rules"
)

// RuleSource loads rule definitions for the evaluation pipeline.
// Params: context and active-only flag.
// Returns: rule snapshot or load error.
type RuleSource interface {
	ListRules(ctx context.Context, activeOnly bool) ([]domain.AlertRule, error)
}

// Manager coordinates rule evaluation, alert lifecycle, and notifications.
// Params: rule snapshot, threshold aggregator, lifecycle, dispatcher, and router.
// Returns: record sink and periodic worker entrypoints.
type Manager struct {
	mu        sync.RWMutex
	ruleSet   []domain.AlertRule
	logger    *slog.Logger
	clk       clock.Clock
	source    RuleSource
	thresh    *engine.Aggregator
	alerts    *lifecycle.Manager
	notifier  *notify.Dispatcher
	events    *router.Router
	syncSends sync.WaitGroup
}

// NewManager creates the pipeline manager with an empty rule snapshot.
// Params: service config, logger, rule source, and runtime collaborators.
// Returns: initialized manager.
func NewManager(cfg config.ServiceConfig, logger *slog.Logger, source RuleSource, notifier *notify.Dispatcher, events *router.Router, clk clock.Clock) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	manager := &Manager{
		logger:   logger,
		clk:      clk,
		source:   source,
		thresh:   engine.NewAggregator(),
		alerts:   lifecycle.NewManager(clk, logger, cfg.MaxEscalationLevel, cfg.TerminalAlertRetention),
		notifier: notifier,
		events:   events,
	}
	manager.wireRouter()
	return manager
}

// wireRouter binds server-side events into local state.
func (m *Manager) wireRouter() {
	if m.events == nil {
		return
	}
	m.events.On(domain.EventAlertUpdated, func(event domain.RealtimeEvent) {
		server, err := event.DecodeAlertPayload()
		if err != nil {
			m.logger.Warn("alert update payload rejected", "error", err.Error())
			return
		}
		if !m.alerts.Reconcile(server) {
			m.logger.Debug("stale alert update ignored", "alert_id", server.ID)
		}
	})
	m.events.On(domain.EventTransaction, func(event domain.RealtimeEvent) {
		record, err := event.DecodeRecordPayload()
		if err != nil {
			m.logger.Warn("transaction payload rejected", "error", err.Error())
			return
		}
		if err := m.Push(record); err != nil {
			m.logger.Error("transaction evaluation failed", "error", err.Error())
		}
	})
}

// RefreshRules replaces the active rule snapshot from the store.
// Params: context.
// Returns: load error; the previous snapshot stays active on failure.
func (m *Manager) RefreshRules(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	loaded, err := m.source.ListRules(ctx, true)
	if err != nil {
		return fmt.Errorf("refresh rules: %w", err)
	}

	accepted := make([]domain.AlertRule, 0, len(loaded))
	for i := range loaded {
		if err := loaded[i].Validate(); err != nil {
			m.logger.Warn("rule rejected on refresh",
				"rule", loaded[i].Name, "error", err.Error())
			continue
		}
		accepted = append(accepted, loaded[i])
	}

	m.mu.Lock()
	m.ruleSet = accepted
	m.mu.Unlock()
	m.logger.Info("rule snapshot refreshed", "rules", len(accepted))
	return nil
}

// SetRules installs a rule snapshot directly, validating each rule.
// Params: rule definitions.
// Returns: first validation error; nothing is installed on failure.
func (m *Manager) SetRules(ruleSet []domain.AlertRule) error {
	accepted := make([]domain.AlertRule, 0, len(ruleSet))
	for i := range ruleSet {
		if err := ruleSet[i].Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", ruleSet[i].Name, err)
		}
		accepted = append(accepted, ruleSet[i])
	}
	m.mu.Lock()
	m.ruleSet = accepted
	m.mu.Unlock()
	return nil
}

// Push evaluates one incoming record against the active rule snapshot.
// Params: validated record.
// Returns: nil; evaluation failures never poison the ingest path.
func (m *Manager) Push(record domain.Record) error {
	m.mu.RLock()
	snapshot := m.ruleSet
	m.mu.RUnlock()

	now := m.clk.Now()
	for i := range snapshot {
		rule := snapshot[i]
		if !rule.IsActive {
			continue
		}
		result := rules.MatchRule(rule, record)
		if !result.Matched {
			continue
		}

		trigger := m.thresh.Observe(rule, now)
		if trigger.Suppressed {
			m.logger.Debug("trigger suppressed by cooldown", "rule", rule.Name)
			continue
		}
		if !trigger.Fired {
			continue
		}
		m.openAlert(rule, record, result, trigger.WindowCount)
	}
	return nil
}

// PushBatch evaluates a record batch in arrival order.
// Params: validated record slice.
// Returns: first push error, which the current pipeline never produces.
func (m *Manager) PushBatch(records []domain.Record) error {
	for _, record := range records {
		if err := m.Push(record); err != nil {
			return err
		}
	}
	return nil
}

// openAlert creates one alert and fans out notifications and events.
// Params: fired rule, triggering record, match detail, and window count.
// Returns: none; dispatch runs off the evaluation path.
func (m *Manager) openAlert(rule domain.AlertRule, record domain.Record, result rules.MatchResult, windowCount int) {
	message := rule.Description
	if message == "" {
		message = fmt.Sprintf("%d matching records within %s (%s)",
			windowCount, rule.TimeWindow(), summarizeConditions(result.MatchedConditions))
	}
	alert := m.alerts.Create(rule, rule.Name, message, record)

	m.publishAlert(domain.EventAlertCreated, alert)

	if m.notifier == nil {
		return
	}
	m.syncSends.Add(1)
	go func() {
		defer m.syncSends.Done()
		m.dispatchAlert(alert, rule)
	}()
}

// dispatchAlert renders and delivers one alert to its rule channels.
// Params: alert snapshot and owning rule.
// Returns: none; exhausted channels are recorded on the alert.
func (m *Manager) dispatchAlert(alert domain.Alert, rule domain.AlertRule) {
	message, err := notify.BuildMessage(alert, rule)
	if err != nil {
		m.logger.Error("alert message render failed", "alert_id", alert.ID, "error", err.Error())
		return
	}
	results := m.notifier.Dispatch(context.Background(), message, rule.NotificationChannels)
	failures := notify.FailureAnnotations(results, m.clk.Now())
	if len(failures) > 0 {
		m.alerts.RecordDispatchFailures(alert.ID, failures)
	}
}

// EscalationTick runs one escalation scan and re-dispatches escalated alerts.
// Params: context for dispatch operations.
// Returns: none; per-alert dispatch failures are recorded, never raised.
func (m *Manager) EscalationTick(ctx context.Context) {
	escalated := m.alerts.EscalationScan(m.clk.Now())
	for _, escalation := range escalated {
		m.publishAlert(domain.EventAlertUpdated, escalation.Alert)
		if m.notifier == nil {
			continue
		}
		message, err := notify.BuildEscalationMessage(escalation.Alert, escalation.Rule)
		if err != nil {
			m.logger.Error("escalation message render failed",
				"alert_id", escalation.Alert.ID, "error", err.Error())
			continue
		}
		results := m.notifier.Dispatch(ctx, message, escalation.Rule.NotificationChannels)
		failures := notify.FailureAnnotations(results, m.clk.Now())
		if len(failures) > 0 {
			m.alerts.RecordDispatchFailures(escalation.Alert.ID, failures)
		}
	}
}

// publishAlert emits one alert event through the router.
// Params: event type and alert payload.
// Returns: none.
func (m *Manager) publishAlert(eventType domain.EventType, alert domain.Alert) {
	if m.events == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("alert payload encode failed", "alert_id", alert.ID, "error", err.Error())
		return
	}
	m.events.Dispatch(domain.RealtimeEvent{
		Type:      eventType,
		Data:      payload,
		Timestamp: m.clk.Now(),
	})
}

// Acknowledge acknowledges one local alert.
// Params: alert id and acting operator.
// Returns: updated alert or lifecycle error.
func (m *Manager) Acknowledge(alertID, actor string) (domain.Alert, error) {
	alert, err := m.alerts.Acknowledge(alertID, actor)
	if err != nil {
		return domain.Alert{}, err
	}
	m.publishAlert(domain.EventAlertUpdated, alert)
	return alert, nil
}

// Resolve resolves one local alert.
// Params: alert id.
// Returns: updated alert or lifecycle error.
func (m *Manager) Resolve(alertID string) (domain.Alert, error) {
	alert, err := m.alerts.Resolve(alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	m.publishAlert(domain.EventAlertUpdated, alert)
	return alert, nil
}

// Suppress administratively mutes one local alert.
// Params: alert id.
// Returns: updated alert or lifecycle error.
func (m *Manager) Suppress(alertID string) (domain.Alert, error) {
	alert, err := m.alerts.Suppress(alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	m.publishAlert(domain.EventAlertUpdated, alert)
	return alert, nil
}

// BulkAcknowledge acknowledges alerts independently per id.
// Params: alert id list and acting operator.
// Returns: per-id results without rollback.
func (m *Manager) BulkAcknowledge(alertIDs []string, actor string) []lifecycle.BulkResult {
	return m.alerts.BulkAcknowledge(alertIDs, actor)
}

// BulkResolve resolves alerts independently per id.
// Params: alert id list.
// Returns: per-id results without rollback.
func (m *Manager) BulkResolve(alertIDs []string) []lifecycle.BulkResult {
	return m.alerts.BulkResolve(alertIDs)
}

// Alerts exposes the lifecycle registry for queries.
// Params: none.
// Returns: lifecycle manager.
func (m *Manager) Alerts() *lifecycle.Manager {
	return m.alerts
}

// Drain waits for in-flight alert dispatches to finish.
// Params: none.
// Returns: none; used during shutdown and by tests.
func (m *Manager) Drain() {
	m.syncSends.Wait()
}

// summarizeConditions renders a short field/operator listing.
// Params: matched conditions.
// Returns: comma-joined summary for alert messages.
func summarizeConditions(matched []domain.Condition) string {
	parts := make([]string, 0, len(matched))
	for _, condition := range matched {
		parts = append(parts, condition.Field+" "+string(condition.Operator))
	}
	return strings.Join(parts, ", ")
}
