package lifecycle

import (
	"errors"
	"testing"
	"time"

	"fraudalert/internal/clock"
	"fraudalert/internal/domain"
)

func testRule() domain.AlertRule {
	return domain.AlertRule{
		ID:                     "rule-1",
		Name:                   "large wire",
		Severity:               domain.SeverityHigh,
		ThresholdCount:         1,
		TimeWindowMinutes:      5,
		EscalationDelayMinutes: 15,
	}
}

func testRecord() domain.Record {
	return domain.Record{
		DT: 1700000000000,
		Fields: map[string]any{
			"transaction_id": "txn-1",
			"customer_id":    "cust-1",
			"risk_score":     float64(0.91),
		},
	}
}

func TestAcknowledgeThenResolve(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	manager := NewManager(clk, nil, 3, 0)
	alert := manager.Create(testRule(), "large wire", "amount over limit", testRecord())

	if alert.Status != domain.StatusActive {
		t.Fatalf("expected created alert active, got %q", alert.Status)
	}
	if alert.TransactionID != "txn-1" || alert.CustomerID != "cust-1" {
		t.Fatalf("expected record identity on alert: %+v", alert)
	}
	if alert.RiskScore == nil || *alert.RiskScore != 0.91 {
		t.Fatalf("expected risk score copied from record")
	}

	acked, err := manager.Acknowledge(alert.ID, "analyst-7")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != domain.StatusAcknowledged || acked.AcknowledgedAt == nil {
		t.Fatalf("unexpected acknowledged state: %+v", acked)
	}
	if acked.AssignedTo != "analyst-7" {
		t.Fatalf("expected actor assignment, got %q", acked.AssignedTo)
	}

	resolved, err := manager.Resolve(alert.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.StatusResolved || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolved state: %+v", resolved)
	}
}

func TestDirectResolveFromActive(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	manager := NewManager(clk, nil, 3, 0)
	alert := manager.Create(testRule(), "t", "m", testRecord())

	resolved, err := manager.Resolve(alert.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.StatusResolved {
		t.Fatalf("expected resolved, got %q", resolved.Status)
	}
}

func TestAcknowledgeResolvedFailsAndKeepsState(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	manager := NewManager(clk, nil, 3, 0)
	alert := manager.Create(testRule(), "t", "m", testRecord())
	if _, err := manager.Resolve(alert.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := manager.Acknowledge(alert.ID, "analyst"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	current, err := manager.Get(alert.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != domain.StatusResolved {
		t.Fatalf("expected state unchanged after rejected transition, got %q", current.Status)
	}
}

func TestSuppressIsTerminal(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	manager := NewManager(clk, nil, 3, 0)
	alert := manager.Create(testRule(), "t", "m", testRecord())

	if _, err := manager.Suppress(alert.ID); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	if _, err := manager.Resolve(alert.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected suppressed to be terminal, got %v", err)
	}

	counts := manager.Workload()
	if counts[domain.StatusSuppressed] != 1 {
		t.Fatalf("expected suppressed workload count, got %+v", counts)
	}
}

func TestBulkResolvePartialFailure(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	manager := NewManager(clk, nil, 3, 0)
	first := manager.Create(testRule(), "t", "m", testRecord())
	second := manager.Create(testRule(), "t", "m", testRecord())
	if _, err := manager.Resolve(second.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	results := manager.BulkResolve([]string{first.ID, second.ID, "missing"})
	if len(results) != 3 {
		t.Fatalf("expected 3 bulk results, got %d", len(results))
	}
	if !results[0].OK {
		t.Fatalf("expected first resolve to succeed: %+v", results[0])
	}
	if results[1].OK || results[2].OK {
		t.Fatalf("expected later entries to fail independently: %+v", results[1:])
	}

	// Independent failures must not roll back the successful transition.
	current, err := manager.Get(first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != domain.StatusResolved {
		t.Fatalf("expected first alert resolved, got %q", current.Status)
	}
}

func TestTerminalAlertsPrunedPastRetention(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	manager := NewManager(clk, nil, 3, 2)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		ids = append(ids, manager.Create(testRule(), "t", "m", testRecord()).ID)
	}
	for _, alertID := range ids[:3] {
		clk.Advance(time.Minute)
		if _, err := manager.Resolve(alertID); err != nil {
			t.Fatalf("resolve %s: %v", alertID, err)
		}
	}

	// The oldest resolved alert falls out, the newer two stay.
	if _, err := manager.Get(ids[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest terminal alert evicted, got %v", err)
	}
	for _, alertID := range ids[1:3] {
		current, err := manager.Get(alertID)
		if err != nil {
			t.Fatalf("get %s: %v", alertID, err)
		}
		if current.Status != domain.StatusResolved {
			t.Fatalf("expected retained alert resolved, got %q", current.Status)
		}
	}

	// Active alerts are never subject to the terminal retention bound.
	current, err := manager.Get(ids[3])
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if current.Status != domain.StatusActive {
		t.Fatalf("expected active alert untouched, got %q", current.Status)
	}
}

func TestReconcileLastWriterWins(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	manager := NewManager(clk, nil, 3, 0)
	alert := manager.Create(testRule(), "t", "m", testRecord())

	stale := alert
	stale.Status = domain.StatusResolved
	stale.UpdatedAt = alert.UpdatedAt.Add(-time.Minute)
	if manager.Reconcile(stale) {
		t.Fatalf("expected stale server copy to be ignored")
	}

	fresh := alert
	fresh.Status = domain.StatusAcknowledged
	fresh.UpdatedAt = alert.UpdatedAt.Add(time.Minute)
	if !manager.Reconcile(fresh) {
		t.Fatalf("expected fresh server copy to win")
	}
	current, err := manager.Get(alert.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != domain.StatusAcknowledged {
		t.Fatalf("expected reconciled status, got %q", current.Status)
	}
}
