package lifecycle

import (
	"testing"
	"time"

	"fraudalert/internal/clock"
)

func TestEscalationAfterDelay(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	manager := NewManager(clk, nil, 3, 0)
	manager.Create(testRule(), "t", "m", testRecord())

	if escalated := manager.EscalationScan(clk.Advance(5 * time.Minute)); len(escalated) != 0 {
		t.Fatalf("expected no escalation before delay, got %d", len(escalated))
	}

	escalated := manager.EscalationScan(clk.Advance(11 * time.Minute))
	if len(escalated) != 1 {
		t.Fatalf("expected one escalation after 15m delay, got %d", len(escalated))
	}
	if !escalated[0].Alert.Escalated || escalated[0].Alert.EscalationLevel != 1 {
		t.Fatalf("unexpected escalation markers: %+v", escalated[0].Alert)
	}

	// Same pass must not escalate again until the doubled delay elapses.
	if again := manager.EscalationScan(clk.Advance(time.Minute)); len(again) != 0 {
		t.Fatalf("expected doubled delay before repeat escalation")
	}
	if again := manager.EscalationScan(clk.Advance(30 * time.Minute)); len(again) != 1 {
		t.Fatalf("expected second escalation after doubled delay, got %d", len(again))
	}
}

func TestEscalationLevelCap(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	manager := NewManager(clk, nil, 2, 0)
	alert := manager.Create(testRule(), "t", "m", testRecord())

	total := 0
	for i := 0; i < 10; i++ {
		total += len(manager.EscalationScan(clk.Advance(4 * time.Hour)))
	}
	if total != 2 {
		t.Fatalf("expected escalations capped at level 2, got %d", total)
	}

	current, err := manager.Get(alert.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.EscalationLevel != 2 {
		t.Fatalf("expected final level 2, got %d", current.EscalationLevel)
	}
}

func TestNoEscalationAfterResolve(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	manager := NewManager(clk, nil, 3, 0)
	alert := manager.Create(testRule(), "t", "m", testRecord())
	if _, err := manager.Resolve(alert.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if escalated := manager.EscalationScan(clk.Advance(24 * time.Hour)); len(escalated) != 0 {
		t.Fatalf("expected no escalation for resolved alert, got %d", len(escalated))
	}
	current, err := manager.Get(alert.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Escalated || current.EscalationLevel != 0 {
		t.Fatalf("expected resolved alert untouched by escalation: %+v", current)
	}
}

func TestZeroDelayDisablesEscalation(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	manager := NewManager(clk, nil, 3, 0)
	rule := testRule()
	rule.EscalationDelayMinutes = 0
	manager.Create(rule, "t", "m", testRecord())

	if escalated := manager.EscalationScan(clk.Advance(48 * time.Hour)); len(escalated) != 0 {
		t.Fatalf("expected no escalation with zero delay, got %d", len(escalated))
	}
}
