package engine

import (
	"sync"
	"time"

	"fraudalert/internal/domain"
)

// Trigger reports one threshold evaluation outcome for a rule match.
// Params: fire flag, matches counted inside the window, and suppression marker.
// Returns: decision consumed by the lifecycle layer.
type Trigger struct {
	Fired       bool
	WindowCount int
	Suppressed  bool
}

// ruleWindow stores per-rule sliding match timestamps and trigger markers.
// Params: rolling timestamps and last trigger time.
// Returns: mutable window serialized under its own lock.
type ruleWindow struct {
	mu              sync.Mutex
	matches         []time.Time
	lastTriggeredAt time.Time
}

// Aggregator counts rule matches inside sliding windows and applies cooldown.
// Params: per-rule window map guarded for concurrent rule evaluation.
// Returns: burst-detection decisions per rule.
type Aggregator struct {
	mu      sync.Mutex
	windows map[string]*ruleWindow
}

// NewAggregator constructs threshold aggregator with empty window state.
// Params: none.
// Returns: initialized aggregator instance.
func NewAggregator() *Aggregator {
	return &Aggregator{windows: make(map[string]*ruleWindow)}
}

// Observe records one rule match and decides whether the threshold fires.
// Params: matched rule and match processing time.
// Returns: trigger decision after purge, append, and cooldown checks.
func (a *Aggregator) Observe(rule domain.AlertRule, now time.Time) Trigger {
	window := a.window(rule.ID)

	// Same-rule evaluations serialize here; different rules run independently.
	window.mu.Lock()
	defer window.mu.Unlock()

	now = now.Truncate(time.Second)
	window.matches = pruneMatches(window.matches, now, rule.TimeWindow())
	window.matches = append(window.matches, now)

	if len(window.matches) < rule.ThresholdCount {
		return Trigger{WindowCount: len(window.matches)}
	}

	if cooldown := rule.Cooldown(); cooldown > 0 && !window.lastTriggeredAt.IsZero() {
		if now.Sub(window.lastTriggeredAt) < cooldown {
			return Trigger{WindowCount: len(window.matches), Suppressed: true}
		}
	}

	window.lastTriggeredAt = now
	return Trigger{Fired: true, WindowCount: len(window.matches)}
}

// WindowCount reports current in-window match count for one rule.
// Params: rule id and current time with the rule window width.
// Returns: match count after lazy purge.
func (a *Aggregator) WindowCount(rule domain.AlertRule, now time.Time) int {
	window := a.window(rule.ID)
	window.mu.Lock()
	defer window.mu.Unlock()
	window.matches = pruneMatches(window.matches, now.Truncate(time.Second), rule.TimeWindow())
	return len(window.matches)
}

// LastTriggeredAt reports the last trigger time for one rule.
// Params: rule id.
// Returns: last trigger timestamp and presence flag.
func (a *Aggregator) LastTriggeredAt(ruleID string) (time.Time, bool) {
	window := a.window(ruleID)
	window.mu.Lock()
	defer window.mu.Unlock()
	if window.lastTriggeredAt.IsZero() {
		return time.Time{}, false
	}
	return window.lastTriggeredAt, true
}

// Reset removes window state for one rule.
// Params: rule id to forget.
// Returns: state removed from aggregator cache.
func (a *Aggregator) Reset(ruleID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, ruleID)
}

// window gets or initializes window state for one rule id.
// Params: rule id key.
// Returns: mutable window pointer.
func (a *Aggregator) window(ruleID string) *ruleWindow {
	a.mu.Lock()
	defer a.mu.Unlock()
	window, ok := a.windows[ruleID]
	if !ok {
		window = &ruleWindow{}
		a.windows[ruleID] = window
	}
	return window
}

// pruneMatches removes timestamps older than the sliding window.
// Params: match list, current time, and window width.
// Returns: filtered match list; boundary timestamps are kept.
func pruneMatches(matches []time.Time, now time.Time, window time.Duration) []time.Time {
	if window <= 0 {
		return matches[:0]
	}
	cutoff := now.Add(-window)
	drop := 0
	for ; drop < len(matches); drop++ {
		if !matches[drop].Before(cutoff) {
			break
		}
	}
	if drop == 0 {
		return matches
	}
	return append(matches[:0], matches[drop:]...)
}
