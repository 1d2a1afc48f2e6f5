package router

import (
	"encoding/json"
	"log/slog"
	"sync"

	"fraudalert/internal/config"
	"fraudalert/internal/domain"
)

// Handler consumes one routed realtime event.
// Params: event envelope.
// Returns: none; handlers must not block the dispatch path for long.
type Handler func(event domain.RealtimeEvent)

// Subscription identifies one registered handler for removal.
// Params: none.
// Returns: opaque handle returned by On and consumed by Off.
type Subscription struct {
	eventType domain.EventType
	id        int
}

// registration binds one handler to its removal id.
type registration struct {
	id      int
	handler Handler
}

// Router demultiplexes realtime events to handlers and typed buffers.
// Params: buffer sizes from router config.
// Returns: dispatch fan-out with per-handler panic isolation.
type Router struct {
	logger *slog.Logger

	mu           sync.Mutex
	handlers     map[domain.EventType][]registration
	nextID       int
	alerts       []domain.Alert
	transactions []domain.Record
	analytics    json.RawMessage
	seen         map[string]struct{}
	seenOrder    []string

	alertCap       int
	transactionCap int
	seenCap        int
}

// NewRouter creates the event router with bounded typed buffers.
// Params: router config and optional logger.
// Returns: router ready for registration and dispatch.
func NewRouter(cfg config.RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	alertCap := cfg.AlertBufferSize
	if alertCap <= 0 {
		alertCap = 100
	}
	transactionCap := cfg.TransactionBufferSize
	if transactionCap <= 0 {
		transactionCap = 200
	}
	return &Router{
		logger:         logger,
		handlers:       make(map[domain.EventType][]registration),
		seen:           make(map[string]struct{}),
		alertCap:       alertCap,
		transactionCap: transactionCap,
		// Dedupe memory outlives the alert buffer but stays bounded.
		seenCap: alertCap * 4,
	}
}

// On registers a handler for one event type, or every type via the wildcard.
// Params: event type key and handler.
// Returns: subscription handle for Off.
func (r *Router) On(eventType domain.EventType, handler Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[eventType] = append(r.handlers[eventType], registration{id: r.nextID, handler: handler})
	return Subscription{eventType: eventType, id: r.nextID}
}

// Off removes one previously registered handler.
// Params: subscription handle from On.
// Returns: none; unknown handles are ignored.
func (r *Router) Off(subscription Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	registrations := r.handlers[subscription.eventType]
	for i, reg := range registrations {
		if reg.id == subscription.id {
			r.handlers[subscription.eventType] = append(registrations[:i], registrations[i+1:]...)
			return
		}
	}
}

// Dispatch routes one event to typed buffers and registered handlers.
// Params: event envelope from transport or local pipeline.
// Returns: none; duplicate alert fingerprints are dropped before fan-out.
func (r *Router) Dispatch(event domain.RealtimeEvent) {
	if !r.absorb(event) {
		return
	}

	r.mu.Lock()
	targets := make([]registration, 0, len(r.handlers[event.Type])+len(r.handlers[domain.EventWildcard]))
	targets = append(targets, r.handlers[event.Type]...)
	targets = append(targets, r.handlers[domain.EventWildcard]...)
	r.mu.Unlock()

	for _, target := range targets {
		r.invoke(target.handler, event)
	}
}

// absorb updates the typed buffers for one event.
// Params: event envelope.
// Returns: false when the event is a duplicate and must not fan out.
func (r *Router) absorb(event domain.RealtimeEvent) bool {
	switch event.Type {
	case domain.EventAlertCreated:
		alert, err := event.DecodeAlertPayload()
		if err != nil {
			r.logger.Warn("alert event payload rejected", "error", err.Error())
			return false
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if alert.Fingerprint != "" {
			if _, dup := r.seen[alert.Fingerprint]; dup {
				r.logger.Debug("duplicate alert dropped", "fingerprint", alert.Fingerprint)
				return false
			}
			r.seen[alert.Fingerprint] = struct{}{}
			r.seenOrder = append(r.seenOrder, alert.Fingerprint)
			if len(r.seenOrder) > r.seenCap {
				delete(r.seen, r.seenOrder[0])
				r.seenOrder = r.seenOrder[1:]
			}
		}
		r.alerts = prepend(r.alerts, alert, r.alertCap)
		return true
	case domain.EventAlertUpdated:
		alert, err := event.DecodeAlertPayload()
		if err != nil {
			r.logger.Warn("alert event payload rejected", "error", err.Error())
			return false
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		for i := range r.alerts {
			if r.alerts[i].ID == alert.ID {
				r.alerts[i] = alert
				return true
			}
		}
		r.alerts = prepend(r.alerts, alert, r.alertCap)
		return true
	case domain.EventTransaction:
		record, err := event.DecodeRecordPayload()
		if err != nil {
			r.logger.Warn("transaction event payload rejected", "error", err.Error())
			return false
		}
		r.mu.Lock()
		r.transactions = prepend(r.transactions, record, r.transactionCap)
		r.mu.Unlock()
		return true
	case domain.EventAnalyticsUpdate:
		r.mu.Lock()
		r.analytics = append(json.RawMessage(nil), event.Data...)
		r.mu.Unlock()
		return true
	default:
		return true
	}
}

// invoke runs one handler with panic isolation.
// Params: handler and event.
// Returns: none; a panicking handler never takes down the dispatch loop.
func (r *Router) invoke(handler Handler, event domain.RealtimeEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("event handler panicked",
				"event_type", string(event.Type), "panic", recovered)
		}
	}()
	handler(event)
}

// RecentAlerts returns the buffered alerts, newest first.
// Params: none.
// Returns: copy of the bounded alert buffer.
func (r *Router) RecentAlerts() []domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Alert(nil), r.alerts...)
}

// RecentTransactions returns the buffered records, newest first.
// Params: none.
// Returns: copy of the bounded transaction buffer.
func (r *Router) RecentTransactions() []domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Record(nil), r.transactions...)
}

// LatestAnalytics returns the most recent analytics payload.
// Params: none.
// Returns: raw payload copy, nil before the first update.
func (r *Router) LatestAnalytics() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.analytics == nil {
		return nil
	}
	return append(json.RawMessage(nil), r.analytics...)
}

// prepend inserts one item newest-first and drops the oldest beyond capacity.
// Params: buffer slice, new item, and capacity.
// Returns: updated slice.
func prepend[T any](items []T, item T, capacity int) []T {
	updated := make([]T, 0, len(items)+1)
	updated = append(updated, item)
	updated = append(updated, items...)
	if len(updated) > capacity {
		updated = updated[:capacity]
	}
	return updated
}
