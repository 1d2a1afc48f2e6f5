package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType identifies one inbound realtime event kind.
// Params: string constant carried on the transport envelope.
// Returns: router dispatch key.
type EventType string

const (
	// EventAlertCreated carries one alert created out-of-process.
	EventAlertCreated EventType = "alert_created"
	// EventAlertUpdated carries the authoritative server alert state.
	EventAlertUpdated EventType = "alert_updated"
	// EventTransaction carries one observed transaction record.
	EventTransaction EventType = "transaction_event"
	// EventAnalyticsUpdate carries aggregated analytics refresh payloads.
	EventAnalyticsUpdate EventType = "analytics_update"
	// EventConnectionChange carries local connection state transitions.
	EventConnectionChange EventType = "connection_change"
	// EventConnectError carries recoverable connect failures.
	EventConnectError EventType = "connect_error"
	// EventWildcard subscribes a handler to every event type.
	EventWildcard EventType = "*"
)

// RealtimeEvent is one demultiplexed transport event.
// Params: event type, opaque payload, and server timestamp.
// Returns: envelope routed to registered handlers.
type RealtimeEvent struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// DecodeRealtimeEvent decodes and validates one realtime event envelope.
// Params: JSON document bytes from transport.
// Returns: validated envelope or decode/validation error.
func DecodeRealtimeEvent(raw []byte) (RealtimeEvent, error) {
	var event RealtimeEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return RealtimeEvent{}, fmt.Errorf("decode realtime event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return RealtimeEvent{}, err
	}
	return event, nil
}

// Validate validates one realtime event against the transport contract.
// Params: envelope fields parsed from transport.
// Returns: validation error when the envelope is malformed.
func (e RealtimeEvent) Validate() error {
	if strings.TrimSpace(string(e.Type)) == "" {
		return errors.New("event type is required")
	}
	if e.Type == EventWildcard {
		return errors.New("wildcard is not a valid inbound event type")
	}
	return nil
}

// DecodeAlertPayload decodes the alert body of an alert_* event.
// Params: envelope data payload.
// Returns: decoded alert or decode error.
func (e RealtimeEvent) DecodeAlertPayload() (Alert, error) {
	var alert Alert
	if err := json.Unmarshal(e.Data, &alert); err != nil {
		return Alert{}, fmt.Errorf("decode alert payload: %w", err)
	}
	if strings.TrimSpace(alert.ID) == "" {
		return Alert{}, errors.New("alert payload missing id")
	}
	return alert, nil
}

// DecodeRecordPayload decodes the record body of a transaction event.
// Params: envelope data payload.
// Returns: decoded record or decode error.
func (e RealtimeEvent) DecodeRecordPayload() (Record, error) {
	return DecodeRecord(e.Data)
}
