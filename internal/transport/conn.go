package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fraudalert/internal/clock"
	"fraudalert/internal/config"
	"fraudalert/internal/domain"
)

// State is the connection lifecycle phase.
type State string

const (
	// StateDisconnected means no socket is open and no dial is in flight.
	StateDisconnected State = "disconnected"
	// StateConnecting means a dial or auth handshake is in flight.
	StateConnecting State = "connecting"
	// StateConnected means the socket is open and the handshake completed.
	StateConnected State = "connected"
)

// Server envelope types on the persistent channel.
const (
	frameConnected        = "connected"
	frameSubscribed       = "subscribed"
	frameUnsubscribed     = "unsubscribed"
	frameError            = "error"
	frameDisconnectNotice = "disconnect_notice"
	framePing             = "ping"
	framePong             = "pong"
	frameSubscribe        = "subscribe"
	frameUnsubscribe      = "unsubscribe"
	frameRealtimeEvent    = "realtime_event"
)

// envelope is one wire frame in either direction.
// Params: frame type plus optional channel, diagnostic text, and event payload.
// Returns: JSON codec for the persistent channel protocol.
type envelope struct {
	Type    string                `json:"type"`
	Channel string                `json:"channel,omitempty"`
	Message string                `json:"message,omitempty"`
	Reason  string                `json:"reason,omitempty"`
	Event   *domain.RealtimeEvent `json:"event,omitempty"`
}

// Socket is one open bidirectional message channel.
// Params: none.
// Returns: blocking reads, serialized JSON writes, and close.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens an authenticated socket to the realtime endpoint.
// Params: context, endpoint URL, and bearer token.
// Returns: open socket or dial error.
type Dialer interface {
	Dial(ctx context.Context, url string, token string) (Socket, error)
}

// EventSink receives demultiplexed realtime events.
// Params: one event envelope.
// Returns: none; delivery must not block the read loop for long.
type EventSink interface {
	Dispatch(event domain.RealtimeEvent)
}

// Status is one point-in-time connection snapshot.
// Params: none.
// Returns: connection flag, active subscriptions, and reconnect attempt count.
type Status struct {
	IsConnected       bool
	State             State
	Subscriptions     []string
	ReconnectAttempts int
}

// connectAttempt coalesces concurrent Connect calls into one dial.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns the persistent realtime connection and its subscriptions.
// Params: transport config, dialer, token chain, and event sink.
// Returns: reconnecting connection with subscription replay.
type Manager struct {
	cfg    config.TransportConfig
	dialer Dialer
	tokens TokenSource
	sink   EventSink
	logger *slog.Logger
	clk    clock.Clock

	mu                sync.Mutex
	state             State
	socket            Socket
	connStop          chan struct{}
	teardown          chan struct{}
	inflight          *connectAttempt
	subscriptions     map[string]struct{}
	pendingAcks       map[string]chan error
	reconnectAttempts int
}

// NewManager creates the connection manager in the disconnected state.
// Params: transport config, dialer, token source, sink, logger, and clock.
// Returns: manager ready for Connect.
func NewManager(cfg config.TransportConfig, dialer Dialer, tokens TokenSource, sink EventSink, logger *slog.Logger, clk clock.Clock) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{
		cfg:           cfg,
		dialer:        dialer,
		tokens:        tokens,
		sink:          sink,
		logger:        logger,
		clk:           clk,
		state:         StateDisconnected,
		teardown:      make(chan struct{}),
		subscriptions: make(map[string]struct{}),
		pendingAcks:   make(map[string]chan error),
	}
}

// Connect opens the authenticated connection, coalescing concurrent callers.
// Params: context bounding the dial and handshake.
// Returns: nil when connected; ErrUnauthenticated, ErrConnectTimeout, or
// ErrConnectFailed otherwise. A second caller joins the in-flight attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.inflight != nil {
		attempt := m.inflight
		m.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	m.inflight = attempt
	m.state = StateConnecting
	epoch := m.teardown
	m.mu.Unlock()

	m.emit(domain.EventConnectionChange, map[string]string{"state": string(StateConnecting)})
	err := m.establish(ctx, epoch)

	m.mu.Lock()
	m.inflight = nil
	if err != nil && m.state == StateConnecting {
		m.state = StateDisconnected
	}
	attempt.err = err
	m.mu.Unlock()
	close(attempt.done)

	if err != nil {
		m.emit(domain.EventConnectError, map[string]string{"message": err.Error()})
		m.emit(domain.EventConnectionChange, map[string]string{"state": string(StateDisconnected)})
	}
	return err
}

// establish dials, runs the auth handshake, and starts connection loops.
// Params: caller context and the teardown epoch the attempt belongs to.
// Returns: nil on a live connection; a Disconnect during the dial aborts
// the attempt instead of committing a connection past the teardown.
func (m *Manager) establish(ctx context.Context, epoch chan struct{}) error {
	token, err := m.tokens.Token()
	if err != nil {
		return ErrUnauthenticated
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout())
	defer cancel()
	socket, err := m.dialer.Dial(dialCtx, m.cfg.URL, token)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: dial %s", ErrConnectTimeout, m.cfg.URL)
		}
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	if err := m.awaitHandshake(socket); err != nil {
		socket.Close()
		return err
	}

	m.mu.Lock()
	if m.teardown != epoch {
		m.mu.Unlock()
		socket.Close()
		return fmt.Errorf("%w: torn down during connect", ErrConnectFailed)
	}
	connStop := make(chan struct{})
	m.socket = socket
	m.connStop = connStop
	m.state = StateConnected
	m.reconnectAttempts = 0
	replay := make([]string, 0, len(m.subscriptions))
	for channel := range m.subscriptions {
		replay = append(replay, channel)
	}
	m.mu.Unlock()

	m.logger.Info("transport connected", "url", m.cfg.URL)
	m.emit(domain.EventConnectionChange, map[string]string{"state": string(StateConnected)})

	go m.readLoop(socket, connStop)
	go m.heartbeatLoop(socket, connStop)
	if len(replay) > 0 {
		sort.Strings(replay)
		go m.replaySubscriptions(replay)
	}
	return nil
}

// awaitHandshake waits for the server connected frame within the deadline.
// Params: freshly dialed socket.
// Returns: nil when the server confirms the session.
func (m *Manager) awaitHandshake(socket Socket) error {
	type readResult struct {
		frame envelope
		err   error
	}
	frames := make(chan readResult, 1)
	go func() {
		payload, err := socket.ReadMessage()
		if err != nil {
			frames <- readResult{err: err}
			return
		}
		var frame envelope
		if err := json.Unmarshal(payload, &frame); err != nil {
			frames <- readResult{err: err}
			return
		}
		frames <- readResult{frame: frame}
	}()

	timer := time.NewTimer(m.cfg.HandshakeTimeout())
	defer timer.Stop()
	select {
	case <-timer.C:
		return fmt.Errorf("%w: no handshake ack", ErrConnectTimeout)
	case result := <-frames:
		if result.err != nil {
			return fmt.Errorf("%w: handshake read: %v", ErrConnectFailed, result.err)
		}
		switch result.frame.Type {
		case frameConnected:
			return nil
		case frameError:
			return fmt.Errorf("%w: server rejected session: %s", ErrConnectFailed, result.frame.Message)
		default:
			return fmt.Errorf("%w: unexpected handshake frame %q", ErrConnectFailed, result.frame.Type)
		}
	}
}

// Disconnect tears the connection down and resets all transient state.
// Params: none.
// Returns: none; pending waiters and reconnect timers are cancelled.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	close(m.teardown)
	m.teardown = make(chan struct{})
	if m.connStop != nil {
		close(m.connStop)
		m.connStop = nil
	}
	socket := m.socket
	m.socket = nil
	m.state = StateDisconnected
	m.subscriptions = make(map[string]struct{})
	m.reconnectAttempts = 0
	m.failPendingAcksLocked(ErrNotConnected)
	m.mu.Unlock()

	if socket != nil {
		socket.Close()
	}
	m.logger.Info("transport disconnected")
	m.emit(domain.EventConnectionChange, map[string]string{"state": string(StateDisconnected)})
}

// Subscribe registers interest in one server channel.
// Params: context and channel name.
// Returns: nil once the server acks; ErrSubscriptionTimeout after the ack
// deadline, ErrNotConnected without a live connection.
func (m *Manager) Subscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	if _, subscribed := m.subscriptions[channel]; subscribed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.subscribeRequest(ctx, channel)
}

// subscribeRequest sends one subscribe frame and waits for its ack.
// Params: context and channel name.
// Returns: nil when acked within the subscribe timeout.
func (m *Manager) subscribeRequest(ctx context.Context, channel string) error {
	socket, ack, err := m.registerAck(frameSubscribe, channel)
	if err != nil {
		return err
	}

	if err := socket.WriteJSON(envelope{Type: frameSubscribe, Channel: channel}); err != nil {
		m.clearAck(frameSubscribe, channel)
		return fmt.Errorf("send subscribe %q: %w", channel, err)
	}

	timer := time.NewTimer(m.cfg.SubscribeTimeout())
	defer timer.Stop()
	select {
	case err := <-ack:
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", channel, err)
		}
		m.mu.Lock()
		m.subscriptions[channel] = struct{}{}
		m.mu.Unlock()
		return nil
	case <-timer.C:
		m.clearAck(frameSubscribe, channel)
		return fmt.Errorf("%w: %s", ErrSubscriptionTimeout, channel)
	case <-ctx.Done():
		m.clearAck(frameSubscribe, channel)
		return ctx.Err()
	}
}

// Unsubscribe removes interest in one server channel.
// Params: context and channel name.
// Returns: nil even when the ack never arrives; local state is always cleared.
func (m *Manager) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	delete(m.subscriptions, channel)
	m.mu.Unlock()

	socket, ack, err := m.registerAck(frameUnsubscribe, channel)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return err
	}
	if err := socket.WriteJSON(envelope{Type: frameUnsubscribe, Channel: channel}); err != nil {
		m.clearAck(frameUnsubscribe, channel)
		return nil
	}

	timer := time.NewTimer(m.cfg.SubscribeTimeout())
	defer timer.Stop()
	select {
	case <-ack:
	case <-timer.C:
		m.clearAck(frameUnsubscribe, channel)
		m.logger.Debug("unsubscribe ack timed out", "channel", channel)
	case <-ctx.Done():
		m.clearAck(frameUnsubscribe, channel)
	}
	return nil
}

// CurrentStatus reports a point-in-time connection snapshot.
// Params: none.
// Returns: connection flag, sorted subscriptions, and reconnect attempts.
func (m *Manager) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	subscriptions := make([]string, 0, len(m.subscriptions))
	for channel := range m.subscriptions {
		subscriptions = append(subscriptions, channel)
	}
	sort.Strings(subscriptions)
	return Status{
		IsConnected:       m.state == StateConnected,
		State:             m.state,
		Subscriptions:     subscriptions,
		ReconnectAttempts: m.reconnectAttempts,
	}
}

// registerAck reserves the ack waiter slot for one request frame.
// Params: frame kind and channel name.
// Returns: live socket and buffered ack channel, or ErrNotConnected.
func (m *Manager) registerAck(kind, channel string) (Socket, chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.socket == nil {
		return nil, nil, ErrNotConnected
	}
	key := ackKey(kind, channel)
	if _, pending := m.pendingAcks[key]; pending {
		return nil, nil, fmt.Errorf("%s already pending for channel %q", kind, channel)
	}
	ack := make(chan error, 1)
	m.pendingAcks[key] = ack
	return m.socket, ack, nil
}

// clearAck drops an ack waiter that timed out or failed to send.
// Params: frame kind and channel name.
// Returns: none.
func (m *Manager) clearAck(kind, channel string) {
	m.mu.Lock()
	delete(m.pendingAcks, ackKey(kind, channel))
	m.mu.Unlock()
}

// resolveAck completes one pending ack waiter if present.
// Params: frame kind, channel name, and outcome.
// Returns: true when a waiter was resolved.
func (m *Manager) resolveAck(kind, channel string, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ackKey(kind, channel)
	ack, pending := m.pendingAcks[key]
	if !pending {
		return false
	}
	delete(m.pendingAcks, key)
	ack <- err
	return true
}

// failPendingAcksLocked fails every outstanding waiter. Caller holds mu.
// Params: terminal error.
// Returns: none.
func (m *Manager) failPendingAcksLocked(err error) {
	for key, ack := range m.pendingAcks {
		delete(m.pendingAcks, key)
		ack <- err
	}
}

func ackKey(kind, channel string) string {
	return kind + "/" + channel
}

// readLoop drains server frames until the socket fails or is replaced.
// Params: socket owned by this loop and its stop channel.
// Returns: none; an unexpected read failure schedules reconnection.
func (m *Manager) readLoop(socket Socket, connStop chan struct{}) {
	for {
		payload, err := socket.ReadMessage()
		if err != nil {
			m.handleReadFailure(socket, connStop, err)
			return
		}
		var frame envelope
		if err := json.Unmarshal(payload, &frame); err != nil {
			m.logger.Warn("transport frame decode failed", "error", err.Error())
			continue
		}
		m.handleFrame(frame)
	}
}

// handleFrame demultiplexes one server frame.
// Params: decoded envelope.
// Returns: none.
func (m *Manager) handleFrame(frame envelope) {
	switch frame.Type {
	case framePong:
		m.logger.Debug("transport heartbeat ack")
	case frameSubscribed:
		if !m.resolveAck(frameSubscribe, frame.Channel, nil) {
			m.logger.Debug("unexpected subscribed ack", "channel", frame.Channel)
		}
	case frameUnsubscribed:
		m.resolveAck(frameUnsubscribe, frame.Channel, nil)
	case frameError:
		if frame.Channel != "" && m.resolveAck(frameSubscribe, frame.Channel, errors.New(frame.Message)) {
			return
		}
		m.logger.Warn("transport server error", "message", frame.Message)
		m.emit(domain.EventConnectError, map[string]string{"message": frame.Message})
	case frameDisconnectNotice:
		m.logger.Warn("server announced disconnect", "reason", frame.Reason)
	case frameRealtimeEvent:
		if frame.Event == nil {
			m.logger.Warn("realtime frame without event payload")
			return
		}
		if m.sink != nil {
			m.sink.Dispatch(*frame.Event)
		}
	default:
		m.logger.Debug("unhandled transport frame", "type", frame.Type)
	}
}

// handleReadFailure reacts to a dead socket.
// Params: failed socket, its stop channel, and the read error.
// Returns: none; stale loops from a replaced socket exit silently.
func (m *Manager) handleReadFailure(socket Socket, connStop chan struct{}, err error) {
	select {
	case <-connStop:
		return
	default:
	}

	m.mu.Lock()
	if m.socket != socket {
		m.mu.Unlock()
		return
	}
	m.socket = nil
	m.state = StateDisconnected
	if m.connStop != nil {
		close(m.connStop)
		m.connStop = nil
	}
	m.failPendingAcksLocked(ErrNotConnected)
	teardown := m.teardown
	m.mu.Unlock()

	socket.Close()
	m.logger.Warn("transport connection lost", "error", err.Error())
	m.emit(domain.EventConnectionChange, map[string]string{"state": string(StateDisconnected)})
	go m.reconnectLoop(teardown)
}

// reconnectLoop retries the connection with exponential backoff.
// Params: teardown channel of the epoch the loop belongs to.
// Returns: none; gives up after the attempt cap until an explicit Connect.
func (m *Manager) reconnectLoop(teardown chan struct{}) {
	for {
		m.mu.Lock()
		if m.state == StateConnected {
			m.mu.Unlock()
			return
		}
		if m.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
			m.mu.Unlock()
			m.logger.Error("reconnect attempts exhausted",
				"attempts", m.cfg.MaxReconnectAttempts)
			return
		}
		m.reconnectAttempts++
		attempt := m.reconnectAttempts
		m.mu.Unlock()

		delay := m.cfg.ReconnectBase() << (attempt - 1)
		m.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay.String())
		timer := time.NewTimer(delay)
		select {
		case <-teardown:
			timer.Stop()
			return
		case <-timer.C:
		}

		err := m.Connect(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrUnauthenticated) {
			m.logger.Error("reconnect abandoned, credential unavailable")
			return
		}
		m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err.Error())
	}
}

// heartbeatLoop sends periodic pings while the connection is alive.
// Params: socket owned by this connection and its stop channel.
// Returns: none; pong replies are informational only.
func (m *Manager) heartbeatLoop(socket Socket, connStop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-connStop:
			return
		case <-ticker.C:
			if err := socket.WriteJSON(envelope{Type: framePing}); err != nil {
				m.logger.Debug("heartbeat write failed", "error", err.Error())
				return
			}
		}
	}
}

// replaySubscriptions re-subscribes every channel after a reconnect.
// Params: channels to restore.
// Returns: none; per-channel failures are logged and do not stop the replay.
func (m *Manager) replaySubscriptions(channels []string) {
	for _, channel := range channels {
		if err := m.subscribeRequest(context.Background(), channel); err != nil {
			m.logger.Warn("subscription replay failed",
				"channel", channel, "error", err.Error())
			continue
		}
		m.logger.Info("subscription restored", "channel", channel)
	}
}

// emit publishes one synthetic connection event to the sink.
// Params: event type and payload object.
// Returns: none.
func (m *Manager) emit(eventType domain.EventType, payload any) {
	if m.sink == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	m.sink.Dispatch(domain.RealtimeEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: m.clk.Now(),
	})
}
