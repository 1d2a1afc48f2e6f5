package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"fraudalert/internal/config"
	"fraudalert/internal/domain"
)

// fakeSocket is an in-memory socket with scripted server behavior.
type fakeSocket struct {
	mu       sync.Mutex
	incoming chan []byte
	frames   []envelope
	closed   bool
	autoAck  bool
}

func newFakeSocket(autoAck bool) *fakeSocket {
	return &fakeSocket{incoming: make(chan []byte, 32), autoAck: autoAck}
}

func (s *fakeSocket) push(frame envelope) {
	payload, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.incoming <- payload
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	payload, ok := <-s.incoming
	if !ok {
		return nil, errors.New("socket closed")
	}
	return payload, nil
}

func (s *fakeSocket) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame envelope
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("socket closed")
	}
	s.frames = append(s.frames, frame)
	auto := s.autoAck
	s.mu.Unlock()

	if auto {
		switch frame.Type {
		case frameSubscribe:
			s.push(envelope{Type: frameSubscribed, Channel: frame.Channel})
		case frameUnsubscribe:
			s.push(envelope{Type: frameUnsubscribed, Channel: frame.Channel})
		case framePing:
			s.push(envelope{Type: framePong})
		}
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.incoming)
	return nil
}

func (s *fakeSocket) sentChannels(kind string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make([]string, 0)
	for _, frame := range s.frames {
		if frame.Type == kind {
			channels = append(channels, frame.Channel)
		}
	}
	return channels
}

// fakeDialer hands out fake sockets and can fail or stall dials.
type fakeDialer struct {
	mu       sync.Mutex
	autoAck  bool
	failures int
	dials    int
	sockets  []*fakeSocket
	gate     chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, _ string) (Socket, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	fail := d.dials <= d.failures
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection refused")
	}

	socket := newFakeSocket(d.autoAck)
	socket.push(envelope{Type: frameConnected})
	d.mu.Lock()
	d.sockets = append(d.sockets, socket)
	d.mu.Unlock()
	return socket, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) socketAt(index int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index >= len(d.sockets) {
		return nil
	}
	return d.sockets[index]
}

func (d *fakeDialer) setFailures(failures int) {
	d.mu.Lock()
	d.failures = failures
	d.mu.Unlock()
}

// recordingSink collects dispatched events.
type recordingSink struct {
	mu     sync.Mutex
	events []domain.RealtimeEvent
}

func (s *recordingSink) Dispatch(event domain.RealtimeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) countByType(eventType domain.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, event := range s.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}

func testTransportConfig() config.TransportConfig {
	return config.TransportConfig{
		URL:                  "ws://localhost:9/realtime",
		HandshakeTimeoutSec:  1,
		HeartbeatIntervalSec: 30,
		SubscribeTimeoutSec:  1,
		ReconnectBaseMS:      1,
		MaxReconnectAttempts: 3,
		Token:                "test-token",
	}
}

func waitFor(t *testing.T, message string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", message)
}

func TestConnectWithoutCredentialDoesNotDial(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{autoAck: true}
	manager := NewManager(testTransportConfig(), dialer, ChainTokenSource{}, nil, nil, nil)

	err := manager.Connect(context.Background())
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if dialer.dialCount() != 0 {
		t.Fatalf("expected no dial without credential, got %d", dialer.dialCount())
	}
}

func TestConnectCompletesHandshake(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{autoAck: true}
	manager := NewManager(testTransportConfig(), dialer, StaticTokenSource("tok"), nil, nil, nil)

	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	status := manager.CurrentStatus()
	if !status.IsConnected || status.State != StateConnected {
		t.Fatalf("expected connected status, got %+v", status)
	}
	if status.ReconnectAttempts != 0 {
		t.Fatalf("expected zero reconnect attempts, got %d", status.ReconnectAttempts)
	}
}

func TestConnectCoalescesConcurrentCallers(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{autoAck: true, gate: make(chan struct{})}
	manager := NewManager(testTransportConfig(), dialer, StaticTokenSource("tok"), nil, nil, nil)

	errs := make(chan error, 2)
	go func() { errs <- manager.Connect(context.Background()) }()
	waitFor(t, "first connect in flight", func() bool {
		return manager.CurrentStatus().State == StateConnecting
	})
	go func() { errs <- manager.Connect(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	close(dialer.gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("expected concurrent callers to share one dial, got %d", dialer.dialCount())
	}
}

func TestSubscribeWaitsForAck(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{autoAck: true}
	manager := NewManager(testTransportConfig(), dialer, StaticTokenSource("tok"), nil, nil, nil)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := manager.Subscribe(context.Background(), "alerts"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	status := manager.CurrentStatus()
	if len(status.Subscriptions) != 1 || status.Subscriptions[0] != "alerts" {
		t.Fatalf("expected alerts subscription, got %+v", status.Subscriptions)
	}
}

func TestSubscribeTimesOutWithoutAck(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{autoAck: false}
	manager := NewManager(testTransportConfig(), dialer, StaticTokenSource("tok"), nil, nil, nil)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := manager.Subscribe(context.Background(), "alerts")
	if !errors.Is(err, ErrSubscriptionTimeout) {
		t.Fatalf("expected ErrSubscriptionTimeout, got %v", err)
	}
	if len(manager.CurrentStatus().Subscriptions) != 0 {
		t.Fatalf("expected no subscription after timeout")
	}
}

func TestSubscribeRequiresConnection(t *testing.T) {
	t.Parallel()

	manager := NewManager(testTransportConfig(), &fakeDialer{}, StaticTokenSource("tok"), nil, nil, nil)
	if err := manager.Subscribe(context.Background(), "alerts"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestUnsubscribeIsBestEffort(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{autoAck: true}
	manager := NewManager(testTransportConfig(), dialer, StaticTokenSource("tok"), nil, nil, nil)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := manager.Subscribe(context.Background(), "alerts"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	socket := dialer.socketAt(0)
	socket.mu.Lock()
	socket.autoAck = false
	socket.mu.Unlock()

	if err := manager.Unsubscribe(context.Background(), "alerts"); err != nil {
		t.Fatalf("expected best-effort unsubscribe to succeed, got %v", err)
	}
	if len(manager.CurrentStatus().Subscriptions) != 0 {
		t.Fatalf("expected local subscription state cleared")
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{autoAck: true}
	manager := NewManager(testTransportConfig(), dialer, StaticTokenSource("tok"), nil, nil, nil)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, channel := range []string{"alerts", "transactions"} {
		if err := manager.Subscribe(context.Background(), channel); err != nil {
			t.Fatalf("subscribe %s: %v", channel, err)
		}
	}

	dialer.socketAt(0).Close()

	waitFor(t, "reconnect established", func() bool {
		return dialer.dialCount() == 2 && manager.CurrentStatus().IsConnected
	})
	waitFor(t, "both channels replayed", func() bool {
		replayed := dialer.socketAt(1).sentChannels(frameSubscribe)
		return len(replayed) == 2
	})

	status := manager.CurrentStatus()
	if len(status.Subscriptions) != 2 {
		t.Fatalf("expected both subscriptions after replay, got %+v", status.Subscriptions)
	}
	if status.ReconnectAttempts != 0 {
		t.Fatalf("expected attempt counter reset on success, got %d", status.ReconnectAttempts)
	}
}

func TestReconnectStopsAtAttemptCap(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{autoAck: true}
	manager := NewManager(testTransportConfig(), dialer, StaticTokenSource("tok"), nil, nil, nil)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	dialer.setFailures(1000)
	dialer.socketAt(0).Close()

	waitFor(t, "attempt cap reached", func() bool {
		return manager.CurrentStatus().ReconnectAttempts == 3
	})
	time.Sleep(50 * time.Millisecond)
	if got := dialer.dialCount(); got != 4 {
		t.Fatalf("expected 1 initial + 3 reconnect dials, got %d", got)
	}
	if manager.CurrentStatus().IsConnected {
		t.Fatalf("expected disconnected state after exhausted attempts")
	}

	dialer.setFailures(0)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("explicit connect after cap: %v", err)
	}
	if got := manager.CurrentStatus().ReconnectAttempts; got != 0 {
		t.Fatalf("expected explicit connect to reset attempts, got %d", got)
	}
}

func TestDisconnectResetsStateAndSuppressesReconnect(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{autoAck: true}
	sink := &recordingSink{}
	manager := NewManager(testTransportConfig(), dialer, StaticTokenSource("tok"), sink, nil, nil)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := manager.Subscribe(context.Background(), "alerts"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	manager.Disconnect()

	time.Sleep(50 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("expected no reconnect after explicit disconnect, got %d dials", dialer.dialCount())
	}
	status := manager.CurrentStatus()
	if status.IsConnected || len(status.Subscriptions) != 0 || status.ReconnectAttempts != 0 {
		t.Fatalf("expected fully reset state, got %+v", status)
	}
}

func TestDisconnectAbortsInflightConnect(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{autoAck: true, gate: make(chan struct{})}
	manager := NewManager(testTransportConfig(), dialer, StaticTokenSource("tok"), nil, nil, nil)

	errs := make(chan error, 1)
	go func() { errs <- manager.Connect(context.Background()) }()
	waitFor(t, "connect in flight", func() bool {
		return manager.CurrentStatus().State == StateConnecting
	})

	manager.Disconnect()
	close(dialer.gate)

	if err := <-errs; !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected aborted connect, got %v", err)
	}
	status := manager.CurrentStatus()
	if status.IsConnected || status.State == StateConnected {
		t.Fatalf("expected disconnected state after teardown, got %+v", status)
	}
	socket := dialer.socketAt(0)
	if socket == nil {
		t.Fatalf("expected the gated dial to complete")
	}
	socket.mu.Lock()
	closed := socket.closed
	socket.mu.Unlock()
	if !closed {
		t.Fatalf("expected the late socket to be closed")
	}
}

func TestRealtimeFramesReachSink(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{autoAck: true}
	sink := &recordingSink{}
	manager := NewManager(testTransportConfig(), dialer, StaticTokenSource("tok"), sink, nil, nil)
	if err := manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	dialer.socketAt(0).push(envelope{Type: frameRealtimeEvent, Event: &domain.RealtimeEvent{
		Type:      domain.EventTransaction,
		Data:      json.RawMessage(`{"dt":1767225600,"fields":{"amount":12.5}}`),
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}})

	waitFor(t, "transaction event dispatched", func() bool {
		return sink.countByType(domain.EventTransaction) == 1
	})
	if sink.countByType(domain.EventConnectionChange) == 0 {
		t.Fatalf("expected connection change events from lifecycle")
	}
}

func TestTokenChainPriority(t *testing.T) {
	t.Setenv("FRAUDALERT_TEST_TOKEN", "from-env")

	chain := ChainTokenSource{
		StaticTokenSource(""),
		EnvTokenSource("FRAUDALERT_TEST_TOKEN"),
		FileTokenSource("/nonexistent/token"),
	}
	token, err := chain.Token()
	if err != nil {
		t.Fatalf("chain token: %v", err)
	}
	if token != "from-env" {
		t.Fatalf("expected env token fallback, got %q", token)
	}

	empty := ChainTokenSource{StaticTokenSource(""), FileTokenSource("/nonexistent/token")}
	if _, err := empty.Token(); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated when every source fails, got %v", err)
	}
}
