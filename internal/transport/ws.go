package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsSocket wraps one websocket connection behind the Socket interface.
// Writes are serialized; the websocket allows only one concurrent writer.
type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// ReadMessage reads one text frame payload.
// Params: none.
// Returns: frame bytes or read error once the connection is gone.
func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, payload, err := s.conn.ReadMessage()
	return payload, err
}

// WriteJSON writes one JSON frame under the write lock.
// Params: frame value.
// Returns: write error.
func (s *wsSocket) WriteJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close closes the underlying connection.
// Params: none.
// Returns: close error.
func (s *wsSocket) Close() error {
	return s.conn.Close()
}

// WebsocketDialer dials the realtime endpoint with bearer auth.
// Params: handshake deadline for the dial.
// Returns: production dialer behind the Dialer interface.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial opens one authenticated websocket connection.
// Params: context, ws:// or wss:// endpoint, and bearer token.
// Returns: open socket or dial error.
func (d *WebsocketDialer) Dial(ctx context.Context, url string, token string) (Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, response, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if response != nil && response.Body != nil {
			response.Body.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsSocket{conn: conn}, nil
}
