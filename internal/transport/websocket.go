package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsWriteTimeout bounds every WebSocket frame write, ping or data.
	wsWriteTimeout = 10 * time.Second

	// wsPingInterval is how often the transport pings the server to keep
	// the connection alive and detect a silently dropped peer.
	wsPingInterval = 10 * time.Second

	// wsPongWait is how long the transport waits for a pong after a ping
	// before treating the connection as dead.
	wsPongWait = 5 * time.Second

	wsDefaultHandshakeTimeout = 5 * time.Second
)

// wsTransport is the WebSocket variant of Transport, grounded on the
// signaling client's reconnect-and-ping loop: dial, set up a read deadline
// refreshed by pong frames, and background-ping on a fixed interval,
// terminating the connection (not a graceful close) the moment a ping or
// pong fails.
type wsTransport struct {
	addrs    *AddressIterator
	retry    RetryConfig
	isAdmin  bool
	wsOpts   WSOptions
	dispatch Dispatcher
	notify   CloseNotifier

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	cancelRW context.CancelFunc
	hostname string
}

func newWebSocketTransport(addrs *AddressIterator, retry RetryConfig, isAdmin bool, wsOpts WSOptions, dispatcher Dispatcher, notifier CloseNotifier) *wsTransport {
	return &wsTransport{
		addrs:    addrs,
		retry:    retry,
		isAdmin:  isAdmin,
		wsOpts:   wsOpts,
		dispatch: dispatcher,
		notify:   notifier,
	}
}

func (t *wsTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Open dials the current (and, on failure, each subsequent) address until
// one succeeds or the retry budget is exhausted.
func (t *wsTransport) Open(ctx context.Context) error {
	return retryOpen(ctx, t.addrs, t.retry, t.isClosed, t.dialOnce)
}

func (t *wsTransport) dialOnce(ctx context.Context, addr Address) error {
	u, err := url.Parse(addr.URL)
	if err != nil {
		return fmt.Errorf("parsing server url: %w", err)
	}
	t.hostname = u.Hostname()

	handshakeTimeout := t.wsOpts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = wsDefaultHandshakeTimeout
	}

	subprotocol := "janus-protocol"
	if t.isAdmin {
		subprotocol = "janus-admin-protocol"
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{subprotocol},
	}

	header := http.Header{}
	if addr.Token != "" {
		header.Set("Authorization", "Bearer "+addr.Token)
	}

	conn, _, err := dialer.DialContext(ctx, addr.URL, header)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	rwCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.cancelRW = cancel
	t.closed = false
	t.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	})

	go t.readLoop(rwCtx, conn)
	go t.pingLoop(rwCtx, conn)

	return nil
}

func (t *wsTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Warn("websocket read failed", "error", err)
			t.teardown(false, fmt.Errorf("websocket read failed: %w", err))
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("could not decode inbound websocket frame", "error", err)
			continue
		}
		if t.dispatch != nil {
			t.dispatch.Dispatch(msg)
		}
	}
}

func (t *wsTransport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				slog.Warn("failed to set write deadline for ping", "error", err)
				t.teardown(false, fmt.Errorf("setting ping write deadline: %w", err))
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("ping failed, terminating connection", "error", err)
				t.teardown(false, fmt.Errorf("ping failed: %w", err))
				return
			}
		}
	}
}

// teardown tears the physical connection down once, notifying the owner
// whether the close was caller-initiated (graceful) or not.
func (t *wsTransport) teardown(graceful bool, cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	cancel := t.cancelRW
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if t.notify != nil {
		t.notify.NotifyClosed(graceful, cause)
	}
}

// Close terminates the connection gracefully, sending a normal close
// frame before tearing down the socket.
func (t *wsTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(wsWriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	t.teardown(true, nil)
	return nil
}

// Send JSON-encodes msg and writes it as a single text frame.
func (t *wsTransport) Send(ctx context.Context, msg map[string]any) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if conn == nil || closed {
		return fmt.Errorf("websocket transport is not open")
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding outbound message: %w", err)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("writing websocket frame: %w", err)
	}
	return nil
}

func (t *wsTransport) RemoteHostname() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hostname
}
