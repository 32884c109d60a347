package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"sync"

	"github.com/google/uuid"
)

const udpMaxDatagram = 64 * 1024

// udpTransport dials a Janus admin/monitor Unix *datagram* socket: the
// server listens on a well-known path carried in a file:// URL, and this
// side binds its own ephemeral path to receive replies on, mirroring
// net.ListenUnixgram/net.DialUnix's connected-datagram idiom.
type udpTransport struct {
	addrs    *AddressIterator
	retry    RetryConfig
	dispatch Dispatcher
	notify   CloseNotifier

	mu         sync.Mutex
	conn       *net.UnixConn
	bindPath   string
	serverPath string
	closed     bool
	cancelRead context.CancelFunc
}

func newUnixDatagramTransport(addrs *AddressIterator, retry RetryConfig, dispatcher Dispatcher, notifier CloseNotifier) *udpTransport {
	return &udpTransport{addrs: addrs, retry: retry, dispatch: dispatcher, notify: notifier}
}

func (t *udpTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *udpTransport) Open(ctx context.Context) error {
	return retryOpen(ctx, t.addrs, t.retry, t.isClosed, t.dialOnce)
}

func (t *udpTransport) dialOnce(ctx context.Context, addr Address) error {
	u, err := url.Parse(addr.URL)
	if err != nil {
		return fmt.Errorf("parsing server url: %w", err)
	}
	serverPath := u.Path
	if serverPath == "" {
		return fmt.Errorf("file:// server address is missing a socket path")
	}

	bindPath := fmt.Sprintf("/tmp/janode-%s.sock", uuid.NewString())
	_ = os.Remove(bindPath)

	laddr := &net.UnixAddr{Name: bindPath, Net: "unixgram"}
	raddr := &net.UnixAddr{Name: serverPath, Net: "unixgram"}

	// DialUnix with a non-nil laddr both binds the local path (satisfying
	// the "listening" half of the open contract) and connects to raddr in
	// one syscall sequence; a separate ListenUnixgram on the same laddr
	// would race it for the bind and always lose.
	conn, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		_ = os.Remove(bindPath)
		return fmt.Errorf("connecting to %s: %w", serverPath, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.bindPath = bindPath
	t.serverPath = serverPath
	t.cancelRead = cancel
	t.closed = false
	t.mu.Unlock()

	go t.readLoop(readCtx, conn)

	return nil
}

func (t *udpTransport) readLoop(ctx context.Context, conn *net.UnixConn) {
	buf := make([]byte, udpMaxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Warn("unix datagram read failed", "error", err)
			t.teardown(false, fmt.Errorf("unix datagram read failed: %w", err))
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			slog.Warn("could not decode inbound datagram", "error", err)
			continue
		}
		if t.dispatch != nil {
			t.dispatch.Dispatch(msg)
		}
	}
}

func (t *udpTransport) teardown(graceful bool, cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	cancel := t.cancelRead
	bindPath := t.bindPath
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if bindPath != "" {
		_ = os.Remove(bindPath)
	}
	if t.notify != nil {
		t.notify.NotifyClosed(graceful, cause)
	}
}

// Close tears the datagram socket down and unlinks the bind path. Any
// retry loop still in Open polling isClosed aborts on its next check,
// rather than completing a pending dial.
func (t *udpTransport) Close(ctx context.Context) error {
	t.teardown(true, nil)
	return nil
}

func (t *udpTransport) Send(ctx context.Context, msg map[string]any) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if conn == nil || closed {
		return fmt.Errorf("unix datagram transport is not open")
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding outbound message: %w", err)
	}
	if len(raw) > udpMaxDatagram {
		return fmt.Errorf("outbound message of %d bytes exceeds datagram limit", len(raw))
	}
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("writing unix datagram: %w", err)
	}
	return nil
}

func (t *udpTransport) RemoteHostname() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.serverPath
}
