// Package transport implements the Transport abstraction from spec.md
// §4.1: moving JSON messages bidirectionally over one physical channel
// (WebSocket or Unix datagram socket), with retry/failover across a
// circular list of candidate server addresses.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Address is the transport-level view of a candidate server endpoint. It
// mirrors the root package's ServerAddress without depending on it, since
// the root package depends on this one.
type Address struct {
	URL       string
	APISecret string
	Token     string
}

// WSOptions configures the WebSocket transport variant.
type WSOptions struct {
	HandshakeTimeout time.Duration
}

// RetryConfig bounds the open-attempt/failover loop. Both fields are taken
// as final, resolved values — including zero, which legitimately means "no
// retries" / "no wait between attempts" (spec.md §8 scenario 5 configures
// exactly this). Callers who want spec.md's defaults of maxRetries=5,
// retryTimeSecs=10 for an unset option resolve that at the Configuration
// layer (see Configuration.maxRetries/retryTimeSecs in protocol.go) before
// constructing a RetryConfig.
type RetryConfig struct {
	MaxRetries    int
	RetryTimeSecs int
}

func (r RetryConfig) maxRetries() int { return r.MaxRetries }

func (r RetryConfig) retryTime() time.Duration {
	return time.Duration(r.RetryTimeSecs) * time.Second
}

// Dispatcher receives every inbound message the transport decodes.
type Dispatcher interface {
	Dispatch(msg map[string]any)
}

// CloseNotifier is told when the transport's physical channel goes away,
// distinguishing a caller-initiated close from an unexpected drop.
type CloseNotifier interface {
	NotifyClosed(graceful bool, err error)
}

// Transport is the capability set spec.md §4.1 requires: open, close, send
// one JSON object, and report the remote endpoint's hostname for logging.
type Transport interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Send(ctx context.Context, msg map[string]any) error
	RemoteHostname() string
}

// AddressIterator walks a non-empty address list circularly. Current
// returns the address selected for the next attempt; Next advances and
// returns the new current, per spec.md §9's two-operation contract.
type AddressIterator struct {
	mu    sync.Mutex
	addrs []Address
	idx   int
}

// NewAddressIterator builds an iterator over addrs, starting at index 0.
// addrs must be non-empty; callers validate this via Configuration.Validate
// before constructing a transport.
func NewAddressIterator(addrs []Address) *AddressIterator {
	cp := make([]Address, len(addrs))
	copy(cp, addrs)
	return &AddressIterator{addrs: cp}
}

// Current returns the address selected for the next attempt.
func (a *AddressIterator) Current() Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addrs[a.idx]
}

// Next advances the iterator (wrapping modulo the list length) and returns
// the new current address.
func (a *AddressIterator) Next() Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.idx = (a.idx + 1) % len(a.addrs)
	return a.addrs[a.idx]
}

// New selects a Transport variant by inspecting the URL scheme of the
// first configured address: ws|wss|ws+unix|wss+unix dial a WebSocket,
// file dials a Unix datagram socket. An unrecognized scheme yields a stub
// transport whose every operation fails, per spec.md §4.1.
func New(addrs *AddressIterator, retry RetryConfig, isAdmin bool, wsOpts WSOptions, dispatcher Dispatcher, notifier CloseNotifier) Transport {
	first := addrs.Current()
	u, err := url.Parse(first.URL)
	if err != nil {
		slog.Warn("could not parse server address, falling back to stub transport", "url", first.URL, "error", err)
		return newStubTransport(err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "ws+unix", "wss+unix":
		return newWebSocketTransport(addrs, retry, isAdmin, wsOpts, dispatcher, notifier)
	case "file":
		return newUnixDatagramTransport(addrs, retry, dispatcher, notifier)
	default:
		err := fmt.Errorf("unsupported server address scheme %q", u.Scheme)
		slog.Warn("falling back to stub transport", "error", err)
		return newStubTransport(err)
	}
}

// stubTransport implements Transport by failing every operation, used when
// the address scheme could not be resolved to a concrete variant.
type stubTransport struct{ cause error }

func newStubTransport(cause error) *stubTransport { return &stubTransport{cause: cause} }

func (s *stubTransport) fail(op string) error {
	return fmt.Errorf("transport does not implement %s: %w", op, s.cause)
}

func (s *stubTransport) Open(ctx context.Context) error            { return s.fail("open") }
func (s *stubTransport) Close(ctx context.Context) error           { return s.fail("close") }
func (s *stubTransport) Send(ctx context.Context, msg map[string]any) error {
	return s.fail("send")
}
func (s *stubTransport) RemoteHostname() string { return "" }

// retryOpen implements spec.md §4.1's `_attemptOpen`: clear transient
// state, invoke opener against the iterator's current address, and on
// failure wait then advance and recurse, up to retry.maxRetries()+1 total
// attempts. isClosed is polled before each attempt and before each
// backoff sleep so a concurrent Close() aborts the loop immediately,
// resolving spec.md §9's close-during-retry Open Question.
func retryOpen(ctx context.Context, addrs *AddressIterator, retry RetryConfig, isClosed func() bool, opener func(ctx context.Context, addr Address) error) error {
	maxAttempts := retry.maxRetries() + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if isClosed() {
			return fmt.Errorf("transport closed during retry")
		}

		addr := addrs.Current()
		err := opener(ctx, addr)
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("transport open attempt failed", "attempt", attempt, "address", addr.URL, "error", err)
		addrs.Next()

		if attempt >= maxAttempts {
			break
		}

		if isClosed() {
			return fmt.Errorf("transport closed during retry")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry.retryTime()):
		}
	}

	return fmt.Errorf("exhausted %d open attempts: %w", maxAttempts, lastErr)
}
