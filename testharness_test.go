package janode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport implements transport.Transport entirely in memory so the
// root package's own tests can drive Connection/Session/Handle without a
// real WebSocket or Unix socket, per the simplification noted for this
// runtime's own test suite (the two concrete transport variants have their
// own dedicated tests in internal/transport).
type fakeTransport struct {
	mu       sync.Mutex
	sentCh   chan map[string]any
	sendErr  error
	closed   bool
	closeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sentCh: make(chan map[string]any, 32)}
}

func (f *fakeTransport) Open(ctx context.Context) error { return nil }

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	err := f.closeErr
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) Send(ctx context.Context, msg map[string]any) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.sentCh <- msg
	return nil
}

func (f *fakeTransport) RemoteHostname() string { return "fake.test" }

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// recvSent blocks for the next outbound message the fake transport
// captured, failing the test if none arrives promptly.
func (f *fakeTransport) recvSent(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-f.sentCh:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

// newTestConnection builds a Connection wired to a fakeTransport, bypassing
// Connection.Open's real scheme-based transport construction: tests live in
// this package and can reach the unexported tr field directly.
func newTestConnection(t *testing.T) (*Connection, *fakeTransport) {
	t.Helper()
	cfg := Configuration{Addresses: []ServerAddress{{URL: "ws://fake", APISecret: "s3cr3t"}}}
	c, err := NewConnection(cfg)
	require.NoError(t, err)

	tr := newFakeTransport()
	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()

	return c, tr
}

// respondSuccess answers the outbound request sent with transaction tid as
// a `success` response carrying data.
func respondSuccess(c *Connection, tid string, data map[string]any) {
	msg := map[string]any{
		"janus":       "success",
		"transaction": tid,
		"data":        data,
	}
	stampSessionID(c, tid, msg)
	c.Dispatch(msg)
}

// stampSessionID echoes the session_id a server puts on replies to
// session- or handle-owned requests, so Connection routes them to the
// owning Session instead of dropping them as foreign transactions.
func stampSessionID(c *Connection, tid string, msg map[string]any) {
	t, ok := c.txm.Lookup(tid)
	if !ok {
		return
	}
	switch owner := t.Owner.(type) {
	case *Session:
		msg["session_id"] = owner.id
	case *Handle:
		msg["session_id"] = owner.session.id
	}
}

// respondServerInfo answers as a bare `server_info` response (the other
// definitive, non-`success` response shape, e.g. for `{janus:"info"}`).
func respondServerInfo(c *Connection, tid string, data map[string]any) {
	msg := map[string]any{"janus": "server_info", "transaction": tid}
	for k, v := range data {
		msg[k] = v
	}
	c.Dispatch(msg)
}

func respondError(c *Connection, tid string, code int, reason string) {
	msg := map[string]any{
		"janus":       "error",
		"transaction": tid,
		"error":       map[string]any{"code": code, "reason": reason},
	}
	stampSessionID(c, tid, msg)
	c.Dispatch(msg)
}

// intPtr is a small helper for constructing Configuration's *int fields,
// which distinguish "unset, use the spec default" (nil) from an explicit
// zero (e.g. retry_time_secs:0).
func intPtr(n int) *int { return &n }

func mustTransaction(t *testing.T, msg map[string]any) string {
	t.Helper()
	tid, ok := msg["transaction"].(string)
	require.True(t, ok, "outbound message missing transaction id: %v", msg)
	return tid
}
