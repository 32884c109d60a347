package janode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/janode-go/janode/internal/ratelimit"
	"github.com/janode-go/janode/internal/transport"
	"github.com/janode-go/janode/internal/txn"
)

// Connection is the root of the hierarchical state machine: it owns the
// transport, the shared transaction manager, and the session table, and
// routes every inbound message to the right owner.
type Connection struct {
	mu sync.Mutex

	cfg      Configuration
	addrIter *transport.AddressIterator
	tr       transport.Transport
	txm      *txn.Manager
	sessions map[uint64]*Session
	events   *emitter
	limiter  *ratelimit.Limiter
	closed   bool
}

// NewConnection validates cfg and constructs a Connection ready to Open.
func NewConnection(cfg Configuration) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	addrs := make([]transport.Address, len(cfg.Addresses))
	for i, a := range cfg.Addresses {
		addrs[i] = transport.Address{URL: a.URL, APISecret: a.APISecret, Token: a.Token}
	}

	return &Connection{
		cfg:      cfg,
		addrIter: transport.NewAddressIterator(addrs),
		txm:      txn.New(),
		sessions: make(map[uint64]*Session),
		events:   newEmitter(),
		limiter:  ratelimit.New(ratelimit.DefaultLimits()),
	}, nil
}

// Open selects and opens the transport variant for this connection's first
// address, retrying/failing over per Configuration's retry settings.
func (c *Connection) Open(ctx context.Context) (*Connection, error) {
	retry := transport.RetryConfig{MaxRetries: c.cfg.maxRetries(), RetryTimeSecs: c.cfg.retryTimeSecs()}
	wsOpts := transport.WSOptions{HandshakeTimeout: c.cfg.WSOptions.HandshakeTimeout}

	tr := transport.New(c.addrIter, retry, c.cfg.IsAdmin, wsOpts, c, c)
	if err := tr.Open(ctx); err != nil {
		return nil, transportError("failed to open connection", err)
	}

	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()

	return c, nil
}

// Close gracefully closes the underlying transport. Teardown itself
// happens via NotifyClosed, invoked by the transport once the physical
// channel is actually gone.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	if tr == nil {
		c.signalClose(true, nil)
		return nil
	}
	return tr.Close(ctx)
}

// On subscribes fn to every future emission of name on this connection.
func (c *Connection) On(name EventName, fn func(payload any)) { c.events.On(name, fn) }

// Once subscribes fn to at most the next emission of name on this
// connection. The returned func unsubscribes fn if it hasn't fired yet.
func (c *Connection) Once(name EventName, fn func(payload any)) func() { return c.events.Once(name, fn) }

// EnableDebugLogging turns on periodic transaction-table size logging,
// wired to the --debug-tx CLI flag.
func (c *Connection) EnableDebugLogging() { c.txm.EnableDebugLogging() }

// StopDebugLogging turns off EnableDebugLogging's periodic logger.
func (c *Connection) StopDebugLogging() { c.txm.StopDebugLogging() }

// Dispatch implements transport.Dispatcher: every message the transport
// decodes arrives here.
func (c *Connection) Dispatch(raw map[string]any) { c.dispatch(Message(raw)) }

// NotifyClosed implements transport.CloseNotifier.
func (c *Connection) NotifyClosed(graceful bool, err error) { c.signalClose(graceful, err) }

// SendRequest decorates req with a transaction id, the configured
// apisecret/admin_secret and token, sends it, and waits for its matching
// response.
func (c *Connection) SendRequest(ctx context.Context, req Message) (Message, error) {
	return c.doRequest(ctx, c, req, 0)
}

// doRequest is the request/response primitive shared by Connection,
// Session, and Handle: it decorates, registers a transaction owned by
// owner, sends over the transport, and blocks until the transaction
// settles or ctx is done.
func (c *Connection) doRequest(ctx context.Context, owner any, req Message, timeout time.Duration) (Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, lifecycleError("connection is closed")
	}
	tr := c.tr
	addr := c.addrIter.Current()
	c.mu.Unlock()

	if tr == nil {
		return nil, lifecycleError("connection is not open")
	}

	if _, ok := req.Transaction(); !ok {
		req["transaction"] = txn.NextID()
	}
	tid, _ := req.Transaction()
	verb := string(req.Janus())

	if c.cfg.IsAdmin {
		if addr.APISecret != "" {
			req["admin_secret"] = addr.APISecret
		}
	} else if addr.APISecret != "" {
		req["apisecret"] = addr.APISecret
	}
	if addr.Token != "" {
		req["token"] = addr.Token
	}

	done := make(chan Message, 1)
	errCh := make(chan error, 1)

	if c.txm.Create(tid, owner, verb, func(data map[string]any) { done <- Message(data) }, func(err error) { errCh <- asTransactionError(err) }, timeout) == nil {
		return nil, transportError("duplicate transaction id", nil)
	}

	if err := tr.Send(ctx, map[string]any(req)); err != nil {
		wrapped := transportError("sending request failed", err)
		c.txm.CloseWithError(tid, owner, wrapped)
		return nil, wrapped
	}

	select {
	case <-ctx.Done():
		c.txm.CloseWithError(tid, owner, ctx.Err())
		return nil, ctx.Err()
	case data := <-done:
		return data, nil
	case err := <-errCh:
		return nil, err
	}
}

// Create sends `{janus:"create"}` and constructs the resulting Session,
// keyed by the server-assigned id. kaInterval optionally overrides the
// default 30-second keepalive period; a non-positive value disables
// keepalives entirely.
func (c *Connection) Create(ctx context.Context, kaInterval ...time.Duration) (*Session, error) {
	resp, err := c.SendRequest(ctx, Message{"janus": string(VerbCreate)})
	if err != nil {
		return nil, err
	}

	id, ok := resp.Data().ID()
	if !ok {
		return nil, lifecycleError("create response is missing a session id")
	}

	interval := 30 * time.Second
	if len(kaInterval) > 0 {
		interval = kaInterval[0]
	}

	s := newSession(c, id, interval)

	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()

	s.events.Once(EventSessionDestroyed, func(any) {
		c.mu.Lock()
		delete(c.sessions, id)
		c.mu.Unlock()
	})

	return s, nil
}

// GetInfo sends `{janus:"info"}`, reporting server capabilities.
func (c *Connection) GetInfo(ctx context.Context) (Message, error) {
	return c.SendRequest(ctx, Message{"janus": string(VerbInfo)})
}

// ListSessions sends the admin `list_sessions` request.
func (c *Connection) ListSessions(ctx context.Context) (Message, error) {
	return c.SendRequest(ctx, Message{"janus": string(VerbListSessions)})
}

// ListHandles sends the admin `list_handles` request for sessionID.
func (c *Connection) ListHandles(ctx context.Context, sessionID uint64) (Message, error) {
	return c.SendRequest(ctx, Message{"janus": string(VerbListHandles), "session_id": sessionID})
}

// HandleInfo sends the admin `handle_info` request for sessionID/handleID.
func (c *Connection) HandleInfo(ctx context.Context, sessionID, handleID uint64) (Message, error) {
	return c.SendRequest(ctx, Message{"janus": string(VerbHandleInfo), "session_id": sessionID, "handle_id": handleID})
}

// StartPcap sends the admin `start_pcap` request. folder and filename are
// required; truncate is sent only when non-nil.
func (c *Connection) StartPcap(ctx context.Context, sessionID, handleID uint64, folder, filename string, truncate *int) (Message, error) {
	if folder == "" || filename == "" {
		return nil, validationError("start_pcap requires a non-empty folder and filename")
	}
	req := Message{
		"janus":      string(VerbStartPcap),
		"session_id": sessionID,
		"handle_id":  handleID,
		"folder":     folder,
		"filename":   filename,
	}
	if truncate != nil {
		req["truncate"] = *truncate
	}
	return c.SendRequest(ctx, req)
}

// StopPcap sends the admin `stop_pcap` request for sessionID/handleID.
func (c *Connection) StopPcap(ctx context.Context, sessionID, handleID uint64) (Message, error) {
	return c.SendRequest(ctx, Message{"janus": string(VerbStopPcap), "session_id": sessionID, "handle_id": handleID})
}

// dispatch routes one inbound message per the (session_id, transaction)
// routing table.
func (c *Connection) dispatch(msg Message) {
	janusVerb := msg.Janus()
	verb := string(janusVerb)
	if !bypassesRateLimit(janusVerb) && !c.limiter.Allow(verb) {
		return
	}

	if sid, ok := msg.SessionID(); ok && !c.cfg.IsAdmin {
		c.mu.Lock()
		s, found := c.sessions[sid]
		c.mu.Unlock()

		if found {
			s.dispatch(msg)
		} else {
			slog.Warn("dropping message for unknown session", "session_id", sid)
		}
		return
	}

	if tid, ok := msg.Transaction(); ok {
		t, found := c.txm.Lookup(tid)
		if !found || t.Owner != c {
			slog.Warn("dropping message with unrecognized or foreign transaction", "transaction", tid)
			return
		}

		if isDefinitiveResponse(msg.Janus()) {
			if msg.Janus() == VerbError {
				code, reason, _ := msg.ProtocolError()
				c.txm.CloseWithError(tid, c, protocolError(code, reason))
			} else {
				c.txm.CloseWithSuccess(tid, c, msg)
			}
		} else {
			slog.Warn("dropping non-definitive message on connection-owned transaction", "transaction", tid, "janus", verb)
		}
		return
	}

	slog.Error("dropping unexpected message with neither session_id nor transaction", "janus", verb)
}

// signalClose tears the connection down exactly once: closes its own
// pending transactions, clears the session table, emits
// CONNECTION_CLOSED (graceful) or CONNECTION_ERROR (unexpected) — which
// cascades into every session's own teardown via their subscription to
// these events — then force-clears any stragglers left in the shared
// transaction manager and drops every listener.
func (c *Connection) signalClose(graceful bool, cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.sessions = make(map[uint64]*Session)
	c.mu.Unlock()

	closeErr := lifecycleError("connection closed")
	if !graceful && cause != nil {
		closeErr = transportError("connection closed unexpectedly", cause)
	}

	c.txm.CloseAllWithError(c, closeErr)

	if graceful {
		c.events.Emit(EventConnectionClosed, nil)
	} else {
		c.events.Emit(EventConnectionError, cause)
	}

	// Safety net: every session's signalDestroy above should already have
	// emptied its own entries, but force-clear in case of stragglers so
	// the emptiness invariant holds unconditionally.
	c.txm.CloseAllWithError(nil, closeErr)

	c.events.RemoveAll()
}
