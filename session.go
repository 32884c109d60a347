package janode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/janode-go/janode/internal/txn"
)

// HandleDescriptor names the plugin to attach and, optionally, a factory
// for a plugin-specific HandleMessenger. Plugin is required.
type HandleDescriptor struct {
	Plugin  string
	Factory HandleFactory
}

// Session is a server-side context multiplexing multiple handles over one
// Connection. It is a child of Connection and owns its handle table.
type Session struct {
	mu         sync.Mutex
	id         uint64
	conn       *Connection
	handles    map[uint64]*Handle
	destroying bool
	destroyed  bool
	kaCancel   context.CancelFunc
	txm        *txn.Manager
	events     *emitter

	unsubConnClosed func()
	unsubConnError  func()
}

func newSession(c *Connection, id uint64, kaInterval time.Duration) *Session {
	s := &Session{
		id:      id,
		conn:    c,
		handles: make(map[uint64]*Handle),
		txm:     c.txm,
		events:  newEmitter(),
	}

	s.unsubConnClosed = c.events.Once(EventConnectionClosed, func(any) { s.signalDestroy() })
	s.unsubConnError = c.events.Once(EventConnectionError, func(any) { s.signalDestroy() })

	if kaInterval > 0 {
		s.startKeepalive(kaInterval)
	}

	return s
}

// ID returns the session's server-assigned id.
func (s *Session) ID() uint64 { return s.id }

// On subscribes fn to every future emission of name on this session.
func (s *Session) On(name EventName, fn func(payload any)) { s.events.On(name, fn) }

// Once subscribes fn to at most the next emission of name on this session.
// The returned func unsubscribes fn if it hasn't fired yet.
func (s *Session) Once(name EventName, fn func(payload any)) func() { return s.events.Once(name, fn) }

// SendRequest stamps req with this session's id and issues it as a
// session-owned transaction.
func (s *Session) SendRequest(ctx context.Context, req Message) (Message, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, lifecycleError("session is destroyed")
	}
	s.mu.Unlock()

	req["session_id"] = s.id
	return s.conn.doRequest(ctx, s, req, 0)
}

// Destroy sends `{janus:"destroy"}` and tears the session down locally
// regardless of the outcome. It rejects outright if a destroy is already
// in progress or has already completed.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return lifecycleError("session already destroyed")
	}
	if s.destroying {
		s.mu.Unlock()
		return lifecycleError("session destroy already in progress")
	}
	s.destroying = true
	s.mu.Unlock()

	_, err := s.SendRequest(ctx, Message{"janus": string(VerbDestroy)})
	s.signalDestroy()
	return err
}

// Attach sends `{janus:"attach", plugin:...}` and constructs the resulting
// Handle, installing descriptor.Factory's HandleMessenger if one was
// supplied (otherwise the handle recognizes no plugin-specific messages on
// its own).
func (s *Session) Attach(ctx context.Context, descriptor HandleDescriptor) (*Handle, error) {
	if descriptor.Plugin == "" {
		return nil, validationError("attach requires a non-empty plugin id")
	}

	resp, err := s.SendRequest(ctx, Message{"janus": string(VerbAttach), "plugin": descriptor.Plugin})
	if err != nil {
		return nil, err
	}

	hid, ok := resp.Data().ID()
	if !ok {
		return nil, lifecycleError("attach response is missing a handle id")
	}

	h := newHandle(s, hid)
	if descriptor.Factory != nil {
		h.setMessenger(descriptor.Factory(h))
	}

	s.mu.Lock()
	s.handles[hid] = h
	s.mu.Unlock()

	h.events.Once(EventHandleDetached, func(any) {
		s.mu.Lock()
		delete(s.handles, hid)
		s.mu.Unlock()
	})

	return h, nil
}

// dispatch routes one message delegated from the owning Connection.
func (s *Session) dispatch(msg Message) {
	if senderID, ok := msg.Sender(); ok {
		s.mu.Lock()
		h, found := s.handles[senderID]
		s.mu.Unlock()

		if found {
			h.dispatch(msg)
			return
		}
		if msg.Janus() == VerbDetached {
			slog.Debug("dropping detached notification for unknown handle", "sender", senderID, "session_id", s.id)
		} else {
			slog.Warn("dropping message for unknown handle", "sender", senderID, "session_id", s.id, "janus", string(msg.Janus()))
		}
		return
	}

	if tid, ok := msg.Transaction(); ok {
		if t, found := s.txm.Lookup(tid); found {
			if h, isHandle := t.Owner.(*Handle); isHandle && h.session == s {
				h.dispatch(msg)
				return
			}
			if t.Owner == s {
				verb := msg.Janus()
				if isDefinitiveResponse(verb) || t.Request == string(VerbKeepalive) {
					if verb == VerbError {
						code, reason, _ := msg.ProtocolError()
						s.txm.CloseWithError(tid, s, protocolError(code, reason))
					} else {
						s.txm.CloseWithSuccess(tid, s, msg)
					}
					return
				}
			}
		}
		slog.Warn("dropping message with unrecognized transaction", "transaction", tid, "session_id", s.id)
		return
	}

	if msg.Janus() == VerbTimeout {
		slog.Error("session evicted by server timeout", "session_id", s.id)
		s.signalDestroy()
		return
	}

	slog.Error("dropping unrecognized session-scoped message", "session_id", s.id, "janus", string(msg.Janus()))
}

// startKeepalive schedules a periodic `{janus:"keepalive"}` on interval,
// racing each tick against a timeout of half the interval. A miss (error
// or timeout) is fatal to the session.
func (s *Session) startKeepalive(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.kaCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, tickCancel := context.WithTimeout(ctx, interval/2)
				_, err := s.SendRequest(tickCtx, Message{"janus": string(VerbKeepalive)})
				tickCancel()
				if err != nil {
					slog.Warn("keepalive failed, destroying session", "session_id", s.id, "error", err)
					s.signalDestroy()
					return
				}
			}
		}
	}()
}

// signalDestroy tears the session down exactly once: unsubscribes from the
// connection's close/error events, stops the keepalive, closes its own and
// its handles' pending transactions, emits SESSION_DESTROYED, and drops
// every listener.
func (s *Session) signalDestroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroying = false
	s.destroyed = true
	if s.unsubConnClosed != nil {
		s.unsubConnClosed()
	}
	if s.unsubConnError != nil {
		s.unsubConnError()
	}
	if s.kaCancel != nil {
		s.kaCancel()
	}
	handles := s.handles
	s.handles = make(map[uint64]*Handle)
	s.mu.Unlock()

	s.txm.CloseAllWithError(s, lifecycleError("session destroyed"))
	for _, h := range handles {
		h.signalDetach()
	}

	s.events.Emit(EventSessionDestroyed, s.id)
	s.events.RemoveAll()
}
