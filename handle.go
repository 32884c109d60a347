package janode

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MediaEvent is the payload of EventHandleMedia, projecting the inbound
// `media` notification's `{type, receiving, mid?, substream?, seconds?}`
// fields per spec.md §4.5 instead of handing callers the raw message.
type MediaEvent struct {
	Type      string
	Receiving bool
	Mid       *string
	Substream *int
	Seconds   *int
}

func newMediaEvent(msg Message) MediaEvent {
	ev := MediaEvent{}
	ev.Type, _ = msg["type"].(string)
	ev.Receiving, _ = msg["receiving"].(bool)
	if mid, ok := msg["mid"].(string); ok {
		ev.Mid = &mid
	}
	if v, ok := numericField(msg, "substream"); ok {
		n := int(v)
		ev.Substream = &n
	}
	if v, ok := numericField(msg, "seconds"); ok {
		n := int(v)
		ev.Seconds = &n
	}
	return ev
}

// SlowlinkEvent is the payload of EventHandleSlowlink, projecting the
// inbound `slowlink` notification's `{uplink, media, mid?, lost}` fields
// per spec.md §4.5 instead of handing callers the raw message.
type SlowlinkEvent struct {
	Uplink bool
	Media  string
	Mid    *string
	Lost   int
}

func newSlowlinkEvent(msg Message) SlowlinkEvent {
	ev := SlowlinkEvent{}
	ev.Uplink, _ = msg["uplink"].(bool)
	ev.Media, _ = msg["media"].(string)
	if mid, ok := msg["mid"].(string); ok {
		ev.Mid = &mid
	}
	if v, ok := numericField(msg, "lost"); ok {
		ev.Lost = int(v)
	}
	return ev
}

// PluginEvent is the recognized-message contract returned by a plugin's
// HandleMessage hook: a plugin-scoped event name paired with whatever data
// the plugin wants to surface to the application. Event is nil for
// messages that correspond to a pending request's definitive response
// rather than an independent async notification.
type PluginEvent struct {
	Event *string
	Data  map[string]any
}

// HandleMessenger recognizes plugin-specific messages arriving on a Handle.
// The default Handle implements this trivially (recognizes nothing);
// plugin subclasses embed *Handle and supply their own HandleMessenger via
// a HandleFactory passed to Session.Attach, since Go's embedding does not
// give the base type virtual dispatch into the embedder's override.
type HandleMessenger interface {
	HandleMessage(raw Message) *PluginEvent
}

// HandleFactory builds a plugin-specific HandleMessenger around a freshly
// attached base Handle. Session.Attach calls it once, after the handle's
// id is known, and stores the result as the handle's messenger.
type HandleFactory func(base *Handle) HandleMessenger

// Handle is a server-side plugin instance attached within a Session.
type Handle struct {
	mu        sync.Mutex
	id        uint64
	session   *Session
	detaching bool
	detached  bool
	messenger HandleMessenger
	events    *emitter
}

func newHandle(s *Session, id uint64) *Handle {
	h := &Handle{id: id, session: s, events: newEmitter()}
	h.messenger = h
	return h
}

// HandleMessage is Handle's own default HandleMessenger: it recognizes
// nothing, leaving every message to the generic routing rules in dispatch.
func (h *Handle) HandleMessage(raw Message) *PluginEvent { return nil }

// ID returns the handle's server-assigned id.
func (h *Handle) ID() uint64 { return h.id }

// Session returns the handle's owning session.
func (h *Handle) Session() *Session { return h.session }

// Messenger returns the handle's current HandleMessenger: itself by
// default, or the plugin-specific value installed via a HandleFactory.
func (h *Handle) Messenger() HandleMessenger {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messenger
}

func (h *Handle) setMessenger(m HandleMessenger) {
	h.mu.Lock()
	h.messenger = m
	h.mu.Unlock()
}

// On subscribes fn to every future emission of name on this handle.
func (h *Handle) On(name EventName, fn func(payload any)) { h.events.On(name, fn) }

// Once subscribes fn to at most the next emission of name on this handle.
// The returned func unsubscribes fn if it hasn't fired yet.
func (h *Handle) Once(name EventName, fn func(payload any)) func() { return h.events.Once(name, fn) }

// SendRequest decorates req with this handle's session_id/handle_id and
// issues it as a handle-owned transaction, optionally bounded by timeout.
func (h *Handle) SendRequest(ctx context.Context, req Message, timeout time.Duration) (Message, error) {
	h.mu.Lock()
	if h.detached {
		h.mu.Unlock()
		return nil, lifecycleError("handle is detached")
	}
	session := h.session
	hid := h.id
	h.mu.Unlock()

	req["session_id"] = session.id
	req["handle_id"] = hid
	return session.conn.doRequest(ctx, h, req, timeout)
}

// Message sends a plugin RPC body, optionally carrying a JSEP payload.
func (h *Handle) Message(ctx context.Context, body map[string]any, jsep map[string]any) (Message, error) {
	req := Message{"janus": string(VerbMessage), "body": body}
	if jsep != nil {
		req["jsep"] = jsep
	}
	return h.SendRequest(ctx, req, 0)
}

// Trickle sends one or more ICE candidates. A nil candidate forwards to
// TrickleComplete.
func (h *Handle) Trickle(ctx context.Context, candidate any) (Message, error) {
	if candidate == nil {
		return h.TrickleComplete(ctx)
	}
	req := Message{"janus": string(VerbTrickle)}
	if candidates, ok := candidate.([]any); ok {
		req["candidates"] = candidates
	} else {
		req["candidate"] = candidate
	}
	return h.SendRequest(ctx, req, 0)
}

// TrickleComplete signals the end of ICE candidate gathering.
func (h *Handle) TrickleComplete(ctx context.Context) (Message, error) {
	req := Message{"janus": string(VerbTrickle), "candidate": map[string]any{"completed": true}}
	return h.SendRequest(ctx, req, 0)
}

// Hangup tears down the handle's peer connection without detaching it.
func (h *Handle) Hangup(ctx context.Context) (Message, error) {
	return h.SendRequest(ctx, Message{"janus": string(VerbHangup)}, 0)
}

// Detach sends `{janus:"detach"}` and tears the handle down locally
// regardless of the server's response: detach is a best-effort
// notification, so a server-side failure is logged and swallowed rather
// than surfaced, and the handle always ends up detached.
func (h *Handle) Detach(ctx context.Context) error {
	h.mu.Lock()
	if h.detached {
		h.mu.Unlock()
		return lifecycleError("handle already detached")
	}
	if h.detaching {
		h.mu.Unlock()
		return lifecycleError("handle detach already in progress")
	}
	h.detaching = true
	h.mu.Unlock()

	if _, err := h.SendRequest(ctx, Message{"janus": string(VerbDetach)}, 0); err != nil {
		slog.Warn("server-side detach failed, tearing down locally anyway", "handle_id", h.id, "error", err)
	}
	h.signalDetach()
	return nil
}

// dispatch routes one message delegated from the owning Session, per the
// (owned transaction, verb) routing table.
func (h *Handle) dispatch(msg Message) {
	if tid, ok := msg.Transaction(); ok {
		if t, found := h.session.txm.Lookup(tid); found && t.Owner == h {
			verb := msg.Janus()

			if verb == VerbAck {
				if t.Request == string(VerbTrickle) {
					h.session.txm.CloseWithSuccess(tid, h, msg)
				}
				return
			}

			if isDefinitiveResponse(verb) {
				if verb == VerbError {
					code, reason, _ := msg.ProtocolError()
					h.session.txm.CloseWithError(tid, h, protocolError(code, reason))
					return
				}
				if t.Request == string(VerbHangup) || t.Request == string(VerbDetach) {
					h.session.txm.CloseWithSuccess(tid, h, msg)
					return
				}
				pe := withJSEP(msg, h.Messenger().HandleMessage(msg))
				if pe == nil {
					slog.Warn("plugin did not recognize definitive response", "handle_id", h.id, "transaction", tid)
				}
				h.session.txm.CloseWithSuccess(tid, h, msg)
				return
			}
		}
	}

	switch verb := msg.Janus(); verb {
	case VerbEvent:
		pe := withJSEP(msg, h.Messenger().HandleMessage(msg))
		if pe == nil {
			if tid, ok := msg.Transaction(); ok {
				h.session.txm.CloseWithError(tid, h, lifecycleError("unmanaged event"))
			}
		}
	case VerbDetached:
		h.signalDetach()
	case VerbWebRTCUp:
		h.events.Emit(EventHandleWebRTCUp, nil)
	case VerbHangup:
		reason, _ := msg["reason"].(string)
		h.events.Emit(EventHandleHangup, reason)
	case VerbICEFailed:
		h.events.Emit(EventHandleICEFailed, nil)
	case VerbMedia:
		h.events.Emit(EventHandleMedia, newMediaEvent(msg))
	case VerbSlowlink:
		h.events.Emit(EventHandleSlowlink, newSlowlinkEvent(msg))
	case VerbTrickle:
		candidate, _ := msg["candidate"].(map[string]any)
		if completed, _ := candidate["completed"].(bool); completed {
			h.events.Emit(EventHandleTrickle, map[string]any{"completed": true})
		} else {
			h.events.Emit(EventHandleTrickle, msg)
		}
	default:
		slog.Warn("dropping unknown handle-scoped message", "janus", string(verb), "handle_id", h.id)
	}
}

// signalDetach tears the handle down exactly once: closes its own pending
// transactions, emits HANDLE_DETACHED, and drops every listener.
func (h *Handle) signalDetach() {
	h.mu.Lock()
	if h.detached {
		h.mu.Unlock()
		return
	}
	h.detaching = false
	h.detached = true
	h.mu.Unlock()

	h.session.txm.CloseAllWithError(h, lifecycleError("handle detached"))
	h.events.Emit(EventHandleDetached, h.id)
	h.events.RemoveAll()
}

// withJSEP mirrors the source's _newPluginEvent/_getPluginEvent side
// channel without imitating its symbol-keyed property: if the raw message
// carries a jsep, it is copied onto the plugin event's data (if the plugin
// did not already set one), along with jsep.e2ee when that field is a
// boolean.
func withJSEP(raw Message, pe *PluginEvent) *PluginEvent {
	if pe == nil {
		return nil
	}
	jsepRaw, ok := raw["jsep"]
	if !ok {
		return pe
	}
	if pe.Data == nil {
		pe.Data = make(map[string]any)
	}
	if _, present := pe.Data["jsep"]; !present {
		pe.Data["jsep"] = jsepRaw
	}
	if jsepMap, ok := jsepRaw.(map[string]any); ok {
		if e2ee, ok := jsepMap["e2ee"].(bool); ok {
			if dataJsep, ok := pe.Data["jsep"].(map[string]any); ok {
				dataJsep["e2ee"] = e2ee
			}
		}
	}
	return pe
}
