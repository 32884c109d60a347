package janode

import "sync"

// EventName identifies an asynchronous, caller-observable lifecycle or
// notification event emitted by Connection, Session, or Handle.
type EventName string

const (
	EventConnectionClosed EventName = "connection:closed"
	EventConnectionError  EventName = "connection:error"
	EventSessionDestroyed EventName = "session:destroyed"
	EventHandleDetached   EventName = "handle:detached"
	EventHandleWebRTCUp   EventName = "handle:webrtcup"
	EventHandleHangup     EventName = "handle:hangup"
	EventHandleICEFailed  EventName = "handle:ice-failed"
	EventHandleMedia      EventName = "handle:media"
	EventHandleSlowlink   EventName = "handle:slowlink"
	EventHandleTrickle    EventName = "handle:trickle"
)

// listener is one registered subscriber, optionally firing only once.
type listener struct {
	fn   func(payload any)
	once bool
}

// emitter is a minimal typed publish/subscribe bus with `once` subscription
// support, replacing the Node-style EventEmitter the reference protocol was
// built against (spec.md §9 Design Notes). It is safe for concurrent use.
type emitter struct {
	mu        sync.Mutex
	listeners map[EventName][]*listener
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[EventName][]*listener)}
}

// On subscribes fn to every future emission of name.
func (e *emitter) On(name EventName, fn func(payload any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[name] = append(e.listeners[name], &listener{fn: fn})
}

// Once subscribes fn to at most the next emission of name. The returned
// func unsubscribes fn if it hasn't fired yet; calling it after fn has
// already fired (or more than once) is a harmless no-op.
func (e *emitter) Once(name EventName, fn func(payload any)) func() {
	e.mu.Lock()
	l := &listener{fn: fn, once: true}
	e.listeners[name] = append(e.listeners[name], l)
	e.mu.Unlock()

	return func() { e.remove(name, l) }
}

// remove drops target from name's subscriber list, if it's still present.
func (e *emitter) remove(name EventName, target *listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.listeners[name]
	for i, l := range subs {
		if l == target {
			e.listeners[name] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit synchronously invokes every current subscriber of name with payload,
// then drops any that were registered via Once.
func (e *emitter) Emit(name EventName, payload any) {
	e.mu.Lock()
	subs := e.listeners[name]
	remaining := subs[:0:0]
	for _, l := range subs {
		if !l.once {
			remaining = append(remaining, l)
		}
	}
	e.listeners[name] = remaining
	e.mu.Unlock()

	for _, l := range subs {
		l.fn(payload)
	}
}

// RemoveAll drops every subscriber of every event name, used during
// teardown so a destroyed Connection/Session/Handle cannot leak listeners.
func (e *emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[EventName][]*listener)
}
