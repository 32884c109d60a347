// Package janode implements the protocol runtime for a Janus-style WebRTC
// signaling client: a three-level hierarchical state machine (Connection,
// Session, Handle) multiplexing request/response transactions and
// asynchronous events over a single JSON-over-datagram transport.
package janode

import (
	"strconv"
	"time"
)

// Verb identifies the `janus` field of a message envelope.
type Verb string

const (
	VerbInfo       Verb = "info"
	VerbServerInfo Verb = "server_info"
	VerbCreate     Verb = "create"
	VerbDestroy    Verb = "destroy"
	VerbAttach     Verb = "attach"
	VerbDetach     Verb = "detach"
	VerbKeepalive  Verb = "keepalive"
	VerbMessage    Verb = "message"
	VerbTrickle    Verb = "trickle"
	VerbHangup     Verb = "hangup"
	VerbAck        Verb = "ack"
	VerbSuccess    Verb = "success"
	VerbError      Verb = "error"
	VerbEvent      Verb = "event"
	VerbDetached   Verb = "detached"
	VerbWebRTCUp   Verb = "webrtcup"
	VerbMedia      Verb = "media"
	VerbSlowlink   Verb = "slowlink"
	VerbICEFailed  Verb = "ice-failed"
	VerbTimeout    Verb = "timeout"

	// Admin verbs.
	VerbListSessions Verb = "list_sessions"
	VerbListHandles  Verb = "list_handles"
	VerbHandleInfo   Verb = "handle_info"
	VerbStartPcap    Verb = "start_pcap"
	VerbStopPcap     Verb = "stop_pcap"
)

// isDefinitiveResponse reports whether v terminally closes a transaction.
func isDefinitiveResponse(v Verb) bool {
	switch v {
	case VerbSuccess, VerbServerInfo, VerbError:
		return true
	default:
		return false
	}
}

// bypassesRateLimit reports whether v is a reply to one of our own pending
// transactions (a definitive response or an ack) rather than a server-pushed
// asynchronous notification. These must never be throttled: dropping one
// would leave the matching sendRequest call hanging on its transaction
// instead of resolving, violating spec.md §8's round-trip laws. Only
// unsolicited async verbs (event, media, slowlink, ...) go through the
// limiter.
func bypassesRateLimit(v Verb) bool {
	return isDefinitiveResponse(v) || v == VerbAck
}

// Message is the generic JSON envelope exchanged over the transport. Field
// presence (not just the `janus` verb) drives routing, so it is modeled as a
// loosely typed map rather than a single rigid struct — individual
// call sites pull out the fields they need.
type Message map[string]any

// Janus returns the message's `janus` verb.
func (m Message) Janus() Verb {
	v, _ := m["janus"].(string)
	return Verb(v)
}

// Transaction returns the message's `transaction` field, if present.
func (m Message) Transaction() (string, bool) {
	v, ok := m["transaction"].(string)
	return v, ok
}

// SessionID returns the message's `session_id` field, if present.
func (m Message) SessionID() (uint64, bool) {
	return numericField(m, "session_id")
}

// Sender returns the message's `sender` field (the handle id), if present.
func (m Message) Sender() (uint64, bool) {
	return numericField(m, "sender")
}

func numericField(m Message, key string) (uint64, bool) {
	switch v := m[key].(type) {
	case uint64:
		return v, true
	case int:
		return uint64(v), true
	case int64:
		return uint64(v), true
	case float64:
		return uint64(v), true
	default:
		return 0, false
	}
}

// ProtocolError extracts the `{code, reason}` pair from an `error` message.
func (m Message) ProtocolError() (code int, reason string, ok bool) {
	raw, present := m["error"]
	if !present {
		return 0, "", false
	}
	obj, isMap := raw.(map[string]any)
	if !isMap {
		return 0, "", false
	}
	if c, ok := numericField(Message(obj), "code"); ok {
		code = int(c)
	}
	reason, _ = obj["reason"].(string)
	return code, reason, true
}

// Data returns the `data` sub-object of a `success` response, if present.
func (m Message) Data() Message {
	if d, ok := m["data"].(map[string]any); ok {
		return Message(d)
	}
	return nil
}

// ID returns the message's `id` field, typically read from a `success`
// response's `data` sub-object (e.g. the server-assigned session or handle
// id), if present.
func (m Message) ID() (uint64, bool) {
	return numericField(m, "id")
}

// ServerAddress identifies one Janus server endpoint the connection may dial.
type ServerAddress struct {
	URL       string
	APISecret string
	Token     string
}

// WSOptions configures the WebSocket transport variant.
type WSOptions struct {
	// HandshakeTimeout bounds the WebSocket upgrade handshake. Zero uses the
	// default of 5 seconds.
	HandshakeTimeout time.Duration
}

// Configuration holds everything needed to open a Connection.
type Configuration struct {
	// Addresses is a non-empty ordered list of candidate servers. Opening
	// the connection walks this list circularly on retry/failover.
	Addresses []ServerAddress

	// RetryTimeSecs is the delay between failover attempts. nil uses the
	// default of 10; an explicit 0 means no wait between attempts.
	RetryTimeSecs *int

	// MaxRetries bounds the number of open attempts before giving up. nil
	// uses the default of 5; an explicit 0 means a single attempt with no
	// retries.
	MaxRetries *int

	// IsAdmin selects the admin WebSocket subprotocol and admin_secret
	// request decoration instead of apisecret.
	IsAdmin bool

	WSOptions WSOptions
}

func (c Configuration) retryTimeSecs() int {
	if c.RetryTimeSecs != nil {
		return *c.RetryTimeSecs
	}
	return 10
}

func (c Configuration) maxRetries() int {
	if c.MaxRetries != nil {
		return *c.MaxRetries
	}
	return 5
}

// Validate checks the invariants spec.md places on a Configuration: a
// non-empty address list, each entry carrying a non-empty URL.
func (c Configuration) Validate() error {
	if len(c.Addresses) == 0 {
		return &Error{Kind: KindValidation, Message: "configuration must list at least one server address"}
	}
	for i, a := range c.Addresses {
		if a.URL == "" {
			return &Error{Kind: KindValidation, Message: "server address at index " + strconv.Itoa(i) + " has an empty url"}
		}
	}
	return nil
}
