package janode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestHandle(t *testing.T, c *Connection, tr *fakeTransport, s *Session, factory HandleFactory) *Handle {
	t.Helper()
	go func() {
		sent := tr.recvSent(t)
		respondSuccess(c, mustTransaction(t, sent), map[string]any{"id": float64(7)})
	}()
	h, err := s.Attach(context.Background(), HandleDescriptor{Plugin: "janus.plugin.echotest", Factory: factory})
	require.NoError(t, err)
	return h
}

// TestTrickleAckResolvesTransaction covers spec.md §8 scenario 3: an
// inbound `ack` closes the handle-owned trickle transaction successfully,
// without requiring a `success`/`error` response.
func TestTrickleAckResolvesTransaction(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)
	h := createTestHandle(t, c, tr, s, nil)

	go func() {
		sent := tr.recvSent(t)
		assert.Equal(t, "trickle", sent["janus"])
		c.Dispatch(map[string]any{
			"janus":       "ack",
			"session_id":  float64(100),
			"sender":      float64(7),
			"transaction": mustTransaction(t, sent),
		})
	}()

	_, err := h.Trickle(context.Background(), map[string]any{"candidate": "a=candidate:1 ..."})
	require.NoError(t, err)
}

func TestTrickleNilForwardsToComplete(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)
	h := createTestHandle(t, c, tr, s, nil)

	go func() {
		sent := tr.recvSent(t)
		cand, ok := sent["candidate"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, cand["completed"])
		c.Dispatch(map[string]any{
			"janus": "ack", "session_id": float64(100), "sender": float64(7),
			"transaction": mustTransaction(t, sent),
		})
	}()

	_, err := h.Trickle(context.Background(), nil)
	require.NoError(t, err)
}

func TestHandleMessageDeliversPluginEventViaMessenger(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)

	var recognizedEcho bool
	factory := func(base *Handle) HandleMessenger {
		return &recordingMessenger{Handle: base, onMessage: func(raw Message) *PluginEvent {
			recognizedEcho = true
			event := "result"
			return &PluginEvent{Event: &event, Data: map[string]any{"echo": raw["plugindata"]}}
		}}
	}
	h := createTestHandle(t, c, tr, s, factory)

	go func() {
		sent := tr.recvSent(t)
		c.Dispatch(map[string]any{
			"janus":       "success",
			"session_id":  float64(100),
			"sender":      float64(7),
			"transaction": mustTransaction(t, sent),
			"plugindata":  map[string]any{"plugin": "janus.plugin.echotest", "data": map[string]any{"result": "ok"}},
		})
	}()

	resp, err := h.Message(context.Background(), map[string]any{"audio": true}, nil)
	require.NoError(t, err)
	assert.True(t, recognizedEcho)
	assert.NotNil(t, resp)
}

func TestHandleMessageCopiesJSEPOntoPluginEvent(t *testing.T) {
	pe := &PluginEvent{Data: map[string]any{}}
	raw := Message{"jsep": map[string]any{"type": "offer", "sdp": "v=0", "e2ee": true}}

	out := withJSEP(raw, pe)
	require.NotNil(t, out)
	jsep, ok := out.Data["jsep"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "offer", jsep["type"])
	assert.Equal(t, true, jsep["e2ee"])
}

func TestWithJSEPPassesThroughNilEvent(t *testing.T) {
	assert.Nil(t, withJSEP(Message{"jsep": map[string]any{}}, nil))
}

func TestUnrecognizedPluginResponseStillClosesWithSuccess(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)
	h := createTestHandle(t, c, tr, s, nil) // default messenger recognizes nothing

	go func() {
		sent := tr.recvSent(t)
		respondSuccess(c, mustTransaction(t, sent), map[string]any{"unexpected": "shape"})
	}()

	_, err := h.Message(context.Background(), map[string]any{}, nil)
	// The default messenger returns nil from HandleMessage, but a `success`
	// response is still closed with success per spec.md §4.5 — only an
	// unrecognized `event` (no pending request) becomes an error.
	require.NoError(t, err)
}

func TestHangupClosesOnDefinitiveResponse(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)
	h := createTestHandle(t, c, tr, s, nil)

	go func() {
		sent := tr.recvSent(t)
		assert.Equal(t, "hangup", sent["janus"])
		respondSuccess(c, mustTransaction(t, sent), map[string]any{})
	}()

	_, err := h.Hangup(context.Background())
	require.NoError(t, err)
}

func TestDetachSwallowsServerSideError(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)
	h := createTestHandle(t, c, tr, s, nil)

	go func() {
		sent := tr.recvSent(t)
		respondError(c, mustTransaction(t, sent), 490, "No such handle")
	}()

	err := h.Detach(context.Background())
	assert.NoError(t, err, "detach must tear down locally and report success even if the server rejects it")

	var stillTracked bool
	s.mu.Lock()
	_, stillTracked = s.handles[h.ID()]
	s.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestDetachRejectsWhenAlreadyDetached(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)
	h := createTestHandle(t, c, tr, s, nil)

	go func() {
		sent := tr.recvSent(t)
		respondSuccess(c, mustTransaction(t, sent), map[string]any{})
	}()
	require.NoError(t, h.Detach(context.Background()))

	err := h.Detach(context.Background())
	require.Error(t, err)
}

func TestUnmanagedEventWithoutTransactionIsDroppedSilently(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)
	h := createTestHandle(t, c, tr, s, nil) // default messenger recognizes nothing

	// Must not panic; there is no transaction to close, so this is a no-op.
	c.Dispatch(map[string]any{"janus": "event", "session_id": float64(100), "sender": float64(7),
		"plugindata": map[string]any{"plugin": "janus.plugin.echotest", "data": map[string]any{"unexpected": true}}})
}

func TestHandleEventNotifications(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)
	h := createTestHandle(t, c, tr, s, nil)

	var webrtcUp bool
	var hangupReason string
	var iceFailed bool
	h.On(EventHandleWebRTCUp, func(any) { webrtcUp = true })
	h.On(EventHandleHangup, func(payload any) { hangupReason, _ = payload.(string) })
	h.On(EventHandleICEFailed, func(any) { iceFailed = true })

	c.Dispatch(map[string]any{"janus": "webrtcup", "session_id": float64(100), "sender": float64(7)})
	c.Dispatch(map[string]any{"janus": "hangup", "session_id": float64(100), "sender": float64(7), "reason": "Remote side hung up"})
	c.Dispatch(map[string]any{"janus": "ice-failed", "session_id": float64(100), "sender": float64(7)})

	assert.True(t, webrtcUp)
	assert.Equal(t, "Remote side hung up", hangupReason)
	assert.True(t, iceFailed)
}

func TestHandleDetachedNotificationSignalsDetach(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)
	h := createTestHandle(t, c, tr, s, nil)

	var detached bool
	h.On(EventHandleDetached, func(any) { detached = true })

	c.Dispatch(map[string]any{"janus": "detached", "session_id": float64(100), "sender": float64(7)})

	assert.Eventually(t, func() bool { return detached }, time.Second, 5*time.Millisecond)
}

// recordingMessenger adapts a closure into a HandleMessenger for tests.
type recordingMessenger struct {
	*Handle
	onMessage func(raw Message) *PluginEvent
}

func (r *recordingMessenger) HandleMessage(raw Message) *PluginEvent { return r.onMessage(raw) }
