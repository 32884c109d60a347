package janode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestSession(t *testing.T, c *Connection, tr *fakeTransport, kaInterval time.Duration) *Session {
	t.Helper()
	go func() {
		sent := tr.recvSent(t)
		respondSuccess(c, mustTransaction(t, sent), map[string]any{"id": float64(100)})
	}()
	s, err := c.Create(context.Background(), kaInterval)
	require.NoError(t, err)
	return s
}

func TestSessionSendRequestStampsSessionID(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)

	go func() {
		sent := tr.recvSent(t)
		assert.EqualValues(t, 100, sent["session_id"])
		respondSuccess(c, mustTransaction(t, sent), map[string]any{})
	}()

	_, err := s.SendRequest(context.Background(), Message{"janus": "keepalive"})
	require.NoError(t, err)
}

func TestSessionDestroyTearsDownLocallyEvenOnSendError(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)
	tr.setSendErr(assertError("transport down"))

	var destroyed bool
	s.On(EventSessionDestroyed, func(any) { destroyed = true })

	err := s.Destroy(context.Background())
	assert.Error(t, err)
	assert.True(t, destroyed, "destroy must tear down locally regardless of send outcome")
}

func TestSessionDestroyRejectsWhenAlreadyDestroyed(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)

	go func() {
		sent := tr.recvSent(t)
		respondSuccess(c, mustTransaction(t, sent), map[string]any{})
	}()
	require.NoError(t, s.Destroy(context.Background()))

	err := s.Destroy(context.Background())
	require.Error(t, err)
	var jerr *Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, KindLifecycle, jerr.Kind)
}

func TestAttachRejectsEmptyPlugin(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)

	_, err := s.Attach(context.Background(), HandleDescriptor{})
	require.Error(t, err)
	var jerr *Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, KindValidation, jerr.Kind)
}

func TestAttachInstallsFactoryMessenger(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)

	go func() {
		sent := tr.recvSent(t)
		assert.Equal(t, "janus.plugin.echotest", sent["plugin"])
		respondSuccess(c, mustTransaction(t, sent), map[string]any{"id": float64(7)})
	}()

	type customMessenger struct{ *Handle }
	installed := false
	h, err := s.Attach(context.Background(), HandleDescriptor{
		Plugin: "janus.plugin.echotest",
		Factory: func(base *Handle) HandleMessenger {
			installed = true
			return &customMessenger{Handle: base}
		},
	})
	require.NoError(t, err)
	assert.True(t, installed)
	assert.NotNil(t, h.Messenger())
}

func TestHandleTableEntryRemovedOnDetach(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)

	go func() {
		sent := tr.recvSent(t)
		respondSuccess(c, mustTransaction(t, sent), map[string]any{"id": float64(7)})
	}()
	h, err := s.Attach(context.Background(), HandleDescriptor{Plugin: "janus.plugin.echotest"})
	require.NoError(t, err)

	s.mu.Lock()
	_, present := s.handles[h.ID()]
	s.mu.Unlock()
	require.True(t, present)

	h.signalDetach()

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, stillPresent := s.handles[h.ID()]
		return !stillPresent
	}, time.Second, 5*time.Millisecond)
}

// TestKeepaliveFailureDestroysSession covers spec.md §8 scenario 6: a
// keepalive tick that errors is fatal to the session.
func TestKeepaliveFailureDestroysSession(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 20*time.Millisecond)
	tr.setSendErr(assertError("connection reset"))

	destroyed := make(chan struct{})
	s.On(EventSessionDestroyed, func(any) { close(destroyed) })

	select {
	case <-destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not destroyed after a keepalive failure")
	}
}

// TestSessionTimeoutNotificationDestroysSession covers the server eviction
// path: an inbound `{janus:"timeout"}` on a session-scoped message must
// destroy the session locally.
func TestSessionTimeoutNotificationDestroysSession(t *testing.T) {
	c, tr := newTestConnection(t)
	s := createTestSession(t, c, tr, 0)

	var destroyed bool
	s.On(EventSessionDestroyed, func(any) { destroyed = true })

	c.Dispatch(map[string]any{"janus": "timeout", "session_id": float64(100)})

	assert.Eventually(t, func() bool { return destroyed }, time.Second, 5*time.Millisecond)
}

func TestSessionDispatchDropsMessageForUnknownHandle(t *testing.T) {
	c, tr := newTestConnection(t)
	createTestSession(t, c, tr, 0)
	c.Dispatch(map[string]any{"janus": "event", "session_id": float64(100), "sender": float64(999)})
}
