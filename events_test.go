package janode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterOnFiresForEveryEmission(t *testing.T) {
	e := newEmitter()
	count := 0
	e.On(EventHandleMedia, func(any) { count++ })

	e.Emit(EventHandleMedia, nil)
	e.Emit(EventHandleMedia, nil)
	e.Emit(EventHandleMedia, nil)

	assert.Equal(t, 3, count)
}

func TestEmitterOncePassesPayloadAndUnsubscribes(t *testing.T) {
	e := newEmitter()
	var got any
	calls := 0
	e.Once(EventHandleHangup, func(payload any) {
		got = payload
		calls++
	})

	e.Emit(EventHandleHangup, "peer hung up")
	e.Emit(EventHandleHangup, "ignored")

	assert.Equal(t, 1, calls)
	assert.Equal(t, "peer hung up", got)
}

func TestEmitterEmitIsolatesEventNames(t *testing.T) {
	e := newEmitter()
	var sawMedia, sawSlowlink bool
	e.On(EventHandleMedia, func(any) { sawMedia = true })
	e.On(EventHandleSlowlink, func(any) { sawSlowlink = true })

	e.Emit(EventHandleMedia, nil)

	assert.True(t, sawMedia)
	assert.False(t, sawSlowlink)
}

func TestEmitterRemoveAllDropsEverySubscriber(t *testing.T) {
	e := newEmitter()
	calls := 0
	e.On(EventHandleMedia, func(any) { calls++ })
	e.Once(EventHandleSlowlink, func(any) { calls++ })

	e.RemoveAll()
	e.Emit(EventHandleMedia, nil)
	e.Emit(EventHandleSlowlink, nil)

	assert.Equal(t, 0, calls)
}

func TestEmitterMultipleOnSubscribersAllFire(t *testing.T) {
	e := newEmitter()
	var a, b bool
	e.On(EventHandleMedia, func(any) { a = true })
	e.On(EventHandleMedia, func(any) { b = true })

	e.Emit(EventHandleMedia, nil)

	assert.True(t, a)
	assert.True(t, b)
}
