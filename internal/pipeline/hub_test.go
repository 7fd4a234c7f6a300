package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	a, unsubA := h.Subscribe(4)
	b, unsubB := h.Subscribe(4)
	assert.Equal(t, 2, h.Subscribers())

	h.Publish("hello")
	assert.Equal(t, "hello", <-a)
	assert.Equal(t, "hello", <-b)

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open, "unsubscribe closes the channel")
	assert.Equal(t, 1, h.Subscribers())

	unsubB()
	assert.NotPanics(t, func() { h.Publish("nobody listens") })
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe(1)
	defer unsub()

	h.Publish(1)
	h.Publish(2)
	require.Len(t, ch, 1)
	assert.Equal(t, 1, <-ch)
	assert.Equal(t, uint64(1), h.Dropped())
}

func TestNilHubPublish(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() { h.Publish("x") })
}
