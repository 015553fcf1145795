package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOutToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe("a")
	c := b.Subscribe("c")

	b.Publish(SystemEvent{Type: EventBotConnected, Source: "acme"})

	evtA := <-a
	evtC := <-c
	assert.Equal(t, EventBotConnected, evtA.Type)
	assert.Equal(t, "acme", evtC.Source)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	slow := b.Subscribe("slow")

	// Overfill the buffer; Publish must never block.
	for i := 0; i < 200; i++ {
		b.Publish(SystemEvent{Type: EventMessageDispatched, Source: "acme"})
	}

	assert.Equal(t, 64, len(slow))
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	b := New()
	ch := b.Subscribe("x")
	b.Close()

	require.NotPanics(t, func() {
		b.Publish(SystemEvent{Type: EventBotStopped})
	})

	_, open := <-ch
	assert.False(t, open)
}
