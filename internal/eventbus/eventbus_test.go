package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitDeliversToSubscriber(t *testing.T) {
	b := New(4)
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Emit("dispatch.start", map[string]string{"provider": "openai"})

	select {
	case ev := <-ch:
		assert.Equal(t, "dispatch.start", ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestBus_EmitFansOutToMultipleSubscribers(t *testing.T) {
	b := New(4)
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Emit("cooldown.set", nil)

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("event was not delivered to all subscribers")
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New(4)
	ch, unsubscribe := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	unsubscribe()
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-ch
	assert.False(t, ok)
}

func TestBus_SlowSubscriberDoesNotBlockEmit(t *testing.T) {
	b := New(1)
	_, unsubscribe := b.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Emit("x", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full subscriber channel")
	}
}
