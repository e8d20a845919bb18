package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(TaskEvent(EventTaskRunning, 42, "task started"))

	select {
	case ev := <-sub:
		assert.Equal(t, EventTaskRunning, ev.Type)
		assert.Equal(t, "42", ev.Metadata["task_id"])
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	fast := b.Subscribe()
	defer b.Unsubscribe(fast)

	// Fill the slow subscriber's buffer without draining it.
	for i := 0; i < 60; i++ {
		b.Publish(NodeEvent(EventNodeOffline, "gpu01", "missed heartbeats"))
	}

	deadline := time.After(time.Second)
	received := 0
	for received < 50 {
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber stalled after %d events", received)
		}
	}

	b.Unsubscribe(slow)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount())
}
