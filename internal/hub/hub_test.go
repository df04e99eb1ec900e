package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHub_PublishDeliversToAllSubscribers(t *testing.T) {
	h := New(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	a := h.Subscribe()
	b := h.Subscribe()
	assert.Equal(t, 2, h.SubscriberCount())

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.True(t, h.Publish(DeviceUpdate(at)))

	for _, sub := range []*Subscription{a, b} {
		ev := receive(t, sub)
		assert.Equal(t, TypeDeviceUpdate, ev.Type)
		assert.Equal(t, at, ev.Timestamp)
	}
}

func TestHub_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := New(1)
	slow := h.Subscribe()
	fast := h.Subscribe()

	h.Broadcast(DeviceUpdate(time.Now()))
	<-fast.Events()

	// slow still holds the first event; the second is dropped for it only.
	h.Broadcast(DeviceUpdate(time.Now()))
	assert.Len(t, slow.Events(), 1)
	assert.Len(t, fast.Events(), 1)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := New(2) // Run is not started, so the queue fills up.

	assert.True(t, h.Publish(DeviceUpdate(time.Now())))
	assert.True(t, h.Publish(DeviceUpdate(time.Now())))

	done := make(chan bool)
	go func() { done <- h.Publish(DeviceUpdate(time.Now())) }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestHub_UnsubscribeClosesOnce(t *testing.T) {
	h := New(4)
	sub := h.Subscribe()

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, h.SubscriberCount())

	assert.NotPanics(t, func() { h.Broadcast(DeviceUpdate(time.Now())) })
}

func TestHub_ConcurrentSubscribeAndBroadcast(t *testing.T) {
	h := New(4)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := h.Subscribe()
			h.Unsubscribe(sub)
		}()
		go func() {
			defer wg.Done()
			h.Broadcast(DeviceUpdate(time.Now()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestHub_ShutdownClosesSubscriptions(t *testing.T) {
	h := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	sub := h.Subscribe()
	cancel()
	<-done

	_, ok := <-sub.Events()
	assert.False(t, ok)

	late := h.Subscribe()
	_, ok = <-late.Events()
	assert.False(t, ok, "subscriptions after shutdown start closed")
}

// Run with -race: closing a subscription must never overlap a send to it.
func TestHub_UnsubscribeDuringBroadcast(t *testing.T) {
	h := New(1)

	for i := 0; i < 2000; i++ {
		sub := h.Subscribe()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Broadcast(DeviceUpdate(time.Now()))
		}()
		go func() {
			defer wg.Done()
			h.Unsubscribe(sub)
		}()
		wg.Wait()

		// Drain whatever was delivered before the close.
		for range sub.Events() {
		}
	}
	assert.Equal(t, 0, h.SubscriberCount())
}
