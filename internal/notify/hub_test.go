package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubScopedDelivery(t *testing.T) {
	h := NewHub()

	a, unsubA := h.Subscribe("c1", 4)
	defer unsubA()
	b, unsubB := h.Subscribe("c2", 4)
	defer unsubB()

	h.Publish(ProgressEvent{CampaignID: "c1", SentCount: 1})

	select {
	case ev := <-a:
		assert.Equal(t, 1, ev.SentCount)
	case <-time.After(time.Second):
		t.Fatal("subscriber for c1 received nothing")
	}
	select {
	case ev := <-b:
		t.Fatalf("subscriber for c2 received foreign event %+v", ev)
	default:
	}
}

func TestHubMultipleSubscribers(t *testing.T) {
	h := NewHub()

	a, unsubA := h.Subscribe("c1", 4)
	defer unsubA()
	b, unsubB := h.Subscribe("c1", 4)
	defer unsubB()

	h.Publish(ProgressEvent{CampaignID: "c1", Progress: 50})

	require.Equal(t, 50, (<-a).Progress)
	require.Equal(t, 50, (<-b).Progress)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()

	ch, unsubscribe := h.Subscribe("c1", 4)
	unsubscribe()
	unsubscribe() // second call must be harmless

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	h.Publish(ProgressEvent{CampaignID: "c1"})
}

func TestHubDropsWhenSubscriberSlow(t *testing.T) {
	h := NewHub()

	ch, unsubscribe := h.Subscribe("c1", 1)
	defer unsubscribe()

	h.Publish(ProgressEvent{CampaignID: "c1", SentCount: 1})
	h.Publish(ProgressEvent{CampaignID: "c1", SentCount: 2}) // buffer full, dropped

	assert.Equal(t, 1, (<-ch).SentCount)
	select {
	case ev := <-ch:
		t.Fatalf("expected drop, got %+v", ev)
	default:
	}
}

func TestMultiFansOut(t *testing.T) {
	h1 := NewHub()
	h2 := NewHub()
	a, unsubA := h1.Subscribe("c1", 1)
	defer unsubA()
	b, unsubB := h2.Subscribe("c1", 1)
	defer unsubB()

	m := Multi{h1, h2}
	m.Publish(ProgressEvent{CampaignID: "c1", Progress: 10})

	assert.Equal(t, 10, (<-a).Progress)
	assert.Equal(t, 10, (<-b).Progress)
}
