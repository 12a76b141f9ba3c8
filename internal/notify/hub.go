// internal/notify/hub.go
package notify

import "sync"

// Hub is an in-process fanout of progress events, scoped per campaign id.
//
// Contract:
//   - Publish never blocks; slow subscribers drop events.
//   - Subscriber channels are buffered and closed on unsubscribe.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]chan ProgressEvent
	seq  uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]chan ProgressEvent)}
}

// Subscribe registers an observer for one campaign. The returned function
// removes the subscription and closes the channel.
func (h *Hub) Subscribe(campaignID string, buffer int) (<-chan ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan ProgressEvent, buffer)

	h.mu.Lock()
	h.seq++
	id := h.seq
	if h.subs[campaignID] == nil {
		h.subs[campaignID] = make(map[uint64]chan ProgressEvent)
	}
	h.subs[campaignID][id] = ch
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		if m := h.subs[campaignID]; m != nil {
			if _, ok := m[id]; ok {
				delete(m, id)
				close(ch)
			}
			if len(m) == 0 {
				delete(h.subs, campaignID)
			}
		}
		h.mu.Unlock()
	}
	return ch, unsubscribe
}

func (h *Hub) Publish(e ProgressEvent) {
	h.mu.RLock()
	chs := make([]chan ProgressEvent, 0, len(h.subs[e.CampaignID]))
	for _, ch := range h.subs[e.CampaignID] {
		chs = append(chs, ch)
	}
	h.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrent unsubscribe may close the
		// channel between snapshot and send, so recover from that.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default: // subscriber too slow, drop
			}
		}()
	}
}
