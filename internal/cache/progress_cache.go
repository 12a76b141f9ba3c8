// internal/cache/progress_cache.go
package cache

import (
	"sync"
	"time"

	"github.com/pagepulse/broadcast-backend/internal/model"
	"github.com/pagepulse/broadcast-backend/internal/notify"
)

// Entry mirrors the live counters of one campaign. It exists to keep status
// reads and per-send bookkeeping off the durable store.
type Entry struct {
	CampaignID      string
	Status          model.CampaignStatus
	TotalRecipients int
	SentCount       int
	FailedCount     int
	LastMessage     string
	ErrorBreakdown  map[string]int // counts by classified failure type
}

func (e *Entry) snapshot() Entry {
	cp := *e
	cp.ErrorBreakdown = make(map[string]int, len(e.ErrorBreakdown))
	for k, v := range e.ErrorBreakdown {
		cp.ErrorBreakdown[k] = v
	}
	return cp
}

func (e *Entry) event() notify.ProgressEvent {
	return notify.ProgressEvent{
		CampaignID:      e.CampaignID,
		SentCount:       e.SentCount,
		FailedCount:     e.FailedCount,
		TotalRecipients: e.TotalRecipients,
		Status:          string(e.Status),
		Progress:        model.Percent(e.SentCount, e.FailedCount, e.TotalRecipients),
		LastMessage:     e.LastMessage,
	}
}

// ProgressCache is the in-memory mirror of per-campaign progress. Every
// mutation through Set or Update emits a progress event to the notifier.
// Entries of finished campaigns linger for evictDelay so trailing observers
// can still read the final counters.
type ProgressCache struct {
	notifier   notify.Notifier
	evictDelay time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	timers  map[string]*time.Timer
}

func New(notifier notify.Notifier, evictDelay time.Duration) *ProgressCache {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &ProgressCache{
		notifier:   notifier,
		evictDelay: evictDelay,
		entries:    make(map[string]*Entry),
		timers:     make(map[string]*time.Timer),
	}
}

// Seed builds an entry from persisted campaign state (campaign start or
// crash-recovery reload) without emitting an event.
func (c *ProgressCache) Seed(campaign *model.Campaign) {
	breakdown := make(map[string]int)
	for _, f := range campaign.FailedList {
		breakdown[f.Type]++
	}
	c.mu.Lock()
	c.entries[campaign.ID] = &Entry{
		CampaignID:      campaign.ID,
		Status:          campaign.Status,
		TotalRecipients: campaign.TotalRecipients,
		SentCount:       campaign.SentCount,
		FailedCount:     campaign.FailedCount,
		LastMessage:     campaign.LastMessage,
		ErrorBreakdown:  breakdown,
	}
	c.stopTimerLocked(campaign.ID)
	c.mu.Unlock()
}

// Get returns a copy of the entry, if one exists.
func (c *ProgressCache) Get(campaignID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[campaignID]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Update mutates the entry in place under the cache lock and publishes the
// resulting snapshot. Returns false when no entry exists for the id.
func (c *ProgressCache) Update(campaignID string, fn func(*Entry)) bool {
	c.mu.Lock()
	e, ok := c.entries[campaignID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	fn(e)
	ev := e.event()
	c.mu.Unlock()

	c.notifier.Publish(ev)
	return true
}

// ScheduleEvict removes the entry after the grace period. Rescheduling resets
// the timer.
func (c *ProgressCache) ScheduleEvict(campaignID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked(campaignID)
	c.timers[campaignID] = time.AfterFunc(c.evictDelay, func() {
		c.mu.Lock()
		delete(c.entries, campaignID)
		delete(c.timers, campaignID)
		c.mu.Unlock()
	})
}

func (c *ProgressCache) stopTimerLocked(campaignID string) {
	if t, ok := c.timers[campaignID]; ok {
		t.Stop()
		delete(c.timers, campaignID)
	}
}
