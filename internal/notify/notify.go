// internal/notify/notify.go
package notify

// ProgressEvent is the real-time snapshot pushed to observers after every
// state-affecting mutation of a campaign.
type ProgressEvent struct {
	CampaignID      string `json:"campaign_id"`
	SentCount       int    `json:"sent_count"`
	FailedCount     int    `json:"failed_count"`
	TotalRecipients int    `json:"total_recipients"`
	Status          string `json:"status"`
	Progress        int    `json:"progress"`
	LastMessage     string `json:"last_message"`
}

// Notifier delivers progress events to observers. Publish must not block the
// campaign loop.
type Notifier interface {
	Publish(e ProgressEvent)
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) Publish(e ProgressEvent) {
	for _, n := range m {
		n.Publish(e)
	}
}

// Nop discards all events. Useful in tests.
type Nop struct{}

func (Nop) Publish(ProgressEvent) {}
