// internal/model/campaign.go
package model

import "time"

// CampaignStatus is the lifecycle state of a broadcast campaign.
type CampaignStatus string

const (
	StatusPending   CampaignStatus = "pending"
	StatusRunning   CampaignStatus = "running"
	StatusPaused    CampaignStatus = "paused"
	StatusCompleted CampaignStatus = "completed"
	StatusCancelled CampaignStatus = "cancelled"
	StatusFailed    CampaignStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s CampaignStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// DelayRandom is the sentinel for "randomized 5-30s delay per message".
const DelayRandom int64 = -1

// DefaultMessageTag is the Messenger policy tag used when a campaign does not
// specify one: the category reserved for post-transaction/shipping updates.
const DefaultMessageTag = "POST_PURCHASE_UPDATE"

// Recipient is one Messenger identity targeted by a campaign. The recipient
// list is ordered and immutable once the campaign is created; the order
// defines the send sequence.
type Recipient struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FailedRecipient records one failed send attempt.
type FailedRecipient struct {
	Name  string `json:"name"`
	Error string `json:"error"`
	Type  string `json:"type"` // unavailable, outside_window, other
}

type Campaign struct {
	ID       string `db:"id" json:"id"`
	UserID   string `db:"user_id" json:"user_id"`
	PageID   string `db:"page_id" json:"page_id"`
	PageName string `db:"page_name" json:"page_name"`

	// PageToken is the channel credential used by the delivery adapter. It is
	// persisted so a crashed campaign can resume without re-authenticating.
	PageToken string `db:"page_token" json:"-"`

	MessageTemplate string `db:"message_template" json:"message_template"`
	MessageTag      string `db:"message_tag" json:"message_tag"`
	DelayMs         int64  `db:"delay_ms" json:"delay_ms"`

	Recipients      []Recipient `db:"recipients" json:"recipients"`
	LocalMediaPaths []string    `db:"local_media" json:"local_media_paths"`
	RemoteMediaURLs []string    `db:"remote_media" json:"remote_media_urls"`

	TotalRecipients int               `db:"total_recipients" json:"total_recipients"`
	SentCount       int               `db:"sent_count" json:"sent_count"`
	FailedCount     int               `db:"failed_count" json:"failed_count"`
	CurrentIndex    int               `db:"current_index" json:"current_index"`
	FailedList      []FailedRecipient `db:"failed_list" json:"failed_list"`
	LastMessage     string            `db:"last_message" json:"last_message"`

	Status CampaignStatus `db:"status" json:"status"`
	Error  string         `db:"error" json:"error,omitempty"`

	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// ProgressPercent computes the integer completion percentage, clamped to 100.
func (c *Campaign) ProgressPercent() int {
	return Percent(c.SentCount, c.FailedCount, c.TotalRecipients)
}

// Percent is round(100 * (sent+failed) / total), clamped to [0, 100].
func Percent(sent, failed, total int) int {
	if total <= 0 {
		return 0
	}
	p := (200*(sent+failed) + total) / (2 * total) // integer rounding
	if p > 100 {
		p = 100
	}
	return p
}
