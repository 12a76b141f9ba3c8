// internal/errors/errors.go
package appErrors

import "fmt"

// ErrCampaignNotFound is returned when no campaign exists for the given id.
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign %s not found", e.CampaignID)
}

func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrEmptyRecipients rejects a campaign started with no recipients.
type ErrEmptyRecipients struct{}

func (e *ErrEmptyRecipients) Error() string {
	return "campaign recipient list is empty"
}

// ErrStatusConflict reports a guarded status update that matched no row
// because the campaign was concurrently moved to another state. The store
// layer returns it; the service maps it to the transition-specific error.
type ErrStatusConflict struct {
	CampaignID string
	Status     string // the state the row was actually in
}

func (e *ErrStatusConflict) Error() string {
	return fmt.Sprintf("campaign %s is %s, transition rejected", e.CampaignID, e.Status)
}

// ErrNotRunning rejects pause on a campaign that is not currently running.
type ErrNotRunning struct {
	CampaignID string
	Status     string
}

func (e *ErrNotRunning) Error() string {
	return fmt.Sprintf("campaign %s is %s, not running", e.CampaignID, e.Status)
}

// ErrNotPaused rejects resume on a campaign that is not currently paused.
type ErrNotPaused struct {
	CampaignID string
	Status     string
}

func (e *ErrNotPaused) Error() string {
	return fmt.Sprintf("campaign %s is %s, not paused", e.CampaignID, e.Status)
}

// ErrTerminalState rejects cancel on a completed or failed campaign.
type ErrTerminalState struct {
	CampaignID string
	Status     string
}

func (e *ErrTerminalState) Error() string {
	return fmt.Sprintf("campaign %s already finished as %s", e.CampaignID, e.Status)
}
