// internal/repository/campaign_repository.go
package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	appErrors "github.com/pagepulse/broadcast-backend/internal/errors"
	"github.com/pagepulse/broadcast-backend/internal/model"
)

// CampaignRepositoryInterface is the durable campaign store. Counter updates
// are single UPDATE statements so increments survive concurrent writers.
type CampaignRepositoryInterface interface {
	Create(c *model.Campaign) error
	GetByID(id string) (*model.Campaign, error)
	// List calls without statuses match nothing.
	ListByStatus(statuses ...model.CampaignStatus) ([]*model.Campaign, error)
	ListByUser(userID string, statuses ...model.CampaignStatus) ([]*model.Campaign, error)

	// TransitionStatus flips the status only when the row is currently in
	// from, so a runner finishing concurrently can never be overwritten.
	// Returns ErrStatusConflict with the actual state otherwise.
	TransitionStatus(id string, from, to model.CampaignStatus) error
	// MarkCancelled is guarded the same way against terminal states.
	MarkCancelled(id string) error
	MarkCompleted(id string) error
	MarkFailed(id string, errMsg string) error

	// RecordSent advances the cursor after a successful attempt:
	// sent_count+1, current_index=index, last_message=lastMessage.
	RecordSent(id string, index int, lastMessage string) error
	// RecordFailure advances the cursor after a failed attempt:
	// failed_count+1, current_index=index, failed_list append.
	RecordFailure(id string, index int, f model.FailedRecipient) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, user_id, page_id, page_name, page_token, message_template,
	message_tag, delay_ms, recipients, local_media, remote_media,
	total_recipients, sent_count, failed_count, current_index, failed_list,
	last_message, status, error, started_at, completed_at`

func (r *CampaignRepository) Create(c *model.Campaign) error {
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	if c.MessageTag == "" {
		c.MessageTag = model.DefaultMessageTag
	}
	c.TotalRecipients = len(c.Recipients)

	recipients, err := json.Marshal(c.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	localMedia := marshalStrings(c.LocalMediaPaths)
	remoteMedia := marshalStrings(c.RemoteMediaURLs)

	query := `
		INSERT INTO campaigns (id, user_id, page_id, page_name, page_token,
			message_template, message_tag, delay_ms, recipients, local_media,
			remote_media, total_recipients, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.DB.Exec(query, c.ID, c.UserID, c.PageID, c.PageName, c.PageToken,
		c.MessageTemplate, c.MessageTag, c.DelayMs, recipients, localMedia,
		remoteMedia, c.TotalRecipients, c.Status, c.StartedAt)
	return err
}

func (r *CampaignRepository) GetByID(id string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListByStatus(statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	if len(statuses) == 0 {
		return []*model.Campaign{}, nil
	}
	where, args := statusClause(statuses, 1)
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE ` + where + ` ORDER BY started_at`
	return r.queryCampaigns(query, args...)
}

func (r *CampaignRepository) ListByUser(userID string, statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	if len(statuses) == 0 {
		return []*model.Campaign{}, nil
	}
	where, args := statusClause(statuses, 2)
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE user_id=$1 AND ` + where + ` ORDER BY started_at DESC`
	return r.queryCampaigns(query, append([]interface{}{userID}, args...)...)
}

func (r *CampaignRepository) TransitionStatus(id string, from, to model.CampaignStatus) error {
	res, err := r.DB.Exec(`UPDATE campaigns SET status=$1 WHERE id=$2 AND status=$3`, to, id, from)
	if err != nil {
		return err
	}
	return r.checkTransition(res, id)
}

func (r *CampaignRepository) MarkCancelled(id string) error {
	res, err := r.DB.Exec(
		`UPDATE campaigns SET status=$1, completed_at=NOW() WHERE id=$2 AND status NOT IN ($3, $4, $5)`,
		model.StatusCancelled, id, model.StatusCompleted, model.StatusFailed, model.StatusCancelled)
	if err != nil {
		return err
	}
	return r.checkTransition(res, id)
}

// checkTransition resolves a zero-row guarded update: the row is either gone
// or in a state the guard excluded.
func (r *CampaignRepository) checkTransition(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	c, err := r.GetByID(id)
	if err != nil {
		return err
	}
	return &appErrors.ErrStatusConflict{CampaignID: id, Status: string(c.Status)}
}

func (r *CampaignRepository) MarkCompleted(id string) error {
	return r.exec(`UPDATE campaigns SET status=$1, completed_at=NOW() WHERE id=$2`,
		model.StatusCompleted, id)
}

func (r *CampaignRepository) MarkFailed(id string, errMsg string) error {
	return r.exec(`UPDATE campaigns SET status=$1, error=$2, completed_at=NOW() WHERE id=$3`,
		model.StatusFailed, errMsg, id)
}

func (r *CampaignRepository) RecordSent(id string, index int, lastMessage string) error {
	return r.exec(`
		UPDATE campaigns
		SET sent_count = sent_count + 1, current_index = $1, last_message = $2
		WHERE id = $3`,
		index, lastMessage, id)
}

func (r *CampaignRepository) RecordFailure(id string, index int, f model.FailedRecipient) error {
	entry, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal failure entry: %w", err)
	}
	return r.exec(`
		UPDATE campaigns
		SET failed_count = failed_count + 1, current_index = $1,
		    failed_list = failed_list || $2::jsonb
		WHERE id = $3`,
		index, entry, id)
}

func (r *CampaignRepository) exec(query string, args ...interface{}) error {
	res, err := r.DB.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewCampaignNotFound(fmt.Sprint(args[len(args)-1]))
	}
	return nil
}

func (r *CampaignRepository) queryCampaigns(query string, args ...interface{}) ([]*model.Campaign, error) {
	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func statusClause(statuses []model.CampaignStatus, firstArg int) (string, []interface{}) {
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", firstArg+i)
		args[i] = s
	}
	return "status IN (" + strings.Join(placeholders, ", ") + ")", args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var recipients, localMedia, remoteMedia, failedList []byte
	err := row.Scan(
		&c.ID, &c.UserID, &c.PageID, &c.PageName, &c.PageToken, &c.MessageTemplate,
		&c.MessageTag, &c.DelayMs, &recipients, &localMedia, &remoteMedia,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.CurrentIndex, &failedList,
		&c.LastMessage, &c.Status, &c.Error, &c.StartedAt, &c.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recipients, &c.Recipients); err != nil {
		return nil, fmt.Errorf("unmarshal recipients: %w", err)
	}
	if err := json.Unmarshal(localMedia, &c.LocalMediaPaths); err != nil {
		return nil, fmt.Errorf("unmarshal local media: %w", err)
	}
	if err := json.Unmarshal(remoteMedia, &c.RemoteMediaURLs); err != nil {
		return nil, fmt.Errorf("unmarshal remote media: %w", err)
	}
	if err := json.Unmarshal(failedList, &c.FailedList); err != nil {
		return nil, fmt.Errorf("unmarshal failed list: %w", err)
	}
	return &c, nil
}

func marshalStrings(in []string) []byte {
	if in == nil {
		in = []string{}
	}
	b, _ := json.Marshal(in)
	return b
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
