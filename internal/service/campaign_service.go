// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pagepulse/broadcast-backend/internal/cache"
	appErrors "github.com/pagepulse/broadcast-backend/internal/errors"
	"github.com/pagepulse/broadcast-backend/internal/model"
	"github.com/pagepulse/broadcast-backend/internal/repository"
)

// CampaignService is the public face of the broadcast engine: start, pause,
// resume, cancel, status, list, plus startup recovery. It owns the registry
// of live runner goroutines so each campaign has at most one active loop.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	Cache        *cache.ProgressCache
	Adapter      DeliveryAdapter
	Expander     *TemplateExpander
	Log          zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

func NewCampaignService(repo repository.CampaignRepositoryInterface, pc *cache.ProgressCache,
	adapter DeliveryAdapter, expander *TemplateExpander, log zerolog.Logger) *CampaignService {
	ctx, cancel := context.WithCancel(context.Background())
	return &CampaignService{
		CampaignRepo: repo,
		Cache:        pc,
		Adapter:      adapter,
		Expander:     expander,
		Log:          log,
		ctx:          ctx,
		cancel:       cancel,
		active:       make(map[string]struct{}),
	}
}

// StartCampaignInput is the campaign definition handed in by the HTTP layer.
type StartCampaignInput struct {
	UserID          string
	PageID          string
	PageName        string
	PageToken       string
	MessageTemplate string
	MessageTag      string
	DelayMs         int64
	Recipients      []model.Recipient
	LocalMediaPaths []string
	RemoteMediaURLs []string
}

// Start validates the definition, persists the campaign as running, seeds the
// progress cache, and launches the runner. Returns the campaign id without
// waiting for any sends.
func (s *CampaignService) Start(input StartCampaignInput) (string, error) {
	if len(input.Recipients) == 0 {
		return "", &appErrors.ErrEmptyRecipients{}
	}

	tag := input.MessageTag
	if tag == "" {
		tag = model.DefaultMessageTag
	}
	c := &model.Campaign{
		ID:              uuid.NewString(),
		UserID:          input.UserID,
		PageID:          input.PageID,
		PageName:        input.PageName,
		PageToken:       input.PageToken,
		MessageTemplate: input.MessageTemplate,
		MessageTag:      tag,
		DelayMs:         input.DelayMs,
		Recipients:      input.Recipients,
		LocalMediaPaths: input.LocalMediaPaths,
		RemoteMediaURLs: input.RemoteMediaURLs,
		TotalRecipients: len(input.Recipients),
		Status:          model.StatusRunning,
		StartedAt:       time.Now(),
	}
	if err := s.CampaignRepo.Create(c); err != nil {
		return "", err
	}

	s.Cache.Seed(c)
	s.launch(c.ID)
	s.Log.Info().
		Str("campaign", c.ID).
		Str("page", c.PageID).
		Int("recipients", c.TotalRecipients).
		Msg("campaign started")
	return c.ID, nil
}

// Pause asks the running loop to stop at its next iteration boundary. The
// loop itself observes the status change; this call only flips the state.
func (s *CampaignService) Pause(id string) error {
	c, err := s.CampaignRepo.GetByID(id)
	if err != nil {
		return err
	}
	if c.Status != model.StatusRunning {
		return &appErrors.ErrNotRunning{CampaignID: id, Status: string(c.Status)}
	}
	// The guarded update loses politely when the runner finishes the campaign
	// between our read and the write.
	if err := s.CampaignRepo.TransitionStatus(id, model.StatusRunning, model.StatusPaused); err != nil {
		var conflict *appErrors.ErrStatusConflict
		if errors.As(err, &conflict) {
			return &appErrors.ErrNotRunning{CampaignID: id, Status: conflict.Status}
		}
		return err
	}
	s.setCachedStatus(c, model.StatusPaused)
	s.Log.Info().Str("campaign", id).Msg("campaign paused")
	return nil
}

// Resume relaunches the loop from the persisted cursor. A no-op launch if a
// loop for this id is somehow still draining.
func (s *CampaignService) Resume(id string) error {
	c, err := s.CampaignRepo.GetByID(id)
	if err != nil {
		return err
	}
	if c.Status != model.StatusPaused {
		return &appErrors.ErrNotPaused{CampaignID: id, Status: string(c.Status)}
	}
	if err := s.CampaignRepo.TransitionStatus(id, model.StatusPaused, model.StatusRunning); err != nil {
		var conflict *appErrors.ErrStatusConflict
		if errors.As(err, &conflict) {
			return &appErrors.ErrNotPaused{CampaignID: id, Status: conflict.Status}
		}
		return err
	}
	s.setCachedStatus(c, model.StatusRunning)
	s.launch(id)
	s.Log.Info().Str("campaign", id).Int("index", c.CurrentIndex).Msg("campaign resumed")
	return nil
}

// Cancel is valid from any non-terminal state and idempotent on an already
// cancelled campaign.
func (s *CampaignService) Cancel(id string) error {
	c, err := s.CampaignRepo.GetByID(id)
	if err != nil {
		return err
	}
	if c.Status == model.StatusCancelled {
		return nil
	}
	if c.Status.Terminal() {
		return &appErrors.ErrTerminalState{CampaignID: id, Status: string(c.Status)}
	}
	if err := s.CampaignRepo.MarkCancelled(id); err != nil {
		var conflict *appErrors.ErrStatusConflict
		if errors.As(err, &conflict) {
			if conflict.Status == string(model.StatusCancelled) {
				return nil
			}
			return &appErrors.ErrTerminalState{CampaignID: id, Status: conflict.Status}
		}
		return err
	}
	s.setCachedStatus(c, model.StatusCancelled)
	s.Cache.ScheduleEvict(id)
	s.Log.Info().Str("campaign", id).Msg("campaign cancelled")
	return nil
}

// StatusSnapshot is the normalized progress view returned to callers.
type StatusSnapshot struct {
	ID              string                  `json:"id"`
	Status          model.CampaignStatus    `json:"status"`
	TotalRecipients int                     `json:"total_recipients"`
	SentCount       int                     `json:"sent_count"`
	FailedCount     int                     `json:"failed_count"`
	ProgressPercent int                     `json:"progress_percent"`
	LastMessage     string                  `json:"last_message"`
	ErrorBreakdown  map[string]int          `json:"error_breakdown,omitempty"`
	FailedList      []model.FailedRecipient `json:"failed_list"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	Error           string                  `json:"error,omitempty"`
}

// Status reads the cache first and falls back to the store for campaigns with
// no live entry. The cache path carries counters but not the per-recipient
// failure detail; the store path carries everything.
func (s *CampaignService) Status(id string) (*StatusSnapshot, error) {
	if e, ok := s.Cache.Get(id); ok {
		return &StatusSnapshot{
			ID:              id,
			Status:          e.Status,
			TotalRecipients: e.TotalRecipients,
			SentCount:       e.SentCount,
			FailedCount:     e.FailedCount,
			ProgressPercent: model.Percent(e.SentCount, e.FailedCount, e.TotalRecipients),
			LastMessage:     e.LastMessage,
			ErrorBreakdown:  e.ErrorBreakdown,
			FailedList:      []model.FailedRecipient{},
		}, nil
	}

	c, err := s.CampaignRepo.GetByID(id)
	if err != nil {
		return nil, err
	}
	return snapshotFromCampaign(c), nil
}

// ListActive returns a user's campaigns that are pending, running, or paused.
func (s *CampaignService) ListActive(userID string) ([]*StatusSnapshot, error) {
	campaigns, err := s.CampaignRepo.ListByUser(userID,
		model.StatusRunning, model.StatusPaused, model.StatusPending)
	if err != nil {
		return nil, err
	}
	out := make([]*StatusSnapshot, 0, len(campaigns))
	for _, c := range campaigns {
		out = append(out, snapshotFromCampaign(c))
	}
	return out, nil
}

// Recover is called once at startup: campaigns the previous process left
// running are relaunched from their persisted cursor, paused ones get their
// cache entry back and stay paused until explicitly resumed.
func (s *CampaignService) Recover() error {
	campaigns, err := s.CampaignRepo.ListByStatus(model.StatusRunning, model.StatusPaused)
	if err != nil {
		return err
	}
	resumed := 0
	for _, c := range campaigns {
		s.Cache.Seed(c)
		if c.Status == model.StatusRunning {
			s.launch(c.ID)
			resumed++
		}
	}
	s.Log.Info().
		Int("found", len(campaigns)).
		Int("relaunched", resumed).
		Msg("campaign recovery finished")
	return nil
}

// Stop cancels all runner loops and waits for them to exit. Campaigns stay
// running in the store and are picked up by Recover on the next start.
func (s *CampaignService) Stop() {
	s.cancel()
	s.wg.Wait()
}

// launch starts the runner goroutine unless one is already live for this id.
func (s *CampaignService) launch(id string) bool {
	s.mu.Lock()
	if _, running := s.active[id]; running {
		s.mu.Unlock()
		s.Log.Debug().Str("campaign", id).Msg("runner already active, launch skipped")
		return false
	}
	s.active[id] = struct{}{}
	s.mu.Unlock()

	runner := &Runner{
		Repo:     s.CampaignRepo,
		Cache:    s.Cache,
		Adapter:  s.Adapter,
		Expander: s.Expander,
		Log:      s.Log,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, id)
			s.mu.Unlock()
		}()
		runner.Run(s.ctx, id)
	}()
	return true
}

// setCachedStatus updates (or, after an eviction, re-seeds) the cache entry
// so the status change reaches observers.
func (s *CampaignService) setCachedStatus(c *model.Campaign, status model.CampaignStatus) {
	ok := s.Cache.Update(c.ID, func(e *cache.Entry) {
		e.Status = status
	})
	if !ok {
		c.Status = status
		s.Cache.Seed(c)
		s.Cache.Update(c.ID, func(e *cache.Entry) {
			e.Status = status
		})
	}
}

func snapshotFromCampaign(c *model.Campaign) *StatusSnapshot {
	failed := c.FailedList
	if failed == nil {
		failed = []model.FailedRecipient{}
	}
	breakdown := make(map[string]int)
	for _, f := range c.FailedList {
		breakdown[f.Type]++
	}
	started := c.StartedAt
	return &StatusSnapshot{
		ID:              c.ID,
		Status:          c.Status,
		TotalRecipients: c.TotalRecipients,
		SentCount:       c.SentCount,
		FailedCount:     c.FailedCount,
		ProgressPercent: c.ProgressPercent(),
		LastMessage:     c.LastMessage,
		ErrorBreakdown:  breakdown,
		FailedList:      failed,
		StartedAt:       &started,
		CompletedAt:     c.CompletedAt,
		Error:           c.Error,
	}
}
