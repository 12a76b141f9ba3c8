// internal/service/worker.go
package service

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagepulse/broadcast-backend/internal/cache"
	"github.com/pagepulse/broadcast-backend/internal/messenger"
	"github.com/pagepulse/broadcast-backend/internal/model"
	"github.com/pagepulse/broadcast-backend/internal/repository"
)

// DeliveryAdapter sends one message to one recipient.
type DeliveryAdapter interface {
	Send(ctx context.Context, req messenger.SendRequest) error
}

// Runner drains one campaign's recipient list in order. Pause and cancel
// requests land in the store and are observed at the top of each iteration,
// so at most one extra send can happen after a request. The durable cursor
// advances after every attempt, success or failure, never batched.
type Runner struct {
	Repo     repository.CampaignRepositoryInterface
	Cache    *cache.ProgressCache
	Adapter  DeliveryAdapter
	Expander *TemplateExpander
	Log      zerolog.Logger
}

const (
	randomDelayMinMs = 5000
	randomDelayMaxMs = 30000
)

// Run executes the campaign loop. Per-recipient failures are recorded and the
// loop continues; only bookkeeping failures (store down, programming errors)
// abort the whole campaign and mark it failed.
func (r *Runner) Run(ctx context.Context, campaignID string) {
	err := r.loop(ctx, campaignID)
	if err == nil {
		return
	}
	r.Log.Error().Err(err).Str("campaign", campaignID).Msg("campaign runner fault")
	if mErr := r.Repo.MarkFailed(campaignID, err.Error()); mErr != nil {
		r.Log.Error().Err(mErr).Str("campaign", campaignID).Msg("marking campaign failed")
	}
	r.Cache.Update(campaignID, func(e *cache.Entry) {
		e.Status = model.StatusFailed
	})
	r.Cache.ScheduleEvict(campaignID)
}

func (r *Runner) loop(ctx context.Context, campaignID string) error {
	for {
		// Process shutdown: leave the campaign as-is in the store so startup
		// recovery resumes it from the persisted cursor.
		if ctx.Err() != nil {
			r.Log.Info().Str("campaign", campaignID).Msg("runner stopping for shutdown")
			return nil
		}

		// Reload so externally requested pause/cancel is observed. Max
		// staleness is one loop iteration.
		c, err := r.Repo.GetByID(campaignID)
		if err != nil {
			return err
		}
		switch c.Status {
		case model.StatusRunning:
		case model.StatusPaused:
			r.Log.Info().Str("campaign", campaignID).Int("index", c.CurrentIndex).Msg("campaign paused, runner exiting")
			return nil
		default:
			r.Log.Info().Str("campaign", campaignID).Str("status", string(c.Status)).Msg("campaign no longer running, runner exiting")
			return nil
		}

		if c.CurrentIndex >= c.TotalRecipients {
			return r.complete(c)
		}

		recipient := c.Recipients[c.CurrentIndex]
		text := r.Expander.Expand(c.MessageTemplate)
		sendErr := r.Adapter.Send(ctx, messenger.SendRequest{
			PageID:          c.PageID,
			PageToken:       c.PageToken,
			Recipient:       recipient,
			Text:            text,
			Tag:             c.MessageTag,
			LocalMediaPaths: c.LocalMediaPaths,
			RemoteMediaURLs: c.RemoteMediaURLs,
		})

		if sendErr != nil && ctx.Err() != nil {
			// Shutdown interrupted the attempt. Leave the cursor where it is
			// so recovery retries this recipient instead of recording a
			// phantom failure against them.
			r.Log.Info().Str("campaign", campaignID).Int("index", c.CurrentIndex).Msg("runner stopping for shutdown")
			return nil
		}

		next := c.CurrentIndex + 1
		if sendErr == nil {
			if err := r.Repo.RecordSent(campaignID, next, text); err != nil {
				return err
			}
			r.Cache.Update(campaignID, func(e *cache.Entry) {
				e.SentCount++
				e.LastMessage = text
			})
		} else {
			se := messenger.Classify(sendErr)
			r.Log.Warn().
				Str("campaign", campaignID).
				Str("recipient", recipient.ID).
				Str("kind", string(se.Kind)).
				Err(sendErr).
				Msg("send attempt failed")
			failure := model.FailedRecipient{
				Name:  recipient.Name,
				Error: se.Error(),
				Type:  string(se.Kind),
			}
			if err := r.Repo.RecordFailure(campaignID, next, failure); err != nil {
				return err
			}
			r.Cache.Update(campaignID, func(e *cache.Entry) {
				e.FailedCount++
				if e.ErrorBreakdown == nil {
					e.ErrorBreakdown = make(map[string]int)
				}
				e.ErrorBreakdown[string(se.Kind)]++
			})
		}

		if next < c.TotalRecipients {
			if err := sleepCtx(ctx, delayFor(c.DelayMs)); err != nil {
				return nil // shutdown during the inter-message delay
			}
		}
	}
}

func (r *Runner) complete(c *model.Campaign) error {
	if err := r.Repo.MarkCompleted(c.ID); err != nil {
		return err
	}
	r.Cache.Update(c.ID, func(e *cache.Entry) {
		e.Status = model.StatusCompleted
	})
	r.Cache.ScheduleEvict(c.ID)
	r.Log.Info().
		Str("campaign", c.ID).
		Int("sent", c.SentCount).
		Int("failed", c.FailedCount).
		Msg("campaign completed")
	return nil
}

func delayFor(delayMs int64) time.Duration {
	if delayMs == model.DelayRandom {
		ms := randomDelayMinMs + rand.Int63n(randomDelayMaxMs-randomDelayMinMs+1)
		return time.Duration(ms) * time.Millisecond
	}
	if delayMs < 0 {
		return 0
	}
	return time.Duration(delayMs) * time.Millisecond
}

// sleepCtx sleeps for d but wakes early when ctx is cancelled, so shutdown
// never waits out a long randomized delay.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
