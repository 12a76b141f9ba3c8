package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagepulse/broadcast-backend/internal/cache"
	appErrors "github.com/pagepulse/broadcast-backend/internal/errors"
	"github.com/pagepulse/broadcast-backend/internal/messenger"
	"github.com/pagepulse/broadcast-backend/internal/model"
	"github.com/pagepulse/broadcast-backend/internal/notify"
	"github.com/pagepulse/broadcast-backend/internal/repository"
)

// memRepo is an in-memory campaign store for runner and supervisor tests.
type memRepo struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign

	failRecordSent bool // simulate a store failure mid-run
}

func newMemRepo() *memRepo {
	return &memRepo{campaigns: make(map[string]*model.Campaign)}
}

func copyCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	cp.Recipients = append([]model.Recipient(nil), c.Recipients...)
	cp.FailedList = append([]model.FailedRecipient(nil), c.FailedList...)
	return &cp
}

func (m *memRepo) Create(c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.TotalRecipients = len(c.Recipients)
	m.campaigns[c.ID] = copyCampaign(c)
	return nil
}

func (m *memRepo) GetByID(id string) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return copyCampaign(c), nil
}

func (m *memRepo) ListByStatus(statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Campaign
	for _, c := range m.campaigns {
		for _, s := range statuses {
			if c.Status == s {
				out = append(out, copyCampaign(c))
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) ListByUser(userID string, statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	all, err := m.ListByStatus(statuses...)
	if err != nil {
		return nil, err
	}
	var out []*model.Campaign
	for _, c := range all {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memRepo) setStatus(id string, status model.CampaignStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[id].Status = status
}

func (m *memRepo) TransitionStatus(id string, from, to model.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.Status != from {
		return &appErrors.ErrStatusConflict{CampaignID: id, Status: string(c.Status)}
	}
	c.Status = to
	return nil
}

func (m *memRepo) MarkCancelled(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.Status.Terminal() {
		return &appErrors.ErrStatusConflict{CampaignID: id, Status: string(c.Status)}
	}
	c.Status = model.StatusCancelled
	now := time.Now()
	c.CompletedAt = &now
	return nil
}

func (m *memRepo) MarkCompleted(id string) error {
	return m.finish(id, model.StatusCompleted, "")
}

func (m *memRepo) MarkFailed(id string, errMsg string) error {
	return m.finish(id, model.StatusFailed, errMsg)
}

func (m *memRepo) finish(id string, status model.CampaignStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Status = status
	c.Error = errMsg
	now := time.Now()
	c.CompletedAt = &now
	return nil
}

func (m *memRepo) RecordSent(id string, index int, lastMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRecordSent {
		return fmt.Errorf("store unavailable")
	}
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.SentCount++
	c.CurrentIndex = index
	c.LastMessage = lastMessage
	return nil
}

func (m *memRepo) RecordFailure(id string, index int, f model.FailedRecipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.FailedCount++
	c.CurrentIndex = index
	c.FailedList = append(c.FailedList, f)
	return nil
}

// fakeAdapter records send order and returns scripted per-recipient errors.
type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
	errs map[string]error

	gate    chan struct{} // when set, each Send blocks until a token arrives
	entered chan struct{} // when set, Send signals that it has been reached
}

func (a *fakeAdapter) Send(ctx context.Context, req messenger.SendRequest) error {
	if a.entered != nil {
		select {
		case a.entered <- struct{}{}:
		default:
		}
	}
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.mu.Lock()
	a.sent = append(a.sent, req.Recipient.ID)
	err := a.errs[req.Recipient.ID]
	a.mu.Unlock()
	return err
}

func (a *fakeAdapter) sentIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func newTestService(repo repository.CampaignRepositoryInterface, adapter *fakeAdapter, notifier notify.Notifier) *CampaignService {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	pc := cache.New(notifier, 50*time.Millisecond)
	return NewCampaignService(repo, pc, adapter, NewTemplateExpander(nil), zerolog.Nop())
}

func recipients(n int) []model.Recipient {
	out := make([]model.Recipient, n)
	for i := range out {
		out[i] = model.Recipient{ID: fmt.Sprintf("r%d", i), Name: fmt.Sprintf("Recipient %d", i)}
	}
	return out
}

func waitForStatus(t *testing.T, svc *CampaignService, id string, want model.CampaignStatus) *StatusSnapshot {
	t.Helper()
	var snapshot *StatusSnapshot
	require.Eventually(t, func() bool {
		s, err := svc.Status(id)
		if err != nil {
			return false
		}
		snapshot = s
		return s.Status == want
	}, 2*time.Second, 5*time.Millisecond, "campaign never reached %s", want)
	return snapshot
}

func TestStartRejectsEmptyRecipients(t *testing.T) {
	svc := newTestService(newMemRepo(), &fakeAdapter{}, nil)
	defer svc.Stop()

	_, err := svc.Start(StartCampaignInput{UserID: "u1", PageID: "p1"})
	var empty *appErrors.ErrEmptyRecipients
	require.ErrorAs(t, err, &empty)
}

func TestCampaignAllSendsSucceed(t *testing.T) {
	repo := newMemRepo()
	adapter := &fakeAdapter{}
	svc := newTestService(repo, adapter, nil)
	defer svc.Stop()

	id, err := svc.Start(StartCampaignInput{
		UserID:          "u1",
		PageID:          "page1",
		MessageTemplate: "hello",
		Recipients:      recipients(3),
	})
	require.NoError(t, err)

	snapshot := waitForStatus(t, svc, id, model.StatusCompleted)
	assert.Equal(t, 3, snapshot.SentCount)
	assert.Equal(t, 0, snapshot.FailedCount)
	assert.Equal(t, 100, snapshot.ProgressPercent)

	c, err := repo.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, c.Status)
	assert.Equal(t, 3, c.CurrentIndex)
	assert.Equal(t, c.SentCount+c.FailedCount, c.CurrentIndex)
	assert.NotNil(t, c.CompletedAt)
	assert.Equal(t, []string{"r0", "r1", "r2"}, adapter.sentIDs())
}

func TestCampaignUnavailableRecipientRecordedAndSkipped(t *testing.T) {
	repo := newMemRepo()
	adapter := &fakeAdapter{errs: map[string]error{
		"r0": &messenger.SendError{Kind: messenger.FailureUnavailable, Code: 551, Message: "person is not available"},
	}}
	svc := newTestService(repo, adapter, nil)
	defer svc.Stop()

	id, err := svc.Start(StartCampaignInput{
		UserID:          "u1",
		PageID:          "page1",
		MessageTemplate: "hello",
		Recipients:      recipients(2),
	})
	require.NoError(t, err)

	waitForStatus(t, svc, id, model.StatusCompleted)

	c, err := repo.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, 1, c.FailedCount)
	require.Len(t, c.FailedList, 1)
	assert.Equal(t, string(messenger.FailureUnavailable), c.FailedList[0].Type)
	assert.Equal(t, "Recipient 0", c.FailedList[0].Name)
	// The loop proceeded to recipient 2 despite the failure.
	assert.Equal(t, []string{"r0", "r1"}, adapter.sentIDs())
}

func TestPauseBeforeAnySend(t *testing.T) {
	repo := newMemRepo()
	adapter := &fakeAdapter{}
	svc := newTestService(repo, adapter, nil)
	defer svc.Stop()

	// Campaign exists as running but no loop is live yet, so the pause is
	// guaranteed to land before the first send.
	c := &model.Campaign{
		ID:              "c1",
		UserID:          "u1",
		MessageTemplate: "hello",
		Recipients:      recipients(3),
		Status:          model.StatusRunning,
		StartedAt:       time.Now(),
	}
	require.NoError(t, repo.Create(c))
	svc.Cache.Seed(c)

	require.NoError(t, svc.Pause("c1"))

	// The loop observes the pause on its first reload and exits untouched.
	runner := &Runner{Repo: repo, Cache: svc.Cache, Adapter: adapter, Expander: svc.Expander, Log: zerolog.Nop()}
	runner.Run(context.Background(), "c1")

	got, err := repo.GetByID("c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, got.Status)
	assert.Equal(t, 0, got.SentCount)
	assert.Equal(t, 0, got.FailedCount)
	assert.Equal(t, 0, got.CurrentIndex)
	assert.Empty(t, adapter.sentIDs())
}

func TestResumeContinuesFromPersistedCursor(t *testing.T) {
	repo := newMemRepo()

	// A previous process sent recipients 0 and 1, was paused, then crashed.
	c := &model.Campaign{
		ID:              "c1",
		UserID:          "u1",
		MessageTemplate: "hello",
		Recipients:      recipients(4),
		Status:          model.StatusPaused,
		StartedAt:       time.Now(),
	}
	require.NoError(t, repo.Create(c))
	repo.mu.Lock()
	repo.campaigns["c1"].SentCount = 2
	repo.campaigns["c1"].CurrentIndex = 2
	repo.mu.Unlock()

	adapter := &fakeAdapter{}
	svc := newTestService(repo, adapter, nil)
	defer svc.Stop()

	// Fresh process: recovery seeds the cache but leaves paused campaigns alone.
	require.NoError(t, svc.Recover())
	snapshot, err := svc.Status("c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, snapshot.Status)
	assert.Empty(t, adapter.sentIDs())

	require.NoError(t, svc.Resume("c1"))
	waitForStatus(t, svc, "c1", model.StatusCompleted)

	// No duplicate send to r1, no skip of r2.
	assert.Equal(t, []string{"r2", "r3"}, adapter.sentIDs())
	got, _ := repo.GetByID("c1")
	assert.Equal(t, 4, got.SentCount)
	assert.Equal(t, 4, got.CurrentIndex)
}

func TestRecoverRelaunchesRunningCampaigns(t *testing.T) {
	repo := newMemRepo()
	c := &model.Campaign{
		ID:              "c1",
		UserID:          "u1",
		MessageTemplate: "hello",
		Recipients:      recipients(3),
		Status:          model.StatusRunning,
		StartedAt:       time.Now(),
	}
	require.NoError(t, repo.Create(c))
	repo.mu.Lock()
	repo.campaigns["c1"].SentCount = 1
	repo.campaigns["c1"].CurrentIndex = 1
	repo.mu.Unlock()

	adapter := &fakeAdapter{}
	svc := newTestService(repo, adapter, nil)
	defer svc.Stop()

	require.NoError(t, svc.Recover())
	waitForStatus(t, svc, "c1", model.StatusCompleted)
	assert.Equal(t, []string{"r1", "r2"}, adapter.sentIDs())
}

func TestCancelIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &fakeAdapter{}, nil)
	defer svc.Stop()

	c := &model.Campaign{
		ID:         "c1",
		UserID:     "u1",
		Recipients: recipients(2),
		Status:     model.StatusRunning,
		StartedAt:  time.Now(),
	}
	require.NoError(t, repo.Create(c))
	svc.Cache.Seed(c)

	require.NoError(t, svc.Cancel("c1"))
	require.NoError(t, svc.Cancel("c1"), "second cancel must not raise")

	got, _ := repo.GetByID("c1")
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestCancelRejectedOnCompleted(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &fakeAdapter{}, nil)
	defer svc.Stop()

	c := &model.Campaign{ID: "c1", UserID: "u1", Recipients: recipients(1), Status: model.StatusRunning, StartedAt: time.Now()}
	require.NoError(t, repo.Create(c))
	require.NoError(t, repo.MarkCompleted("c1"))

	var terminal *appErrors.ErrTerminalState
	require.ErrorAs(t, svc.Cancel("c1"), &terminal)
}

func TestPauseRequiresRunning(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &fakeAdapter{}, nil)
	defer svc.Stop()

	c := &model.Campaign{ID: "c1", UserID: "u1", Recipients: recipients(1), Status: model.StatusPaused, StartedAt: time.Now()}
	require.NoError(t, repo.Create(c))

	var notRunning *appErrors.ErrNotRunning
	require.ErrorAs(t, svc.Pause("c1"), &notRunning)

	var notPaused *appErrors.ErrNotPaused
	repo.setStatus("c1", model.StatusRunning)
	require.ErrorAs(t, svc.Resume("c1"), &notPaused)
}

// staleStatusRepo reads back "running" regardless of the stored state, which
// is what a transition caller sees when the runner finishes the campaign
// right after the status check.
type staleStatusRepo struct {
	*memRepo
}

func (r *staleStatusRepo) GetByID(id string) (*model.Campaign, error) {
	c, err := r.memRepo.GetByID(id)
	if err == nil {
		c.Status = model.StatusRunning
	}
	return c, err
}

func TestPauseLosesRaceWithCompletion(t *testing.T) {
	inner := newMemRepo()
	repo := &staleStatusRepo{memRepo: inner}
	svc := newTestService(repo, &fakeAdapter{}, nil)
	defer svc.Stop()

	c := &model.Campaign{ID: "c1", UserID: "u1", Recipients: recipients(1), Status: model.StatusCompleted, StartedAt: time.Now()}
	require.NoError(t, inner.Create(c))

	var notRunning *appErrors.ErrNotRunning
	require.ErrorAs(t, svc.Pause("c1"), &notRunning)
	assert.Equal(t, string(model.StatusCompleted), notRunning.Status)

	got, _ := inner.GetByID("c1")
	assert.Equal(t, model.StatusCompleted, got.Status, "terminal state must not be overwritten")
}

func TestCancelLosesRaceWithCompletion(t *testing.T) {
	inner := newMemRepo()
	repo := &staleStatusRepo{memRepo: inner}
	svc := newTestService(repo, &fakeAdapter{}, nil)
	defer svc.Stop()

	c := &model.Campaign{ID: "c1", UserID: "u1", Recipients: recipients(1), Status: model.StatusCompleted, StartedAt: time.Now()}
	require.NoError(t, inner.Create(c))

	var terminal *appErrors.ErrTerminalState
	require.ErrorAs(t, svc.Cancel("c1"), &terminal)

	got, _ := inner.GetByID("c1")
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestLaunchGuardSkipsSecondRunner(t *testing.T) {
	repo := newMemRepo()
	adapter := &fakeAdapter{gate: make(chan struct{})}
	svc := newTestService(repo, adapter, nil)
	defer svc.Stop()

	c := &model.Campaign{ID: "c1", UserID: "u1", MessageTemplate: "hi", Recipients: recipients(1), Status: model.StatusRunning, StartedAt: time.Now()}
	require.NoError(t, repo.Create(c))
	svc.Cache.Seed(c)

	require.True(t, svc.launch("c1"))
	assert.False(t, svc.launch("c1"), "second launch for a live campaign must be a no-op")

	close(adapter.gate)
	waitForStatus(t, svc, "c1", model.StatusCompleted)
	assert.Equal(t, []string{"r0"}, adapter.sentIDs())
}

func TestShutdownDuringSendLeavesCursorUntouched(t *testing.T) {
	repo := newMemRepo()
	adapter := &fakeAdapter{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	svc := newTestService(repo, adapter, nil)

	id, err := svc.Start(StartCampaignInput{
		UserID:          "u1",
		MessageTemplate: "hello",
		Recipients:      recipients(2),
	})
	require.NoError(t, err)

	// Wait until the runner is blocked inside the send, then shut down. The
	// adapter surfaces the context cancellation as its send error.
	select {
	case <-adapter.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never reached the adapter")
	}
	svc.Stop()

	c, err := repo.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, c.Status, "campaign must stay recoverable")
	assert.Equal(t, 0, c.SentCount)
	assert.Equal(t, 0, c.FailedCount)
	assert.Equal(t, 0, c.CurrentIndex)
	assert.Empty(t, c.FailedList, "shutdown must not be recorded as a recipient failure")
	assert.Empty(t, adapter.sentIDs())
}

func TestRunnerFaultMarksCampaignFailed(t *testing.T) {
	repo := newMemRepo()
	repo.failRecordSent = true
	adapter := &fakeAdapter{}
	svc := newTestService(repo, adapter, nil)
	defer svc.Stop()

	id, err := svc.Start(StartCampaignInput{
		UserID:          "u1",
		MessageTemplate: "hello",
		Recipients:      recipients(2),
	})
	require.NoError(t, err)

	waitForStatus(t, svc, id, model.StatusFailed)
	c, _ := repo.GetByID(id)
	assert.Equal(t, model.StatusFailed, c.Status)
	assert.Contains(t, c.Error, "store unavailable")
}

func TestProgressEventsEmittedPerAttempt(t *testing.T) {
	repo := newMemRepo()
	adapter := &fakeAdapter{}
	hub := notify.NewHub()
	pc := cache.New(hub, 50*time.Millisecond)
	svc := NewCampaignService(repo, pc, adapter, NewTemplateExpander(nil), zerolog.Nop())
	defer svc.Stop()

	c := &model.Campaign{ID: "c1", UserID: "u1", MessageTemplate: "hi", Recipients: recipients(3), Status: model.StatusRunning, StartedAt: time.Now()}
	require.NoError(t, repo.Create(c))
	pc.Seed(c)

	events, unsubscribe := hub.Subscribe("c1", 16)
	defer unsubscribe()

	require.True(t, svc.launch("c1"))

	var got []notify.ProgressEvent
	deadline := time.After(2 * time.Second)
	for len(got) < 4 { // 3 send attempts + completion
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("only received %d events", len(got))
		}
	}

	// Monotone progress, correct percentages.
	prev := -1
	for _, ev := range got {
		total := ev.SentCount + ev.FailedCount
		require.GreaterOrEqual(t, total, prev)
		prev = total
		assert.Equal(t, model.Percent(ev.SentCount, ev.FailedCount, ev.TotalRecipients), ev.Progress)
	}
	last := got[len(got)-1]
	assert.Equal(t, string(model.StatusCompleted), last.Status)
	assert.Equal(t, 100, last.Progress)
	assert.Equal(t, 3, last.SentCount)
}

func TestStatusFallsBackToStore(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &fakeAdapter{}, nil)
	defer svc.Stop()

	c := &model.Campaign{
		ID:         "old",
		UserID:     "u1",
		Recipients: recipients(2),
		Status:     model.StatusCompleted,
		StartedAt:  time.Now(),
	}
	require.NoError(t, repo.Create(c))
	repo.mu.Lock()
	repo.campaigns["old"].SentCount = 1
	repo.campaigns["old"].FailedCount = 1
	repo.campaigns["old"].CurrentIndex = 2
	repo.campaigns["old"].FailedList = []model.FailedRecipient{{Name: "Recipient 1", Error: "boom", Type: "other"}}
	repo.mu.Unlock()

	snapshot, err := svc.Status("old")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, snapshot.Status)
	assert.Equal(t, 100, snapshot.ProgressPercent)
	require.Len(t, snapshot.FailedList, 1)
	assert.Equal(t, map[string]int{"other": 1}, snapshot.ErrorBreakdown)

	_, err = svc.Status("missing")
	var notFound *appErrors.ErrCampaignNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestListActiveFiltersByUserAndStatus(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &fakeAdapter{}, nil)
	defer svc.Stop()

	mk := func(id, user string, status model.CampaignStatus) {
		c := &model.Campaign{ID: id, UserID: user, Recipients: recipients(2), Status: status, StartedAt: time.Now()}
		require.NoError(t, repo.Create(c))
	}
	mk("a", "u1", model.StatusRunning)
	mk("b", "u1", model.StatusPaused)
	mk("c", "u1", model.StatusCompleted)
	mk("d", "u2", model.StatusRunning)

	out, err := svc.ListActive("u1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	ids := []string{out[0].ID, out[1].ID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
