package worker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"outreach/lease"
	"outreach/models"
	"outreach/sequence"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tickNow = time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeDispatchStore struct {
	mu          sync.Mutex
	campaigns   map[uint]*models.Campaign
	enrollments map[uint]*models.Enrollment
	saved       []models.CampaignStatus
	activated   map[uint]time.Time
}

func newFakeDispatchStore() *fakeDispatchStore {
	return &fakeDispatchStore{
		campaigns:   map[uint]*models.Campaign{},
		enrollments: map[uint]*models.Enrollment{},
		activated:   map[uint]time.Time{},
	}
}

func (s *fakeDispatchStore) addCampaign(id uint, status models.CampaignStatus) *models.Campaign {
	c := &models.Campaign{
		Name:        "c",
		Status:      status,
		Timezone:    "UTC",
		WindowStart: "00:00",
		WindowEnd:   "24:00",
		ActiveDays:  models.AllWeekdays,
		Steps:       []models.Step{models.NewEmailStep(0, models.EmailStep{Subject: "hi", Body: "hello"})},
	}
	c.ID = id
	s.campaigns[id] = c
	return c
}

func (s *fakeDispatchStore) addEnrollment(id, campaignID uint, due time.Time) {
	e := &models.Enrollment{CampaignID: campaignID, ContactID: id, Status: models.EnrollmentActive, NextDueAt: &due}
	e.ID = id
	s.enrollments[id] = e
}

func (s *fakeDispatchStore) CampaignsToPromote(_ context.Context, now time.Time) ([]models.Campaign, error) {
	var out []models.Campaign
	for _, c := range s.campaigns {
		if c.Status == models.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeDispatchStore) CampaignsToComplete(context.Context) ([]models.Campaign, error) {
	var out []models.Campaign
	for _, c := range s.campaigns {
		if c.Status != models.CampaignRunning {
			continue
		}
		open := false
		for _, e := range s.enrollments {
			if e.CampaignID == c.ID && !e.Status.Terminal() {
				open = true
			}
		}
		if !open {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeDispatchStore) SaveCampaignStatus(_ context.Context, c *models.Campaign) error {
	cp := *c
	s.campaigns[c.ID] = &cp
	s.saved = append(s.saved, c.Status)
	return nil
}

func (s *fakeDispatchStore) ActivatePending(_ context.Context, campaignID uint, due time.Time) (int64, error) {
	s.activated[campaignID] = due
	return 0, nil
}

func (s *fakeDispatchStore) DueCampaignIDs(_ context.Context, now time.Time) ([]uint, error) {
	var ids []uint
	for id := uint(1); id <= 10; id++ {
		c, ok := s.campaigns[id]
		if !ok || c.Status != models.CampaignRunning {
			continue
		}
		for _, e := range s.enrollments {
			if e.CampaignID == id && e.Status == models.EnrollmentActive && !e.NextDueAt.After(now) {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

func (s *fakeDispatchStore) DueEnrollments(_ context.Context, campaignID uint, now time.Time, limit int) ([]models.Enrollment, error) {
	var out []models.Enrollment
	for id := uint(1); id <= 100 && len(out) < limit; id++ {
		e, ok := s.enrollments[id]
		if ok && e.CampaignID == campaignID && e.Status == models.EnrollmentActive && !e.NextDueAt.After(now) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeDispatchStore) GetCampaign(_ context.Context, id uint) (models.Campaign, error) {
	return *s.campaigns[id], nil
}

func (s *fakeDispatchStore) GetEnrollment(_ context.Context, id uint) (models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.enrollments[id], nil
}

type fakeAdvancer struct {
	mu      sync.Mutex
	store   *fakeDispatchStore
	order   []uint
	outcome sequence.Outcome
	err     error
}

func (a *fakeAdvancer) Advance(_ context.Context, run sequence.Run, _ time.Time) (sequence.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.order = append(a.order, run.Enrollment.ID)
	if a.err != nil {
		return sequence.Result{}, a.err
	}
	a.store.mu.Lock()
	a.store.enrollments[run.Enrollment.ID].Status = models.EnrollmentCompleted
	a.store.mu.Unlock()
	return sequence.Result{Outcome: a.outcome}, nil
}

type countingNotifier struct {
	mu      sync.Mutex
	changed map[uint]int
}

func (n *countingNotifier) CampaignChanged(id uint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.changed == nil {
		n.changed = map[uint]int{}
	}
	n.changed[id]++
}

func newDispatcher(store *fakeDispatchStore, adv *fakeAdvancer, locker lease.Locker, batch int) *DispatchWorker {
	w := NewDispatchWorker(store, adv, locker, DispatchConfig{Workers: 1, Batch: batch}, quietLogger())
	w.now = func() time.Time { return tickNow }
	return w
}

func TestTickInterleavesCampaigns(t *testing.T) {
	store := newFakeDispatchStore()
	store.addCampaign(1, models.CampaignRunning)
	store.addCampaign(2, models.CampaignRunning)
	for id := uint(1); id <= 4; id++ {
		store.addEnrollment(id, 1, tickNow.Add(-time.Minute))
	}
	store.addEnrollment(5, 2, tickNow.Add(-time.Minute))
	store.addEnrollment(6, 2, tickNow.Add(-time.Minute))

	adv := &fakeAdvancer{store: store, outcome: sequence.OutcomeSent}
	w := newDispatcher(store, adv, lease.NewMemory(), 100)

	stats, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 5, 2, 6, 3, 4}, adv.order)
	assert.Equal(t, int64(6), stats.Sent)
	assert.Equal(t, 2, stats.Campaigns)
	assert.Equal(t, 2, stats.Completed, "campaigns with nothing open are completed")
	assert.Equal(t, models.CampaignCompleted, store.campaigns[1].Status)
}

func TestTickSplitsBatchAcrossCampaigns(t *testing.T) {
	store := newFakeDispatchStore()
	store.addCampaign(1, models.CampaignRunning)
	store.addCampaign(2, models.CampaignRunning)
	for id := uint(1); id <= 10; id++ {
		store.addEnrollment(id, 1, tickNow)
	}
	store.addEnrollment(11, 2, tickNow)

	adv := &fakeAdvancer{store: store, outcome: sequence.OutcomeSent}
	w := newDispatcher(store, adv, lease.NewMemory(), 4)

	_, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 11, 2}, adv.order)
}

func TestTickSkipsLeasedEnrollments(t *testing.T) {
	store := newFakeDispatchStore()
	store.addCampaign(1, models.CampaignRunning)
	store.addEnrollment(1, 1, tickNow)
	store.addEnrollment(2, 1, tickNow)

	locker := lease.NewMemory()
	_, ok, err := locker.Acquire(context.Background(), lease.EnrollmentKey(1), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	adv := &fakeAdvancer{store: store, outcome: sequence.OutcomeSent}
	w := newDispatcher(store, adv, locker, 100)

	stats, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint{2}, adv.order)
	assert.Equal(t, int64(1), stats.Leased)
	assert.Equal(t, 0, stats.Completed, "the leased enrollment is still open")

	// The lease taken by the tick is released afterwards.
	_, ok, err = locker.Acquire(context.Background(), lease.EnrollmentKey(2), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTickIsolatesEnrollmentErrors(t *testing.T) {
	store := newFakeDispatchStore()
	store.addCampaign(1, models.CampaignRunning)
	store.addEnrollment(1, 1, tickNow)
	store.addEnrollment(2, 1, tickNow)

	adv := &fakeAdvancer{store: store, err: models.ErrStaleEnrollment}
	w := newDispatcher(store, adv, lease.NewMemory(), 100)

	stats, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, adv.order, 2)
	assert.Equal(t, int64(2), stats.Errors)
	assert.Equal(t, models.CampaignRunning, store.campaigns[1].Status)
}

func TestTickPromotesScheduledCampaigns(t *testing.T) {
	store := newFakeDispatchStore()
	c := store.addCampaign(1, models.CampaignScheduled)
	past := tickNow.Add(-time.Minute)
	c.ScheduledAt = &past
	future := store.addCampaign(2, models.CampaignScheduled)
	later := tickNow.Add(time.Hour)
	future.ScheduledAt = &later
	store.addEnrollment(1, 1, tickNow)

	adv := &fakeAdvancer{store: store, outcome: sequence.OutcomeSent}
	notifier := &countingNotifier{}
	w := newDispatcher(store, adv, lease.NewMemory(), 100).WithNotifier(notifier)

	stats, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Promoted)
	assert.Equal(t, tickNow, store.activated[1])
	assert.Equal(t, models.CampaignScheduled, store.campaigns[2].Status)
	assert.Equal(t, []uint{1}, adv.order)
	assert.Equal(t, 2, notifier.changed[1], "sent and completed")
}

func TestInterleave(t *testing.T) {
	mk := func(ids ...uint) []models.Enrollment {
		out := make([]models.Enrollment, len(ids))
		for i, id := range ids {
			out[i].ID = id
		}
		return out
	}
	got := Interleave([][]models.Enrollment{mk(1, 2, 3), nil, mk(7), mk(8, 9)})
	ids := make([]uint, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	assert.Equal(t, []uint{1, 7, 8, 2, 9, 3}, ids)
	assert.Empty(t, Interleave(nil))
}

func (s *fakeDispatchStore) SaveEnrollment(_ context.Context, e *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enrollments[e.ID].Version != e.Version {
		return models.ErrStaleEnrollment
	}
	e.Version++
	cp := *e
	s.enrollments[e.ID] = &cp
	return nil
}

type countingAllocator struct {
	mu                  sync.Mutex
	allocated, released int
}

func (a *countingAllocator) Allocate(context.Context, *models.Campaign) (models.Sender, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocated++
	s := models.Sender{}
	s.ID = 11
	return s, nil
}

func (a *countingAllocator) Release(context.Context, uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released++
	return nil
}

type recordingTransport struct {
	mu   sync.Mutex
	reqs []models.DispatchRequest
}

func (t *recordingTransport) Dispatch(_ context.Context, req models.DispatchRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reqs = append(t.reqs, req)
	return nil
}

type noHistory struct{}

func (noHistory) HasReplied(context.Context, uint) (bool, error) { return false, nil }

func (noHistory) StepEngagement(context.Context, uint, uint) (sequence.Engagement, error) {
	return sequence.Engagement{}, nil
}

func machineDispatcher(store *fakeDispatchStore) (*DispatchWorker, *countingAllocator, *recordingTransport) {
	alloc := &countingAllocator{}
	tr := &recordingTransport{}
	machine := sequence.NewMachine(alloc, tr, noHistory{}, store, sequence.Config{}, quietLogger())
	w := NewDispatchWorker(store, machine, lease.NewMemory(), DispatchConfig{Workers: 4, Batch: 100}, quietLogger())
	w.now = func() time.Time { return tickNow }
	return w, alloc, tr
}

func TestTickTwiceSendsStepOnce(t *testing.T) {
	store := newFakeDispatchStore()
	c := store.addCampaign(1, models.CampaignRunning)
	c.Steps = []models.Step{
		models.NewEmailStep(0, models.EmailStep{Subject: "intro", Body: "hello"}),
		models.NewDelayStep(1, models.DelayStep{Days: 2}),
		models.NewEmailStep(2, models.EmailStep{Subject: "bump", Body: "again"}),
	}
	store.addEnrollment(1, 1, tickNow)

	w, alloc, tr := machineDispatcher(store)

	stats, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Sent)

	stats, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Sent)

	require.Len(t, tr.reqs, 1)
	assert.Equal(t, uint(1), tr.reqs[0].EnrollmentID)
	assert.Equal(t, 1, alloc.allocated)
	assert.Zero(t, alloc.released)

	e := store.enrollments[1]
	assert.Equal(t, 2, e.CurrentStepOrder)
	assert.Equal(t, tickNow.Add(48*time.Hour), *e.NextDueAt)
}

func TestTickSkipsPausedCampaign(t *testing.T) {
	store := newFakeDispatchStore()
	c := store.addCampaign(1, models.CampaignRunning)
	c.Steps = []models.Step{
		models.NewEmailStep(0, models.EmailStep{Subject: "intro", Body: "hello"}),
		models.NewEmailStep(1, models.EmailStep{Subject: "bump", Body: "again"}),
	}
	store.addEnrollment(1, 1, tickNow)

	w, alloc, tr := machineDispatcher(store)

	_, err := w.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, tr.reqs, 1)
	require.Equal(t, 1, store.enrollments[1].CurrentStepOrder)

	store.campaigns[1].Status = models.CampaignPaused
	stats, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
	assert.Len(t, tr.reqs, 1)
	assert.Equal(t, 1, alloc.allocated)
	assert.Equal(t, models.EnrollmentActive, store.enrollments[1].Status)
	assert.Equal(t, models.CampaignPaused, store.campaigns[1].Status)

	store.campaigns[1].Status = models.CampaignRunning
	_, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, tr.reqs, 2)
	assert.Equal(t, models.EnrollmentCompleted, store.enrollments[1].Status)
}
