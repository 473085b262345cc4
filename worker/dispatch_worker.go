package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"outreach/lease"
	"outreach/models"
	"outreach/sequence"
	"outreach/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DispatchStore is what one dispatcher tick reads and writes.
type DispatchStore interface {
	CampaignsToPromote(ctx context.Context, now time.Time) ([]models.Campaign, error)
	CampaignsToComplete(ctx context.Context) ([]models.Campaign, error)
	SaveCampaignStatus(ctx context.Context, c *models.Campaign) error
	ActivatePending(ctx context.Context, campaignID uint, due time.Time) (int64, error)
	DueCampaignIDs(ctx context.Context, now time.Time) ([]uint, error)
	DueEnrollments(ctx context.Context, campaignID uint, now time.Time, limit int) ([]models.Enrollment, error)
	GetCampaign(ctx context.Context, id uint) (models.Campaign, error)
	GetEnrollment(ctx context.Context, id uint) (models.Enrollment, error)
}

// Advancer drives one enrollment through the state machine.
type Advancer interface {
	Advance(ctx context.Context, run sequence.Run, now time.Time) (sequence.Result, error)
}

// CampaignNotifier is told about campaigns whose health changed.
type CampaignNotifier interface {
	CampaignChanged(campaignID uint)
}

type DispatchConfig struct {
	Workers  int
	Batch    int
	LeaseTTL time.Duration
}

// TickStats summarizes one dispatcher tick.
type TickStats struct {
	Promoted     int
	Completed    int
	Campaigns    int
	Claimed      int64
	Leased       int64
	Sent         int64
	Backpressure int64
	Failed       int64
	Errors       int64
}

type DispatchWorker struct {
	store    DispatchStore
	machine  Advancer
	locker   lease.Locker
	notifier CampaignNotifier
	cfg      DispatchConfig
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewDispatchWorker(store DispatchStore, machine Advancer, locker lease.Locker, cfg DispatchConfig, logger logrus.FieldLogger) *DispatchWorker {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 3 * time.Minute
	}
	return &DispatchWorker{
		store:   store,
		machine: machine,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

func (w *DispatchWorker) WithNotifier(n CampaignNotifier) *DispatchWorker {
	w.notifier = n
	return w
}

// Run is the Job entry point.
func (w *DispatchWorker) Run(ctx context.Context) {
	stats, err := w.Tick(ctx)
	if err != nil {
		utils.LogError("dispatch_tick_failed", err, nil)
		return
	}
	if stats.Claimed > 0 || stats.Promoted > 0 || stats.Completed > 0 {
		w.logger.WithFields(logrus.Fields{
			"campaigns":    stats.Campaigns,
			"claimed":      stats.Claimed,
			"sent":         stats.Sent,
			"backpressure": stats.Backpressure,
			"failed":       stats.Failed,
			"leased":       stats.Leased,
			"promoted":     stats.Promoted,
			"completed":    stats.Completed,
		}).Info("Dispatch tick finished")
	}
}

// Tick promotes due scheduled campaigns, advances every due enrollment once
// and completes campaigns with nothing left open. Enrollments are taken
// round-robin across campaigns so that one large campaign cannot claim every
// sender ahead of the others.
func (w *DispatchWorker) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	now := w.now()

	promoted, err := w.promote(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.Promoted = promoted

	ids, err := w.store.DueCampaignIDs(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.Campaigns = len(ids)

	if len(ids) > 0 {
		perCampaign := w.cfg.Batch / len(ids)
		if perCampaign < 1 {
			perCampaign = 1
		}

		campaigns := make(map[uint]*models.Campaign, len(ids))
		queues := make([][]models.Enrollment, 0, len(ids))
		for _, id := range ids {
			c, err := w.store.GetCampaign(ctx, id)
			if err != nil {
				w.logger.WithError(err).WithField("campaign_id", id).Warn("Skipping campaign")
				continue
			}
			due, err := w.store.DueEnrollments(ctx, id, now, perCampaign)
			if err != nil {
				w.logger.WithError(err).WithField("campaign_id", id).Warn("Skipping campaign")
				continue
			}
			campaigns[id] = &c
			queues = append(queues, due)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.cfg.Workers)
		for _, e := range Interleave(queues) {
			e := e
			c := campaigns[e.CampaignID]
			g.Go(func() error {
				w.process(gctx, c, e.ID, now, &stats)
				return nil
			})
		}
		_ = g.Wait()
	}

	completed, err := w.complete(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.Completed = completed
	return stats, nil
}

// process claims one enrollment, re-reads it and advances it. Errors stay
// local to the enrollment.
func (w *DispatchWorker) process(ctx context.Context, c *models.Campaign, enrollmentID uint, now time.Time, stats *TickStats) {
	log := w.logger.WithFields(logrus.Fields{
		"enrollment_id": enrollmentID,
		"campaign_id":   c.ID,
	})

	l, ok, err := w.locker.Acquire(ctx, lease.EnrollmentKey(enrollmentID), w.cfg.LeaseTTL)
	if err != nil {
		atomic.AddInt64(&stats.Errors, 1)
		log.WithError(err).Warn("Lease acquire failed")
		return
	}
	if !ok {
		atomic.AddInt64(&stats.Leased, 1)
		return
	}
	defer func() {
		if err := w.locker.Release(context.Background(), l); err != nil && !errors.Is(err, lease.ErrNotHeld) {
			log.WithError(err).Warn("Lease release failed")
		}
	}()
	atomic.AddInt64(&stats.Claimed, 1)

	// Another dispatcher may have advanced it between the due query and the claim.
	e, err := w.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		atomic.AddInt64(&stats.Errors, 1)
		log.WithError(err).Warn("Reload enrollment failed")
		return
	}

	res, err := w.machine.Advance(ctx, sequence.Run{Campaign: c, Enrollment: &e, Contact: &e.Contact}, now)
	if err != nil {
		atomic.AddInt64(&stats.Errors, 1)
		if errors.Is(err, models.ErrStaleEnrollment) {
			log.Debug("Enrollment changed concurrently, retrying next tick")
			return
		}
		utils.LogError("enrollment_advance_failed", err, map[string]interface{}{
			"enrollment_id": enrollmentID,
			"campaign_id":   c.ID,
		})
		return
	}

	switch res.Outcome {
	case sequence.OutcomeSent:
		atomic.AddInt64(&stats.Sent, 1)
	case sequence.OutcomeBackpressure:
		atomic.AddInt64(&stats.Backpressure, 1)
	case sequence.OutcomeFailed:
		atomic.AddInt64(&stats.Failed, 1)
		utils.LogError("enrollment_failed", errors.New(e.LastError), map[string]interface{}{
			"enrollment_id": enrollmentID,
			"campaign_id":   c.ID,
			"step_order":    e.CurrentStepOrder,
		})
	}
	if res.Outcome != sequence.OutcomeIdle && res.Outcome != sequence.OutcomeBackpressure && w.notifier != nil {
		w.notifier.CampaignChanged(c.ID)
	}
}

func (w *DispatchWorker) promote(ctx context.Context, now time.Time) (int, error) {
	campaigns, err := w.store.CampaignsToPromote(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range campaigns {
		c := &campaigns[i]
		log := w.logger.WithField("campaign_id", c.ID)
		if err := sequence.Launch(c, now); err != nil {
			log.WithError(err).Warn("Scheduled campaign failed to start")
			continue
		}
		if err := w.store.SaveCampaignStatus(ctx, c); err != nil {
			return n, err
		}
		activated, err := w.store.ActivatePending(ctx, c.ID, sequence.InitialDue(c, now))
		if err != nil {
			return n, err
		}
		log.WithField("enrollments", activated).Info("Scheduled campaign started")
		n++
	}
	return n, nil
}

func (w *DispatchWorker) complete(ctx context.Context, now time.Time) (int, error) {
	campaigns, err := w.store.CampaignsToComplete(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range campaigns {
		c := &campaigns[i]
		if err := sequence.Complete(c, now); err != nil {
			continue
		}
		if err := w.store.SaveCampaignStatus(ctx, c); err != nil {
			return n, err
		}
		w.logger.WithField("campaign_id", c.ID).Info("Campaign completed")
		if w.notifier != nil {
			w.notifier.CampaignChanged(c.ID)
		}
		n++
	}
	return n, nil
}

// Interleave takes one item from each queue in turn.
func Interleave(queues [][]models.Enrollment) []models.Enrollment {
	total := 0
	for _, q := range queues {
		total += len(q)
	}
	out := make([]models.Enrollment, 0, total)
	for i := 0; len(out) < total; i++ {
		for _, q := range queues {
			if i < len(q) {
				out = append(out, q[i])
			}
		}
	}
	return out
}
