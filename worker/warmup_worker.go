package worker

import (
	"context"
	"sort"
	"time"

	"outreach/models"

	"github.com/sirupsen/logrus"
)

type WarmupStore interface {
	WarmingSenders(ctx context.Context) ([]models.Sender, error)
}

type WarmupLedger interface {
	SetWarmupTarget(ctx context.Context, id uint, target int) error
}

type WarmupConfig struct {
	Start     int
	Increment int
}

// WarmupWorker moves warmup targets along their ramp. The ledger clamps the
// target to the daily limit and ends warmup once it is reached.
type WarmupWorker struct {
	store  WarmupStore
	ledger WarmupLedger
	cfg    WarmupConfig
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewWarmupWorker(store WarmupStore, ledger WarmupLedger, cfg WarmupConfig, logger logrus.FieldLogger) *WarmupWorker {
	if cfg.Start <= 0 {
		cfg.Start = 10
	}
	if cfg.Increment <= 0 {
		cfg.Increment = 5
	}
	return &WarmupWorker{store: store, ledger: ledger, cfg: cfg, logger: logger, now: time.Now}
}

func (ww *WarmupWorker) Run(ctx context.Context) {
	senders, err := ww.store.WarmingSenders(ctx)
	if err != nil {
		ww.logger.WithError(err).Error("Error fetching active warmups")
		return
	}

	now := ww.now()
	for _, sender := range senders {
		target := WarmupTarget(sender, now, ww.cfg)
		if target <= sender.WarmupTarget {
			continue
		}
		log := ww.logger.WithFields(logrus.Fields{
			"sender_id": sender.ID,
			"from":      sender.WarmupTarget,
			"to":        target,
		})
		if err := ww.ledger.SetWarmupTarget(ctx, sender.ID, target); err != nil {
			log.WithError(err).Warn("Error advancing warmup")
			continue
		}
		log.Info("Advanced warmup target")
	}
}

// WarmupTarget is the daily volume the sender's ramp allows at now. With an
// active stage schedule the current stage's volume applies, and past the last
// stage the full daily limit. Otherwise the target grows linearly per whole
// day since warmup started.
func WarmupTarget(s models.Sender, now time.Time, cfg WarmupConfig) int {
	if s.WarmupStarted == nil {
		return cfg.Start
	}
	days := int(now.Sub(*s.WarmupStarted).Hours() / 24)
	if days < 0 {
		days = 0
	}

	if schedule := activeSchedule(s); schedule != nil {
		stages := append([]models.WarmupStage(nil), schedule.Stages...)
		sort.Slice(stages, func(i, j int) bool { return stages[i].StageNumber < stages[j].StageNumber })
		elapsed := 0
		for _, stage := range stages {
			elapsed += stage.DurationDays
			if days < elapsed {
				return stage.EmailsPerDay
			}
		}
		return s.DailyLimit
	}
	return cfg.Start + cfg.Increment*days
}

func activeSchedule(s models.Sender) *models.WarmupSchedule {
	for i := range s.WarmupSchedules {
		if s.WarmupSchedules[i].IsActive && len(s.WarmupSchedules[i].Stages) > 0 {
			return &s.WarmupSchedules[i]
		}
	}
	return nil
}
