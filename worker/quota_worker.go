package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type QuotaStore interface {
	SenderIDs(ctx context.Context) ([]uint, error)
}

type QuotaResetter interface {
	ResetDaily(ctx context.Context, id uint, now time.Time) (bool, error)
}

// QuotaWorker resets sends_today at each sender's local midnight. ResetDaily
// is idempotent per local date, so running often only costs a read.
type QuotaWorker struct {
	store  QuotaStore
	ledger QuotaResetter
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewQuotaWorker(store QuotaStore, ledger QuotaResetter, logger logrus.FieldLogger) *QuotaWorker {
	return &QuotaWorker{store: store, ledger: ledger, logger: logger, now: time.Now}
}

// Run returns the number of senders reset.
func (w *QuotaWorker) Run(ctx context.Context) int {
	ids, err := w.store.SenderIDs(ctx)
	if err != nil {
		w.logger.WithError(err).Error("Error fetching senders for quota reset")
		return 0
	}
	now := w.now()
	reset := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		ok, err := w.ledger.ResetDaily(ctx, id, now)
		if err != nil {
			w.logger.WithError(err).WithField("sender_id", id).Warn("Quota reset failed")
			continue
		}
		if ok {
			reset++
		}
	}
	return reset
}
