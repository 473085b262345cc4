// Package allocator picks the sending account for a due email.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"outreach/ledger"
	"outreach/models"

	"github.com/sirupsen/logrus"
)

var ErrNoSenderAvailable = errors.New("no sender available")

const (
	healthWeight   = 0.6
	capacityWeight = 0.4
)

// Directory lists an owner's verified senders, used when a campaign has no
// assigned pool.
type Directory interface {
	VerifiedSenderIDs(ctx context.Context, userID uint) ([]uint, error)
}

type Allocator struct {
	ledger    *ledger.Ledger
	directory Directory
	logger    logrus.FieldLogger
}

func New(l *ledger.Ledger, directory Directory, logger logrus.FieldLogger) *Allocator {
	return &Allocator{
		ledger:    l,
		directory: directory,
		logger:    logger,
	}
}

// Allocate reserves one unit of quota on the best available sender for the
// campaign and returns it. It returns ErrNoSenderAvailable when every
// candidate is saturated, unverified or missing.
func (a *Allocator) Allocate(ctx context.Context, campaign *models.Campaign) (models.Sender, error) {
	pool := campaign.SenderPool()
	if len(pool) == 0 {
		ids, err := a.directory.VerifiedSenderIDs(ctx, campaign.UserID)
		if err != nil {
			return models.Sender{}, fmt.Errorf("list senders for user %d: %w", campaign.UserID, err)
		}
		pool = ids
	}
	if len(pool) == 0 {
		return models.Sender{}, ErrNoSenderAvailable
	}

	sender, ok, err := a.ledger.ReserveBest(ctx, pool, Rank)
	if err != nil {
		return models.Sender{}, err
	}
	if !ok {
		a.logger.WithFields(logrus.Fields{
			"campaign_id": campaign.ID,
			"pool_size":   len(pool),
		}).Debug("All senders saturated")
		return models.Sender{}, ErrNoSenderAvailable
	}
	return sender, nil
}

// Release hands a reservation back to the ledger.
func (a *Allocator) Release(ctx context.Context, senderID uint) error {
	return a.ledger.Release(ctx, senderID)
}

// Score weighs reputation against remaining capacity, both on a 0-100 scale.
func Score(s models.Sender) float64 {
	return s.HealthScore*healthWeight + RemainingCapacityPct(s)*capacityWeight
}

// RemainingCapacityPct is the share of today's effective limit still unused.
func RemainingCapacityPct(s models.Sender) float64 {
	limit := s.EffectiveLimit()
	if limit <= 0 {
		return 0
	}
	return 100 * (1 - float64(s.SendsToday)/float64(limit))
}

// Rank orders candidates best first: highest score, then fewest sends today,
// then lowest id.
func Rank(candidates []models.Sender) []models.Sender {
	ranked := make([]models.Sender, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := Score(ranked[i]), Score(ranked[j])
		if si != sj {
			return si > sj
		}
		if ranked[i].SendsToday != ranked[j].SendsToday {
			return ranked[i].SendsToday < ranked[j].SendsToday
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}
