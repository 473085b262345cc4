// Package ledger owns every sender's quota and reputation counters. All
// writes to sends_today, health_score, bounce_rate_7d and the warmup fields
// go through a Ledger, serialized per sender.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"outreach/models"

	"github.com/sirupsen/logrus"
)

var ErrUnknownSender = errors.New("unknown sender")

const (
	maxHealth       = 100.0
	openReward      = 1.0
	bouncePenalty   = 5.0
	bounceRateSpan  = 7 * 24 * time.Hour
	localDateLayout = "2006-01-02"
)

// Store persists sender rows. IncrementSends must be a conditional update
// (sends_today < limit) so that separate processes cannot overrun a quota.
type Store interface {
	GetSender(ctx context.Context, id uint) (models.Sender, error)
	GetSenders(ctx context.Context, ids []uint) ([]models.Sender, error)
	IncrementSends(ctx context.Context, id uint, limit int) (bool, error)
	DecrementSends(ctx context.Context, id uint) error
	UpdateSenderFields(ctx context.Context, id uint, fields map[string]interface{}) error
	// AdjustHealth adds delta to health_score in a single statement, clamped
	// to [floor, ceiling].
	AdjustHealth(ctx context.Context, id uint, delta, floor, ceiling float64) error
	CountSenderOutcomes(ctx context.Context, id uint, since time.Time) (sent, bounced int64, err error)
}

// Picker orders available candidates by preference. The ledger reserves the
// first one whose quota still allows it.
type Picker func(candidates []models.Sender) []models.Sender

type Ledger struct {
	store  Store
	logger logrus.FieldLogger
	now    func() time.Time

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func New(store Store, logger logrus.FieldLogger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
		locks:  make(map[uint]*sync.Mutex),
	}
}

// WithClock overrides the time source used for bounce-rate windows.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) lockFor(id uint) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// lockAll takes the locks of ids in ascending order and returns the unlock func.
func (l *Ledger) lockAll(ids []uint) func() {
	sorted := uniqueSorted(ids)
	held := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		m := l.lockFor(id)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// Snapshot returns the current sender row.
func (l *Ledger) Snapshot(ctx context.Context, id uint) (models.Sender, error) {
	s, err := l.store.GetSender(ctx, id)
	if err != nil {
		return models.Sender{}, fmt.Errorf("%w: %d: %v", ErrUnknownSender, id, err)
	}
	return s, nil
}

// Available is a read-only derivation for reporting; it never reserves.
func (l *Ledger) Available(ctx context.Context, id uint) (bool, error) {
	s, err := l.Snapshot(ctx, id)
	if err != nil {
		return false, err
	}
	return s.IsAvailable(), nil
}

// Reserve atomically checks sends_today < effective_limit and increments it.
func (l *Ledger) Reserve(ctx context.Context, id uint) (bool, error) {
	m := l.lockFor(id)
	m.Lock()
	defer m.Unlock()

	s, err := l.Snapshot(ctx, id)
	if err != nil {
		return false, err
	}
	return l.reserveLocked(ctx, s)
}

func (l *Ledger) reserveLocked(ctx context.Context, s models.Sender) (bool, error) {
	if !s.IsAvailable() {
		return false, nil
	}
	ok, err := l.store.IncrementSends(ctx, s.ID, s.EffectiveLimit())
	if err != nil {
		return false, fmt.Errorf("increment sends for sender %d: %w", s.ID, err)
	}
	return ok, nil
}

// ReserveBest scores and reserves as one unit: the locks of every candidate
// are held from the read through the increment.
func (l *Ledger) ReserveBest(ctx context.Context, ids []uint, pick Picker) (models.Sender, bool, error) {
	if len(ids) == 0 {
		return models.Sender{}, false, nil
	}
	unlock := l.lockAll(ids)
	defer unlock()

	senders, err := l.store.GetSenders(ctx, uniqueSorted(ids))
	if err != nil {
		return models.Sender{}, false, fmt.Errorf("load candidate senders: %w", err)
	}

	available := make([]models.Sender, 0, len(senders))
	for _, s := range senders {
		if s.IsAvailable() {
			available = append(available, s)
		}
	}
	if len(available) == 0 {
		return models.Sender{}, false, nil
	}

	for _, s := range pick(available) {
		ok, err := l.reserveLocked(ctx, s)
		if err != nil {
			return models.Sender{}, false, err
		}
		if ok {
			s.SendsToday++
			return s, true, nil
		}
		// Another process took the last unit between our read and the
		// conditional update; fall through to the next candidate.
	}
	return models.Sender{}, false, nil
}

// Release returns a reservation whose hand-off failed before any delivery
// attempt.
func (l *Ledger) Release(ctx context.Context, id uint) error {
	m := l.lockFor(id)
	m.Lock()
	defer m.Unlock()

	if err := l.store.DecrementSends(ctx, id); err != nil {
		return fmt.Errorf("release sender %d: %w", id, err)
	}
	return nil
}

// ResetDaily zeroes sends_today once per local calendar day of the sender.
// It reports whether a reset happened.
func (l *Ledger) ResetDaily(ctx context.Context, id uint, now time.Time) (bool, error) {
	m := l.lockFor(id)
	m.Lock()
	defer m.Unlock()

	s, err := l.Snapshot(ctx, id)
	if err != nil {
		return false, err
	}
	today := now.In(s.Location()).Format(localDateLayout)
	if s.LastResetDate == today {
		return false, nil
	}
	if err := l.store.UpdateSenderFields(ctx, id, map[string]interface{}{
		"sends_today":     0,
		"last_reset_date": today,
	}); err != nil {
		return false, fmt.Errorf("reset sender %d: %w", id, err)
	}
	l.logger.WithFields(logrus.Fields{
		"sender_id":  id,
		"local_date": today,
		"sent":       s.SendsToday,
	}).Info("Reset daily quota")
	return true, nil
}

// ApplyOpened rewards the sender's health for an open.
func (l *Ledger) ApplyOpened(ctx context.Context, id uint) error {
	if err := l.store.AdjustHealth(ctx, id, openReward, 0, maxHealth); err != nil {
		return fmt.Errorf("reward sender %d: %w", id, err)
	}
	return nil
}

// ApplyBounced penalizes health and recomputes the trailing 7-day bounce
// rate. The bounce event itself must already be recorded.
func (l *Ledger) ApplyBounced(ctx context.Context, id uint) error {
	m := l.lockFor(id)
	m.Lock()
	defer m.Unlock()

	if err := l.store.AdjustHealth(ctx, id, -bouncePenalty, 0, maxHealth); err != nil {
		return fmt.Errorf("penalize sender %d: %w", id, err)
	}
	rate, err := l.bounceRate(ctx, id)
	if err != nil {
		return err
	}
	return l.store.UpdateSenderFields(ctx, id, map[string]interface{}{"bounce_rate_7d": rate})
}

func (l *Ledger) bounceRate(ctx context.Context, id uint) (float64, error) {
	sent, bounced, err := l.store.CountSenderOutcomes(ctx, id, l.now().Add(-bounceRateSpan))
	if err != nil {
		return 0, fmt.Errorf("count outcomes for sender %d: %w", id, err)
	}
	if sent == 0 {
		if bounced > 0 {
			return 1, nil
		}
		return 0, nil
	}
	return math.Min(1, float64(bounced)/float64(sent)), nil
}

// SetWarmupTarget moves the warmup ramp. The target never exceeds the daily
// limit; reaching it ends warmup mode.
func (l *Ledger) SetWarmupTarget(ctx context.Context, id uint, target int) error {
	m := l.lockFor(id)
	m.Lock()
	defer m.Unlock()

	s, err := l.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	if !s.WarmupMode {
		return nil
	}
	if target < s.WarmupTarget {
		target = s.WarmupTarget
	}
	fields := map[string]interface{}{"warmup_target": target}
	if target >= s.DailyLimit {
		fields["warmup_target"] = s.DailyLimit
		fields["warmup_mode"] = false
		l.logger.WithField("sender_id", id).Info("Warmup complete")
	}
	return l.store.UpdateSenderFields(ctx, id, fields)
}

func uniqueSorted(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
