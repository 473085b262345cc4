package allocator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"outreach/ledger"
	"outreach/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type senderStore struct {
	mu      sync.Mutex
	senders map[uint]models.Sender
}

func (s *senderStore) GetSender(_ context.Context, id uint) (models.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender, ok := s.senders[id]
	if !ok {
		return models.Sender{}, errors.New("record not found")
	}
	return sender, nil
}

func (s *senderStore) GetSenders(ctx context.Context, ids []uint) ([]models.Sender, error) {
	var out []models.Sender
	for _, id := range ids {
		if sender, err := s.GetSender(ctx, id); err == nil {
			out = append(out, sender)
		}
	}
	return out, nil
}

func (s *senderStore) IncrementSends(_ context.Context, id uint, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender := s.senders[id]
	if sender.SendsToday >= limit {
		return false, nil
	}
	sender.SendsToday++
	s.senders[id] = sender
	return true, nil
}

func (s *senderStore) DecrementSends(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender := s.senders[id]
	sender.SendsToday--
	s.senders[id] = sender
	return nil
}

func (s *senderStore) UpdateSenderFields(context.Context, uint, map[string]interface{}) error {
	return nil
}

func (s *senderStore) AdjustHealth(context.Context, uint, float64, float64, float64) error {
	return nil
}

func (s *senderStore) CountSenderOutcomes(context.Context, uint, time.Time) (int64, int64, error) {
	return 0, 0, nil
}

type directory map[uint][]uint

func (d directory) VerifiedSenderIDs(_ context.Context, userID uint) ([]uint, error) {
	return d[userID], nil
}

func newSender(id uint, health float64, limit, sent int) models.Sender {
	s := models.Sender{HealthScore: health, DailyLimit: limit, SendsToday: sent, IsVerified: true}
	s.ID = id
	return s
}

func newAllocator(dir directory, senders ...models.Sender) (*Allocator, *senderStore) {
	store := &senderStore{senders: make(map[uint]models.Sender)}
	for _, s := range senders {
		store.senders[s.ID] = s
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(ledger.New(store, logger), dir, logger), store
}

func campaignWithPool(ids ...uint) *models.Campaign {
	c := &models.Campaign{UserID: 7}
	c.ID = 1
	for _, id := range ids {
		c.Senders = append(c.Senders, models.CampaignSender{SenderID: id})
	}
	return c
}

func TestScore(t *testing.T) {
	s := newSender(1, 80, 100, 25)
	// 80*0.6 + 75*0.4
	assert.InDelta(t, 78.0, Score(s), 1e-9)

	warm := newSender(2, 100, 200, 10)
	warm.WarmupMode = true
	warm.WarmupTarget = 20
	assert.InDelta(t, 50.0, RemainingCapacityPct(warm), 1e-9)
}

func TestRank(t *testing.T) {
	t.Run("highest score wins", func(t *testing.T) {
		ranked := Rank([]models.Sender{
			newSender(1, 50, 100, 0),
			newSender(2, 90, 100, 50),
		})
		assert.Equal(t, uint(2), ranked[0].ID)
	})

	t.Run("ties prefer fewer sends then lower id", func(t *testing.T) {
		// both score 0.6*h + 0.4*cap = 80
		a := newSender(3, 100, 100, 50) // 60 + 20
		b := newSender(2, 80, 10, 1)    // 48 + 36 = 84, not a tie
		c := newSender(1, 100, 200, 100)
		d := newSender(4, 100, 100, 50)
		ranked := Rank([]models.Sender{a, b, c, d})
		require.Len(t, ranked, 4)
		assert.Equal(t, uint(2), ranked[0].ID)
		// a, c and d all score 80; a and d have 50 sends, c has 100
		assert.Equal(t, uint(3), ranked[1].ID)
		assert.Equal(t, uint(4), ranked[2].ID)
		assert.Equal(t, uint(1), ranked[3].ID)
	})
}

func TestAllocate(t *testing.T) {
	ctx := context.Background()

	t.Run("saturated single sender yields none available", func(t *testing.T) {
		a, store := newAllocator(nil, newSender(1, 100, 10, 10))

		_, err := a.Allocate(ctx, campaignWithPool(1))
		assert.ErrorIs(t, err, ErrNoSenderAvailable)
		assert.Equal(t, 10, store.senders[1].SendsToday)
	})

	t.Run("reserves on the best candidate", func(t *testing.T) {
		a, store := newAllocator(nil, newSender(1, 60, 100, 0), newSender(2, 95, 100, 10))

		got, err := a.Allocate(ctx, campaignWithPool(1, 2))
		require.NoError(t, err)
		assert.Equal(t, uint(2), got.ID)
		assert.Equal(t, 11, store.senders[2].SendsToday)
		assert.Equal(t, 0, store.senders[1].SendsToday)
	})

	t.Run("skips unavailable senders", func(t *testing.T) {
		unverified := newSender(2, 100, 100, 0)
		unverified.IsVerified = false
		a, _ := newAllocator(nil, newSender(1, 40, 100, 90), unverified)

		got, err := a.Allocate(ctx, campaignWithPool(1, 2))
		require.NoError(t, err)
		assert.Equal(t, uint(1), got.ID)
	})

	t.Run("empty pool falls back to the owner's verified senders", func(t *testing.T) {
		a, _ := newAllocator(directory{7: {5}}, newSender(5, 100, 100, 0))

		got, err := a.Allocate(ctx, campaignWithPool())
		require.NoError(t, err)
		assert.Equal(t, uint(5), got.ID)
	})

	t.Run("owner without senders", func(t *testing.T) {
		a, _ := newAllocator(directory{})
		_, err := a.Allocate(ctx, campaignWithPool())
		assert.ErrorIs(t, err, ErrNoSenderAvailable)
	})
}

func TestAllocateConcurrent(t *testing.T) {
	ctx := context.Background()
	a, store := newAllocator(nil, newSender(1, 100, 3, 0), newSender(2, 90, 4, 0))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted = map[uint]int{}
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := a.Allocate(ctx, campaignWithPool(1, 2))
			if err == nil {
				mu.Lock()
				granted[s.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, granted[1])
	assert.Equal(t, 4, granted[2])
	assert.Equal(t, 3, store.senders[1].SendsToday)
	assert.Equal(t, 4, store.senders[2].SendsToday)
}
