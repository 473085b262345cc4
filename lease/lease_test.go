package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	l, ok, err := m.Acquire(ctx, EnrollmentKey(1), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "lease:enrollment:1", l.Key)

	_, ok, err = m.Acquire(ctx, EnrollmentKey(1), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = m.Acquire(ctx, EnrollmentKey(2), time.Minute)
	assert.True(t, ok)

	require.NoError(t, m.Release(ctx, l))
	assert.ErrorIs(t, m.Release(ctx, l), ErrNotHeld)

	_, ok, _ = m.Acquire(ctx, EnrollmentKey(1), time.Minute)
	assert.True(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	first, ok, _ := m.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	second, ok, _ := m.Acquire(ctx, "k", time.Minute)
	require.True(t, ok, "expired lease can be taken over")

	assert.ErrorIs(t, m.Release(ctx, first), ErrNotHeld)
	assert.NoError(t, m.Release(ctx, second))
}

func TestMemoryConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var (
		wg  sync.WaitGroup
		won int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := m.Acquire(ctx, "hot", time.Minute); ok {
				atomic.AddInt32(&won, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won)
}
