// Package lease provides short-lived exclusive claims on enrollments so that
// concurrent dispatchers never advance the same enrollment twice.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotHeld is returned when releasing a lease that expired or belongs to
// another holder.
var ErrNotHeld = errors.New("lease not held")

// Lease is a granted claim. Token identifies the holder.
type Lease struct {
	Key   string
	Token string
}

// Locker grants leases. Acquire returns ok=false when someone else holds key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, l Lease) error
}

// EnrollmentKey is the lease key for one enrollment.
func EnrollmentKey(enrollmentID uint) string {
	return fmt.Sprintf("lease:enrollment:%d", enrollmentID)
}

func newToken() string {
	return uuid.NewString()
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// Memory is an in-process Locker used when Redis is disabled.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return Lease{}, false, nil
	}
	l := Lease{Key: key, Token: newToken()}
	m.entries[key] = memoryEntry{token: l.Token, expires: now.Add(ttl)}
	return l, true, nil
}

func (m *Memory) Release(_ context.Context, l Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[l.Key]
	if !ok || e.token != l.Token || !m.now().Before(e.expires) {
		return ErrNotHeld
	}
	delete(m.entries, l.Key)
	return nil
}
