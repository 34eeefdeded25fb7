package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eriklieben/streamshift/internal/domain/lock"
)

type lease struct {
	owner     lock.Owner
	expiresAt time.Time
	ttl       time.Duration
}

// LockProvider is an in-memory lease-based lock.Provider. Expired leases may
// be taken over; releases are idempotent.
type LockProvider struct {
	mu     sync.Mutex
	leases map[lock.Key]*lease
	getUTC func() time.Time // for mocking
}

// For testing
func (p *LockProvider) SetUTCGetter(getter func() time.Time) {
	p.getUTC = getter
}

func NewLockProvider() *LockProvider {
	return &LockProvider{
		leases: make(map[lock.Key]*lease),
		getUTC: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func newOwner() lock.Owner {
	return lock.Owner(strings.ReplaceAll(uuid.New().String(), "-", ""))
}

func (p *LockProvider) Acquire(ctx context.Context, key lock.Key, ttl time.Duration) (*lock.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.getUTC()
	if existing, ok := p.leases[key]; ok && existing.expiresAt.After(now) {
		return nil, lock.Unavailable{Key: key, HeldBy: existing.owner}
	}
	owner := newOwner()
	expiresAt := now.Add(ttl)
	p.leases[key] = &lease{owner: owner, expiresAt: expiresAt, ttl: ttl}
	return &lock.Handle{Key: key, Owner: owner, ExpiresAt: expiresAt}, nil
}

func (p *LockProvider) Renew(ctx context.Context, handle *lock.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.getUTC()
	existing, ok := p.leases[handle.Key]
	if !ok || existing.owner != handle.Owner || !existing.expiresAt.After(now) {
		return lock.NotHeld{Key: handle.Key}
	}
	existing.expiresAt = now.Add(existing.ttl)
	handle.ExpiresAt = existing.expiresAt
	return nil
}

func (p *LockProvider) Release(ctx context.Context, handle *lock.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.leases[handle.Key]; ok && existing.owner == handle.Owner {
		delete(p.leases, handle.Key)
	}
	return nil
}
