// lock contains the distributed lock contract guarding per-entity migrations.
// Locks are lease-based: a handle expires unless renewed by heartbeat, so a
// dead orchestrator cannot block an entity forever.
package lock

import (
	"context"
	"fmt"
	"time"
)

// Key names the resource being locked, e.g. one entity's migration
type Key string

// Owner identifies the process holding a lease
type Owner string

// Handle is an acquired lease. ExpiresAt advances on every successful renew.
type Handle struct {
	Key       Key
	Owner     Owner
	ExpiresAt time.Time
}

// A Provider implements lease-based mutual exclusion. Only the contract lives
// in the domain; concrete lease backends are infra.
type Provider interface {
	// Acquire attempts to take the lease for key with the given time to
	// live. Returns Unavailable if another owner holds an unexpired lease.
	// Expired leases may be taken over.
	Acquire(ctx context.Context, key Key, ttl time.Duration) (*Handle, error)

	// Renew extends the lease. Returns NotHeld if the lease has expired or
	// was taken over by another owner; the caller must stop assuming mutual
	// exclusion immediately.
	Renew(ctx context.Context, handle *Handle) error

	// Release gives the lease up. Idempotent: releasing an expired, already
	// released, or usurped lease is not an error.
	Release(ctx context.Context, handle *Handle) error
}

// AcquireWithTimeout polls Acquire with the given backoff until it succeeds
// or the timeout elapses, returning Unavailable on timeout. This is the
// fail-fast entry point the migration saga uses.
func AcquireWithTimeout(ctx context.Context, provider Provider, key Key, ttl time.Duration, timeout time.Duration, backoff time.Duration) (*Handle, error) {
	deadline := time.Now().Add(timeout)
	for {
		handle, err := provider.Acquire(ctx, key, ttl)
		if err == nil {
			return handle, nil
		}
		if _, unavailable := err.(Unavailable); !unavailable {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// <-- Domain Errors

// Unavailable is returned when the lease is held by another owner
type Unavailable struct {
	Key    Key
	HeldBy Owner
}

func (e Unavailable) Error() string {
	return fmt.Sprintf("Lock [%s] is held by [%s]", e.Key, e.HeldBy)
}

// NotHeld is returned when renewing a lease that is no longer ours
type NotHeld struct {
	Key Key
}

func (e NotHeld) Error() string {
	return fmt.Sprintf("Lock [%s] is no longer held", e.Key)
}

//     Errors -->
