package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/eriklieben/streamshift/internal/domain/lock"
)

func TestLockProvider_Acquire_Contention(t *testing.T) {
	subject := NewLockProvider()

	handle, err := subject.Acquire(ctx, "migration/account/1", time.Minute)
	assert.NoError(t, err)
	assert.EqualValues(t, "migration/account/1", handle.Key)

	_, err = subject.Acquire(ctx, "migration/account/1", time.Minute)
	assert.IsType(t, lock.Unavailable{}, err)
	assert.EqualValues(t, handle.Owner, err.(lock.Unavailable).HeldBy)

	// other keys are unaffected
	other, err := subject.Acquire(ctx, "migration/account/2", time.Minute)
	assert.NoError(t, err)
	assert.NotNil(t, other)
}

func TestLockProvider_Acquire_ExpiredTakeover(t *testing.T) {
	subject := NewLockProvider()
	first, err := subject.Acquire(ctx, "migration/account/1", time.Minute)
	assert.NoError(t, err)

	// move the clock past the lease expiry
	subject.SetUTCGetter(func() time.Time { return time.Now().UTC().Add(2 * time.Minute) })

	second, err := subject.Acquire(ctx, "migration/account/1", time.Minute)
	assert.NoError(t, err)
	assert.NotEqual(t, first.Owner, second.Owner)

	// the usurped owner can no longer renew
	assert.IsType(t, lock.NotHeld{}, subject.Renew(ctx, first))
}

func TestLockProvider_Renew(t *testing.T) {
	subject := NewLockProvider()
	handle, err := subject.Acquire(ctx, "migration/account/1", time.Minute)
	assert.NoError(t, err)
	before := handle.ExpiresAt

	time.Sleep(time.Millisecond)
	assert.NoError(t, subject.Renew(ctx, handle))
	assert.True(t, handle.ExpiresAt.After(before))
}

func TestLockProvider_Renew_Expired(t *testing.T) {
	subject := NewLockProvider()
	handle, err := subject.Acquire(ctx, "migration/account/1", time.Minute)
	assert.NoError(t, err)

	subject.SetUTCGetter(func() time.Time { return time.Now().UTC().Add(2 * time.Minute) })
	assert.IsType(t, lock.NotHeld{}, subject.Renew(ctx, handle))
}

func TestLockProvider_Release(t *testing.T) {
	subject := NewLockProvider()
	handle, err := subject.Acquire(ctx, "migration/account/1", time.Minute)
	assert.NoError(t, err)

	assert.NoError(t, subject.Release(ctx, handle))
	// releasing again is not an error
	assert.NoError(t, subject.Release(ctx, handle))

	// and the lock is free for the next taker
	_, err = subject.Acquire(ctx, "migration/account/1", time.Minute)
	assert.NoError(t, err)
}

func TestLockProvider_Release_DoesNotTouchOtherOwners(t *testing.T) {
	subject := NewLockProvider()
	first, err := subject.Acquire(ctx, "migration/account/1", time.Millisecond)
	assert.NoError(t, err)

	subject.SetUTCGetter(func() time.Time { return time.Now().UTC().Add(time.Minute) })
	second, err := subject.Acquire(ctx, "migration/account/1", time.Hour)
	assert.NoError(t, err)

	// a stale handle cannot release the new owner's lease
	assert.NoError(t, subject.Release(ctx, first))
	assert.NoError(t, subject.Renew(ctx, second))
}
