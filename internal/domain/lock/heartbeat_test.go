package lock

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var ctx = context.Background()

// mockProvider scripts Acquire and Renew behavior per call
type mockProvider struct {
	mu          sync.Mutex
	acquireErrs []error
	renewErrs   []error
	acquires    int
	renews      int
}

func (m *mockProvider) Acquire(_ context.Context, key Key, ttl time.Duration) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.acquires < len(m.acquireErrs) {
		err = m.acquireErrs[m.acquires]
	}
	m.acquires++
	if err != nil {
		return nil, err
	}
	return &Handle{Key: key, Owner: "tester", ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

func (m *mockProvider) Renew(_ context.Context, handle *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.renews < len(m.renewErrs) {
		err = m.renewErrs[m.renews]
	}
	m.renews++
	if err != nil {
		return err
	}
	handle.ExpiresAt = time.Now().UTC().Add(time.Minute)
	return nil
}

func (m *mockProvider) Release(_ context.Context, _ *Handle) error {
	return nil
}

func (m *mockProvider) renewCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renews
}

// waitFor polls the condition until it holds or the deadline passes
func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAcquireWithTimeout_Immediate(t *testing.T) {
	provider := &mockProvider{}
	handle, err := AcquireWithTimeout(ctx, provider, "migration/account/1", time.Minute, 50*time.Millisecond, time.Millisecond)
	assert.NoError(t, err)
	assert.EqualValues(t, "migration/account/1", handle.Key)
	assert.EqualValues(t, 1, provider.acquires)
}

func TestAcquireWithTimeout_RetriesUnavailable(t *testing.T) {
	provider := &mockProvider{acquireErrs: []error{
		Unavailable{Key: "migration/account/1", HeldBy: "other"},
		Unavailable{Key: "migration/account/1", HeldBy: "other"},
	}}
	handle, err := AcquireWithTimeout(ctx, provider, "migration/account/1", time.Minute, time.Second, time.Millisecond)
	assert.NoError(t, err)
	assert.NotNil(t, handle)
	assert.EqualValues(t, 3, provider.acquires)
}

func TestAcquireWithTimeout_TimesOut(t *testing.T) {
	unavailable := Unavailable{Key: "migration/account/1", HeldBy: "other"}
	provider := &mockProvider{acquireErrs: []error{
		unavailable, unavailable, unavailable, unavailable, unavailable,
		unavailable, unavailable, unavailable, unavailable, unavailable,
	}}
	_, err := AcquireWithTimeout(ctx, provider, "migration/account/1", time.Minute, 10*time.Millisecond, 5*time.Millisecond)
	assert.IsType(t, Unavailable{}, err)
}

func TestAcquireWithTimeout_OtherErrorsAreFatal(t *testing.T) {
	provider := &mockProvider{acquireErrs: []error{fmt.Errorf("boom")}}
	_, err := AcquireWithTimeout(ctx, provider, "migration/account/1", time.Minute, time.Second, time.Millisecond)
	assert.EqualError(t, err, "boom")
	assert.EqualValues(t, 1, provider.acquires)
}

func TestAcquireWithTimeout_ContextCancelled(t *testing.T) {
	provider := &mockProvider{acquireErrs: []error{
		Unavailable{Key: "migration/account/1", HeldBy: "other"},
	}}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := AcquireWithTimeout(cancelled, provider, "migration/account/1", time.Minute, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHeartbeater_RenewsUntilStopped(t *testing.T) {
	provider := &mockProvider{}
	handle := &Handle{Key: "migration/account/1", Owner: "tester"}
	subject := NewHeartbeater(provider, handle, time.Millisecond)

	subject.Start(ctx)
	waitFor(t, func() bool { return provider.renewCount() >= 3 })
	subject.Stop()

	assert.False(t, subject.Lost())
	renewsAtStop := provider.renewCount()
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, renewsAtStop, provider.renewCount())
}

func TestHeartbeater_LostLease(t *testing.T) {
	provider := &mockProvider{renewErrs: []error{NotHeld{Key: "migration/account/1"}}}
	handle := &Handle{Key: "migration/account/1", Owner: "tester"}
	subject := NewHeartbeater(provider, handle, time.Millisecond)

	subject.Start(ctx)
	waitFor(t, subject.Lost)
	subject.Stop()

	// renewals stopped after the loss
	assert.EqualValues(t, 1, provider.renewCount())
}

func TestHeartbeater_TransientErrorsKeepRenewing(t *testing.T) {
	provider := &mockProvider{renewErrs: []error{fmt.Errorf("network blip")}}
	handle := &Handle{Key: "migration/account/1", Owner: "tester"}
	subject := NewHeartbeater(provider, handle, time.Millisecond)

	subject.Start(ctx)
	waitFor(t, func() bool { return provider.renewCount() >= 2 })
	subject.Stop()

	assert.False(t, subject.Lost())
}

func TestHeartbeater_Stop_Idempotent(t *testing.T) {
	provider := &mockProvider{}
	subject := NewHeartbeater(provider, &Handle{Key: "migration/account/1"}, time.Millisecond)

	subject.Start(ctx)
	subject.Stop()
	subject.Stop()
}
