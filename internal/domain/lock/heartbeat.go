package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Heartbeater renews a lease on a periodic timer until stopped. If a renewal
// reports the lease as lost, the heartbeater stops and flips Lost so the
// owner can abandon its critical section.
type Heartbeater struct {
	provider Provider
	handle   *Handle
	interval time.Duration

	stopped uint32
	lost    uint32
	stop    chan struct{}
	done    chan struct{}
}

func NewHeartbeater(provider Provider, handle *Handle, interval time.Duration) *Heartbeater {
	return &Heartbeater{
		provider: provider,
		handle:   handle,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Lost returns true once a renewal has failed with NotHeld
func (h *Heartbeater) Lost() bool {
	return atomic.LoadUint32(&h.lost) == 1
}

// Start begins renewing in a background goroutine until Stop is called, the
// context is cancelled, or the lease is lost.
func (h *Heartbeater) Start(ctx context.Context) {
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				if err := h.provider.Renew(ctx, h.handle); err != nil {
					if _, notHeld := err.(NotHeld); notHeld {
						log.Error().
							Str("key", string(h.handle.Key)).
							Str("owner", string(h.handle.Owner)).
							Msg("Lease lost; stopping heartbeat")
						atomic.StoreUint32(&h.lost, 1)
						return
					}
					// transient; the lease tolerates missing a beat or two
					log.Warn().Err(err).Str("key", string(h.handle.Key)).Msg("Lease renewal failed, will retry")
				}
			}
		}
	}()
}

// Stop halts renewals and waits for the background goroutine to exit.
// Safe to call more than once.
func (h *Heartbeater) Stop() {
	if atomic.CompareAndSwapUint32(&h.stopped, 0, 1) {
		close(h.stop)
	}
	<-h.done
}
