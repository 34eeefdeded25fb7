// memory contains in-process implementations of the engine's external
// contracts. They honor the same semantics as the real infra (CAS appends,
// lease expiry, tagged document updates) and back the unit tests, examples
// and embedded use.
package memory

import (
	"context"
	"sync"

	"github.com/eriklieben/streamshift/internal/domain/event"
	"github.com/eriklieben/streamshift/internal/domain/object"
	"github.com/eriklieben/streamshift/internal/domain/stream"
)

// Backend is an in-memory stream.Backend. Appends are atomic under one mutex,
// which is exactly the all-or-nothing guarantee the contract asks for.
type Backend struct {
	mu      sync.RWMutex
	streams map[object.StreamId][]event.Event
}

func NewBackend() *Backend {
	return &Backend{streams: make(map[object.StreamId][]event.Event)}
}

func (b *Backend) Append(ctx context.Context, id object.StreamId, expected object.Version, events []event.Event) (object.Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current := object.Version(len(b.streams[id]))
	if expected != current {
		return 0, stream.ConcurrencyConflict{Stream: id, Expected: expected}
	}
	b.streams[id] = append(b.streams[id], events...)
	return object.Version(len(b.streams[id])), nil
}

func (b *Backend) ReadPage(ctx context.Context, id object.StreamId, from object.Version, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	all := b.streams[id]
	if uint64(from) >= uint64(len(all)) {
		return nil, nil
	}
	end := int(from) + limit
	if end > len(all) {
		end = len(all)
	}
	page := make([]event.Event, end-int(from))
	copy(page, all[from:end])
	return page, nil
}

func (b *Backend) NextVersion(ctx context.Context, id object.StreamId) (object.Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return object.Version(len(b.streams[id])), nil
}

func (b *Backend) Exists(ctx context.Context, id object.StreamId) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams[id]) > 0, nil
}

// Replace swaps a stream's contents wholesale. Used by the backup provider's
// restore path.
func (b *Backend) Replace(id object.StreamId, events []event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	replacement := make([]event.Event, len(events))
	copy(replacement, events)
	b.streams[id] = replacement
}

// Snapshot returns a copy of a stream's contents
func (b *Backend) Snapshot(id object.StreamId) []event.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]event.Event, len(b.streams[id]))
	copy(out, b.streams[id])
	return out
}
