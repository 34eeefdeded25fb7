package stream

import (
	"context"

	"github.com/eriklieben/streamshift/internal/domain/event"
	"github.com/eriklieben/streamshift/internal/domain/object"
)

// A Backend persists the events of streams. Implementations must make Append
// atomic (all events or none) and enforce compare-and-swap on the expected
// version; everything else in the engine is built on that guarantee.
//
// Versions are gapless: a stream with n events holds versions 0..n-1 and its
// next version is n. Append succeeds only when expected == next.
type Backend interface {
	// Append appends the given events, assigning them versions
	// expected..expected+len-1, and returns the new next version.
	//
	// Returns ConcurrencyConflict if expected does not match the stream's
	// next version. Partial writes are forbidden.
	Append(ctx context.Context, id object.StreamId, expected object.Version, events []event.Event) (object.Version, error)

	// ReadPage reads up to limit events starting at version from, in version
	// order. An empty result means from is at or past the end of the stream.
	ReadPage(ctx context.Context, id object.StreamId, from object.Version, limit int) ([]event.Event, error)

	// NextVersion returns the version the next append would be assigned,
	// which equals the number of events in the stream. 0 for absent streams.
	NextVersion(ctx context.Context, id object.StreamId) (object.Version, error)

	// Exists returns true if the stream has at least one event
	Exists(ctx context.Context, id object.StreamId) (bool, error)
}
