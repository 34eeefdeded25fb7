package stream

import (
	"context"
	"time"

	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/event"
	"github.com/eriklieben/streamshift/internal/domain/object"
)

// DefaultReadPageSize is the page size used by Read iterators unless
// overridden
const DefaultReadPageSize = 256

// EventStream owns one entity's event sequence on a single stream. It opens
// sessions, reads lazily, and seals the stream with a closure event; it never
// follows continuations itself (see Writer for that).
type EventStream struct {
	object   object.Identifier
	id       object.StreamId
	backend  Backend
	routing  *document.RoutingTable // optional; enables advisory metadata updates
	pageSize int
	getUTC   func() time.Time // for mocking
}

// For testing
func (s *EventStream) SetUTCGetter(getter func() time.Time) {
	s.getUTC = getter
}

// Open binds an EventStream to a stream id. routing may be nil, in which case
// successful commits do not update document metadata.
func Open(backend Backend, routing *document.RoutingTable, obj object.Identifier, id object.StreamId) *EventStream {
	return &EventStream{
		object:   obj,
		id:       id,
		backend:  backend,
		routing:  routing,
		pageSize: DefaultReadPageSize,
		getUTC: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Id returns the stream id this EventStream is bound to
func (s *EventStream) Id() object.StreamId {
	return s.id
}

// Object returns the entity this EventStream belongs to
func (s *EventStream) Object() object.Identifier {
	return s.object
}

// NextVersion returns the version the next append would receive
func (s *EventStream) NextVersion(ctx context.Context) (object.Version, error) {
	return s.backend.NextVersion(ctx, s.id)
}

// Tail returns the last event in the stream along with its version, or
// (nil, 0, nil) for an empty stream.
func (s *EventStream) Tail(ctx context.Context) (*event.Event, object.Version, error) {
	next, err := s.backend.NextVersion(ctx, s.id)
	if err != nil {
		return nil, 0, err
	}
	if next == 0 {
		return nil, 0, nil
	}
	last := next - 1
	page, err := s.backend.ReadPage(ctx, s.id, last, 1)
	if err != nil {
		return nil, 0, err
	}
	if len(page) == 0 {
		return nil, 0, nil
	}
	tail := page[0]
	return &tail, last, nil
}

// closedError inspects the tail and, if the stream is sealed, returns the
// corresponding Closed error
func (s *EventStream) closedError(ctx context.Context) (*Closed, error) {
	tail, _, err := s.Tail(ctx)
	if err != nil {
		return nil, err
	}
	if tail == nil || !tail.IsClosure() {
		return nil, nil
	}
	continuation, err := event.Continuation(tail)
	if err != nil {
		return nil, err
	}
	return &Closed{Stream: s.id, Continuation: continuation}, nil
}

// OpenSession starts a buffered append session against the stream.
//
// The constraint is checked at open time: New fails with AlreadyExists when
// the stream has events, Existing fails with NotFound when it has none. A
// sealed stream fails with Closed regardless of constraint.
func (s *EventStream) OpenSession(ctx context.Context, constraint Constraint) (*Session, error) {
	next, err := s.backend.NextVersion(ctx, s.id)
	if err != nil {
		return nil, err
	}
	switch constraint {
	case New:
		if next > 0 {
			return nil, AlreadyExists{Stream: s.id}
		}
	case Existing:
		if next == 0 {
			return nil, NotFound{Stream: s.id}
		}
	}
	if next > 0 {
		closed, err := s.closedError(ctx)
		if err != nil {
			return nil, err
		}
		if closed != nil {
			return nil, *closed
		}
	}
	return &Session{stream: s, base: next}, nil
}

// Close seals the stream with the reserved closure event, pointing writers at
// continuation. expected must be the stream's converged next version; if new
// events arrived since it was observed the close fails with
// ConcurrencyConflict (or Closed if someone else sealed it first) and the
// stream is NOT sealed.
//
// On success the closure event occupies version expected and the stream
// permanently refuses business appends.
func (s *EventStream) Close(ctx context.Context, continuation object.StreamId, expected object.Version) (object.Version, error) {
	closure := event.NewClosure(continuation, s.getUTC())
	newNext, err := s.backend.Append(ctx, s.id, expected, []event.Event{closure})
	if err != nil {
		if _, conflict := err.(ConcurrencyConflict); conflict {
			closed, cerr := s.closedError(ctx)
			if cerr != nil {
				return 0, cerr
			}
			if closed != nil {
				return 0, *closed
			}
		}
		return 0, err
	}
	return newNext, nil
}

// Read returns a lazy iterator over versions [from, to). A nil to reads to
// the end of the stream. History is paged in; nothing unbounded is held in
// memory.
func (s *EventStream) Read(from object.Version, to *object.Version) *Iterator {
	return &Iterator{
		stream:   s,
		next:     from,
		to:       to,
		pageSize: s.pageSize,
	}
}

// Versioned pairs an event with its assigned version
type Versioned struct {
	Version object.Version
	Event   event.Event
}

// Iterator lazily pages through a stream's events
type Iterator struct {
	stream   *EventStream
	next     object.Version
	to       *object.Version
	pageSize int
	buffer   []event.Event
	offset   int
	done     bool
}

// Next returns the next event, or (nil, nil) once the range is exhausted
func (it *Iterator) Next(ctx context.Context) (*Versioned, error) {
	if it.done {
		return nil, nil
	}
	if it.to != nil && it.next >= *it.to {
		it.done = true
		return nil, nil
	}
	if it.offset >= len(it.buffer) {
		limit := it.pageSize
		if it.to != nil {
			if span := uint64(*it.to - it.next); span < uint64(limit) {
				limit = int(span)
			}
		}
		page, err := it.stream.backend.ReadPage(ctx, it.stream.id, it.next, limit)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			it.done = true
			return nil, nil
		}
		it.buffer = page
		it.offset = 0
	}
	e := it.buffer[it.offset]
	v := it.next
	it.offset++
	it.next++
	return &Versioned{Version: v, Event: e}, nil
}

// Session buffers appends against the version observed at open time and
// commits them in a single all-or-nothing batch.
type Session struct {
	stream    *EventStream
	base      object.Version
	buffered  []event.Event
	committed bool
}

// ExpectedVersion returns the next version observed when the session was
// opened; the commit's compare-and-swap runs against it
func (s *Session) ExpectedVersion() object.Version {
	return s.base
}

// Append buffers an event and returns the version it will receive on commit.
// No I/O happens here. Reserved event types are rejected.
func (s *Session) Append(e event.Event) (object.Version, error) {
	if s.committed {
		return 0, SessionCommitted{Stream: s.stream.id}
	}
	if e.Type.IsReserved() {
		return 0, ReservedType{Type: e.Type}
	}
	assigned := s.base + object.Version(len(s.buffered))
	s.buffered = append(s.buffered, e)
	return assigned, nil
}

// Commit submits the buffered events with the expected version observed at
// open. The batch is all-or-nothing.
//
// A compare-and-swap miss surfaces as Closed when the stream was sealed in
// the meantime, otherwise as ConcurrencyConflict; neither is retried here.
// Returns the stream's new next version.
func (s *Session) Commit(ctx context.Context) (object.Version, error) {
	if s.committed {
		return 0, SessionCommitted{Stream: s.stream.id}
	}
	if len(s.buffered) == 0 {
		s.committed = true
		return s.base, nil
	}
	newNext, err := s.stream.backend.Append(ctx, s.stream.id, s.base, s.buffered)
	if err != nil {
		if _, conflict := err.(ConcurrencyConflict); conflict {
			closed, cerr := s.stream.closedError(ctx)
			if cerr == nil && closed != nil {
				return 0, *closed
			}
		}
		return 0, err
	}
	s.committed = true
	if s.stream.routing != nil {
		s.stream.routing.RecordLastVersion(ctx, s.stream.object, s.stream.id, newNext-1)
	}
	return newNext, nil
}
