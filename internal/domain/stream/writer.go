package stream

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/event"
	"github.com/eriklieben/streamshift/internal/domain/object"
)

const (
	// DefaultHopLimit bounds how many continuations a single append will
	// chase through chained migrations
	DefaultHopLimit = 3
	// DefaultConflictRetries bounds plain concurrency-conflict retries per
	// append
	DefaultConflictRetries = 3
)

// WriterSettings tunes the redirecting writer
type WriterSettings struct {
	HopLimit        int
	ConflictRetries int
	BackendRef      document.BackendRef
}

// A Writer appends business events for an entity, transparently following
// stream closures to their continuations. This is what makes a live migration
// invisible to application code: when a commit lands on a sealed stream the
// writer re-reads the routing document, hops to the continuation and reissues
// the append, bounded by the hop limit.
type Writer struct {
	backend  Backend
	routing  *document.RoutingTable
	object   object.Identifier
	settings WriterSettings
}

func NewWriter(backend Backend, routing *document.RoutingTable, obj object.Identifier, settings WriterSettings) *Writer {
	if settings.HopLimit <= 0 {
		settings.HopLimit = DefaultHopLimit
	}
	if settings.ConflictRetries <= 0 {
		settings.ConflictRetries = DefaultConflictRetries
	}
	return &Writer{backend: backend, routing: routing, object: obj, settings: settings}
}

// Append writes the given events as one atomic batch to the entity's active
// stream, creating the routing document on first use. Returns the version
// token of the last event written.
//
// Closed streams are hopped through up to the hop limit; plain concurrency
// conflicts are retried up to the conflict retry budget. Both budgets
// exhausted surface as typed errors.
func (w *Writer) Append(ctx context.Context, events []event.Event) (*object.VersionToken, error) {
	doc, _, err := w.routing.GetOrCreate(ctx, w.object, w.settings.BackendRef)
	if err != nil {
		return nil, err
	}

	current := doc.Active.Stream
	visited := map[object.StreamId]bool{current: true}
	hops := 0
	conflicts := 0

	for {
		newNext, err := w.appendOnce(ctx, current, events)
		if err == nil {
			return &object.VersionToken{
				Name:    w.object.Name,
				Id:      w.object.Id,
				Stream:  current,
				Version: newNext - 1,
			}, nil
		}

		switch e := err.(type) {
		case Closed:
			hops++
			if hops > w.settings.HopLimit {
				return nil, HopLimitExceeded{Object: w.object, HopLimit: w.settings.HopLimit, Last: e}
			}
			next, hopErr := w.nextHop(ctx, e)
			if hopErr != nil {
				return nil, hopErr
			}
			if visited[next] {
				return nil, BrokenContinuation{Object: w.object, Stream: next}
			}
			visited[next] = true
			log.Debug().
				Str("object", w.object.String()).
				Str("closed_stream", string(e.Stream)).
				Str("continuation", string(next)).
				Int("hop", hops).
				Msg("Redirecting append to continuation stream")
			current = next
			conflicts = 0
		case ConcurrencyConflict:
			conflicts++
			if conflicts > w.settings.ConflictRetries {
				return nil, e
			}
		default:
			return nil, err
		}
	}
}

// appendOnce opens a loose session on the given stream and commits the batch
func (w *Writer) appendOnce(ctx context.Context, id object.StreamId, events []event.Event) (object.Version, error) {
	s := Open(w.backend, w.routing, w.object, id)
	session, err := s.OpenSession(ctx, Loose)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		if _, err := session.Append(e); err != nil {
			return 0, err
		}
	}
	return session.Commit(ctx)
}

// nextHop resolves where to redirect after hitting a closed stream. The
// routing document is consulted first (it may already have cut over, possibly
// several streams ahead); the closure's own continuation pointer is the
// fallback for the window between close and routing update.
func (w *Writer) nextHop(ctx context.Context, closed Closed) (object.StreamId, error) {
	doc, _, err := w.routing.Get(ctx, w.object)
	if err != nil {
		if _, notFound := err.(document.NotFound); notFound {
			return closed.Continuation, nil
		}
		return "", err
	}
	if doc.Active.Stream != closed.Stream {
		if continuation, found := doc.ContinuationOf(closed.Stream); found {
			return continuation, nil
		}
		// document routes elsewhere but has no record of this stream at all
		if doc.Active.Stream == closed.Continuation {
			return closed.Continuation, nil
		}
		return "", BrokenContinuation{Object: w.object, Stream: closed.Stream}
	}
	// close happened but routing has not cut over yet
	return closed.Continuation, nil
}
