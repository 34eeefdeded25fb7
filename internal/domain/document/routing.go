package document

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eriklieben/streamshift/internal/domain/object"
)

// metadataUpdateRetries bounds the CAS retry loop for advisory metadata
// updates. Losing all retries is harmless; the backend stays authoritative.
const metadataUpdateRetries = 3

// RoutingTable resolves entities to their active streams and performs the
// cutover bookkeeping at the end of a migration.
type RoutingTable struct {
	store  Store
	getUTC func() time.Time // for mocking
}

// For testing
func (r *RoutingTable) SetUTCGetter(getter func() time.Time) {
	r.getUTC = getter
}

func NewRoutingTable(store Store) *RoutingTable {
	return &RoutingTable{store: store, getUTC: func() time.Time {
		return time.Now().UTC()
	}}
}

// Store exposes the underlying document store
func (r *RoutingTable) Store() Store {
	return r.store
}

// Get returns the entity's document, or NotFound
func (r *RoutingTable) Get(ctx context.Context, obj object.Identifier) (*Document, Tag, error) {
	return r.store.Get(ctx, obj)
}

// GetOrCreate returns the entity's document, lazily creating one with a fresh
// active stream on first use. A create race against another writer is
// resolved by re-reading.
func (r *RoutingTable) GetOrCreate(ctx context.Context, obj object.Identifier, backendRef BackendRef) (*Document, Tag, error) {
	doc, tag, err := r.store.Get(ctx, obj)
	if err == nil {
		return doc, tag, nil
	}
	if _, notFound := err.(NotFound); !notFound {
		return nil, "", err
	}
	fresh := &Document{
		Active: StreamInfo{
			Stream:     object.GenerateStreamId(obj.Name, obj.Id),
			BackendRef: backendRef,
		},
	}
	createdTag, createErr := r.store.Create(ctx, obj, fresh)
	if createErr == nil {
		log.Debug().
			Str("object", obj.String()).
			Str("stream", string(fresh.Active.Stream)).
			Msg("Created routing document")
		return fresh, createdTag, nil
	}
	if _, exists := createErr.(AlreadyExists); exists {
		return r.store.Get(ctx, obj)
	}
	return nil, "", createErr
}

// RecordLastVersion bumps the advisory last known version of the entity's
// active stream. Best effort: CAS losses are retried a few times and then
// given up on without error.
func (r *RoutingTable) RecordLastVersion(ctx context.Context, obj object.Identifier, id object.StreamId, version object.Version) {
	for attempt := 0; attempt < metadataUpdateRetries; attempt++ {
		doc, tag, err := r.store.Get(ctx, obj)
		if err != nil {
			log.Warn().Err(err).Str("object", obj.String()).Msg("Could not read document to record last version")
			return
		}
		if doc.Active.Stream != id || doc.Active.LastKnownVersion >= version {
			return
		}
		doc.Active.LastKnownVersion = version
		if _, err := r.store.Update(ctx, obj, doc, tag); err != nil {
			if _, conflict := err.(Conflict); conflict {
				continue
			}
			log.Warn().Err(err).Str("object", obj.String()).Msg("Could not record last version")
			return
		}
		return
	}
}

// Cutover flips the entity's routing to target, recording the previous active
// stream as terminated at terminationVersion. Idempotent: if routing already
// points at target, nothing is written.
func (r *RoutingTable) Cutover(ctx context.Context, obj object.Identifier, target StreamInfo, terminationVersion object.Version) error {
	for {
		doc, tag, err := r.store.Get(ctx, obj)
		if err != nil {
			return err
		}
		if doc.Active.Stream == target.Stream {
			return nil
		}
		doc.Cutover(target, terminationVersion, r.getUTC())
		if _, err := r.store.Update(ctx, obj, doc, tag); err != nil {
			if _, conflict := err.(Conflict); conflict {
				// concurrent metadata bump; re-read and retry
				continue
			}
			return err
		}
		log.Info().
			Str("object", obj.String()).
			Str("stream", string(target.Stream)).
			Uint64("termination_version", uint64(terminationVersion)).
			Msg("Routing cut over to new stream")
		return nil
	}
}
