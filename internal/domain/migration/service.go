package migration

import (
	"context"

	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/object"
	"github.com/eriklieben/streamshift/internal/domain/stream"
)

// A Service takes care of the persistence of migration Records
type Service interface {
	// Get retrieves the record for an entity, or NotFound
	Get(ctx context.Context, obj object.Identifier) (*Record, error)

	// Create persists a brand new record; AlreadyExists if one is present
	Create(ctx context.Context, record *Record) error

	// Update replaces the record. Last write wins; the distributed lock is
	// what serializes writers of a given record.
	Update(ctx context.Context, record *Record) error

	// Delete removes a terminal record so a fresh migration can start.
	// Deleting an absent record is not an error.
	Delete(ctx context.Context, obj object.Identifier) error

	// ListResumable returns non-terminal records up to limit, for the
	// sweeper to pick up. A returned record may still be actively worked
	// on; re-entry on those bounces off the per-entity lock.
	ListResumable(ctx context.Context, limit int) ([]Record, error)
}

// A BackendResolver maps a document's backend ref to a live storage backend
type BackendResolver interface {
	Resolve(ref document.BackendRef) (stream.Backend, error)
}

// BackendMap is the map-backed BackendResolver used by wiring code
type BackendMap map[document.BackendRef]stream.Backend

func (m BackendMap) Resolve(ref document.BackendRef) (stream.Backend, error) {
	if backend, ok := m[ref]; ok {
		return backend, nil
	}
	return nil, UnknownBackend{Ref: ref}
}

// BackupHandle points at a backup artifact
type BackupHandle string

// A BackupProvider snapshots a stream before migration. Optional; the saga
// skips the step when none is configured.
type BackupProvider interface {
	Backup(ctx context.Context, id object.StreamId) (BackupHandle, error)
	Restore(ctx context.Context, handle BackupHandle) error
}

// A Verifier compares source and target after the copy loop. Optional.
// A mismatch must be returned as VerificationMismatch.
type Verifier interface {
	Verify(ctx context.Context, source *stream.EventStream, target *stream.EventStream) error
}

// A BookCloser performs archival side effects after cutover, beyond sealing.
// Optional.
type BookCloser interface {
	BookClose(ctx context.Context, obj object.Identifier, sealed object.StreamId) error
}

// An AdmissionController can hold writers off an entity out of band. Used
// only by the PauseSource convergence policy; how writes are actually held is
// deployment specific, so this stays pluggable.
type AdmissionController interface {
	PauseWrites(ctx context.Context, obj object.Identifier) error
	ResumeWrites(ctx context.Context, obj object.Identifier) error
}

// NoopAdmission is the default AdmissionController; it holds nobody
type NoopAdmission struct{}

func (NoopAdmission) PauseWrites(_ context.Context, _ object.Identifier) error  { return nil }
func (NoopAdmission) ResumeWrites(_ context.Context, _ object.Identifier) error { return nil }
