// document contains the routing model: one persisted document per entity
// mapping it to its active stream and recording every terminated stream with
// its continuation pointer.
package document

import (
	"fmt"
	"time"

	"github.com/eriklieben/streamshift/internal/domain/object"
)

// BackendRef names the storage backend a stream lives on, so an entity can be
// relocated between backends
type BackendRef string

// SnapshotRef points at a snapshot artifact for a stream
type SnapshotRef string

// Tag is an opaque compare-and-swap tag assigned by the document store on
// every read and write
type Tag string

// StreamInfo describes the stream an entity currently routes writes to
type StreamInfo struct {
	Stream     object.StreamId `json:"stream"`
	BackendRef BackendRef      `json:"backend_ref"`
	// LastKnownVersion is advisory metadata updated after successful commits;
	// the storage backend remains the source of truth.
	LastKnownVersion object.Version `json:"last_known_version"`
	SnapshotRefs     []SnapshotRef  `json:"snapshot_refs,omitempty"`
}

// TerminatedStream records a sealed stream and where its log continues
type TerminatedStream struct {
	Stream             object.StreamId `json:"stream"`
	TerminationVersion object.Version  `json:"termination_version"`
	Continuation       object.StreamId `json:"continuation"`
	TerminatedAt       time.Time       `json:"terminated_at"`
}

// Document is the persisted routing state of one entity
type Document struct {
	Active     StreamInfo         `json:"active"`
	Terminated []TerminatedStream `json:"terminated,omitempty"`
}

// ContinuationOf returns the continuation recorded for a terminated stream
func (d *Document) ContinuationOf(id object.StreamId) (object.StreamId, bool) {
	for _, t := range d.Terminated {
		if t.Stream == id {
			return t.Continuation, true
		}
	}
	return "", false
}

// IsTerminated returns true if the given stream has been sealed and recorded
func (d *Document) IsTerminated(id object.StreamId) bool {
	_, found := d.ContinuationOf(id)
	return found
}

// Cutover flips the active stream to target and records the old active stream
// as terminated at terminationVersion. Idempotent: cutting over to the
// current active stream is a no-op.
func (d *Document) Cutover(target StreamInfo, terminationVersion object.Version, at time.Time) {
	if d.Active.Stream == target.Stream {
		return
	}
	d.Terminated = append(d.Terminated, TerminatedStream{
		Stream:             d.Active.Stream,
		TerminationVersion: terminationVersion,
		Continuation:       target.Stream,
		TerminatedAt:       at,
	})
	d.Active = target
}

// <-- Domain Errors

// NotFound is returned when no document exists for the given entity
type NotFound struct {
	Object object.Identifier
}

func (e NotFound) Error() string {
	return fmt.Sprintf("No document found for [%v]", e.Object)
}

// AlreadyExists is returned when creating a document for an entity that
// already has one
type AlreadyExists struct {
	Object object.Identifier
}

func (e AlreadyExists) Error() string {
	return fmt.Sprintf("A document already exists for [%v]", e.Object)
}

// Conflict is returned when a compare-and-swap update loses against a
// concurrent writer
type Conflict struct {
	Object object.Identifier
}

func (e Conflict) Error() string {
	return fmt.Sprintf("Document for [%v] was modified concurrently", e.Object)
}

//     Errors -->
