// stream contains the event stream engine: the storage backend contract,
// sessions with optimistic-concurrency commits, and the redirecting writer
// that follows stream closures across migrations.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/eriklieben/streamshift/internal/domain/event"
	"github.com/eriklieben/streamshift/internal/domain/object"
)

// Constraint is the existence check applied when opening a session
type Constraint uint8

const (
	// New requires that the stream does not exist yet
	New Constraint = iota
	// Existing requires that the stream already exists
	Existing
	// Loose opens regardless of prior existence
	Loose

	// Do not edit these
	constraintNew      string = "new"
	constraintExisting string = "existing"
	constraintLoose    string = "loose"
)

var constraintToString = map[Constraint]string{
	New:      constraintNew,
	Existing: constraintExisting,
	Loose:    constraintLoose,
}

var constraintToId = map[string]Constraint{
	constraintNew:      New,
	constraintExisting: Existing,
	constraintLoose:    Loose,
}

func (c Constraint) String() string {
	return constraintToString[c]
}

// MarshalJSON marshals the enum as a quoted json string
func (c Constraint) MarshalJSON() ([]byte, error) {
	buffer := bytes.NewBufferString(`"`)
	buffer.WriteString(constraintToString[c])
	buffer.WriteString(`"`)
	return buffer.Bytes(), nil
}

// UnmarshalJSON unmarshals a quoted json string to the enum value
func (c *Constraint) UnmarshalJSON(b []byte) error {
	var j string
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	if found, ok := constraintToId[j]; ok {
		*c = found
		return nil
	}
	return fmt.Errorf("invalid constraint: [%s]", string(b))
}

// <-- Domain Errors

// ConcurrencyConflict is returned when an append's expected version does not
// match the stream's current version. Always recoverable by re-reading and
// retrying; the engine never retries it blindly.
type ConcurrencyConflict struct {
	Stream   object.StreamId
	Expected object.Version
}

func (e ConcurrencyConflict) Error() string {
	return fmt.Sprintf("Expected version [%d] did not match the current version of stream [%s]", e.Expected, e.Stream)
}

// Closed is returned when appending to a sealed stream. It carries the
// continuation so callers can redirect.
type Closed struct {
	Stream       object.StreamId
	Continuation object.StreamId
}

func (e Closed) Error() string {
	return fmt.Sprintf("Stream [%s] is closed; writes continue on [%s]", e.Stream, e.Continuation)
}

// NotFound is returned when opening a session with the Existing constraint
// against a stream that does not exist
type NotFound struct {
	Stream object.StreamId
}

func (e NotFound) Error() string {
	return fmt.Sprintf("Stream [%s] does not exist", e.Stream)
}

// AlreadyExists is returned when opening a session with the New constraint
// against a stream that exists
type AlreadyExists struct {
	Stream object.StreamId
}

func (e AlreadyExists) Error() string {
	return fmt.Sprintf("Stream [%s] already exists", e.Stream)
}

// SessionCommitted is returned when appending to or committing an
// already-committed session
type SessionCommitted struct {
	Stream object.StreamId
}

func (e SessionCommitted) Error() string {
	return fmt.Sprintf("Session on stream [%s] has already been committed", e.Stream)
}

// ReservedType is returned when a business append carries an engine-owned
// event type
type ReservedType struct {
	Type event.Type
}

func (e ReservedType) Error() string {
	return fmt.Sprintf("Event type [%s] is reserved for the engine", e.Type)
}

// HopLimitExceeded is returned when the redirecting writer chased more
// continuations than allowed
type HopLimitExceeded struct {
	Object   object.Identifier
	HopLimit int
	Last     Closed
}

func (e HopLimitExceeded) Error() string {
	return fmt.Sprintf("Gave up redirecting writes for [%v] after [%d] hops; last closure pointed at [%s]", e.Object, e.HopLimit, e.Last.Continuation)
}

// BrokenContinuation is returned when a closure chain loops or contradicts
// the routing document. This is an integrity error and requires operator
// intervention.
type BrokenContinuation struct {
	Object object.Identifier
	Stream object.StreamId
}

func (e BrokenContinuation) Error() string {
	return fmt.Sprintf("Continuation chain for [%v] is broken at stream [%s]", e.Object, e.Stream)
}

//     Errors -->
