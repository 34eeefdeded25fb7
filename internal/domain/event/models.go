// event contains the event model. Events are immutable value objects; the
// engine treats business payloads as opaque bytes and owns exactly one event
// type itself: the stream closure event.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eriklieben/streamshift/internal/domain/object"
)

// Type identifies the kind of an event, e.g. "account.opened"
type Type string

// SchemaVersion is the schema revision of an event type, used to pick upcast
// transforms during migration
type SchemaVersion uint

// Metadata carries free-form key-value annotations on an event
type Metadata map[string]string

// ReservedPrefix marks event types owned by the engine. Business events may
// not use it.
const ReservedPrefix = "$"

// TypeStreamClosed is the reserved terminal event that seals a stream and
// points at its continuation
const TypeStreamClosed Type = "$stream.closed"

// IsReserved returns true for engine-owned event types
func (t Type) IsReserved() bool {
	return len(t) > 0 && string(t[0]) == ReservedPrefix
}

// Event is a single immutable entry in a stream
type Event struct {
	Type          Type
	SchemaVersion SchemaVersion
	Payload       []byte
	OccurredAt    time.Time
	Metadata      Metadata
}

// IsClosure returns true if this event is the reserved stream closure event
func (e *Event) IsClosure() bool {
	return e.Type == TypeStreamClosed
}

// closurePayload is the JSON body of a closure event. The engine owns this
// event type, so its payload format is fixed regardless of what business
// events look like.
type closurePayload struct {
	ContinuationStreamId string `json:"continuation_stream_id"`
}

// NewClosure builds the closure event for a stream, pointing at continuation
func NewClosure(continuation object.StreamId, at time.Time) Event {
	payload, _ := json.Marshal(closurePayload{ContinuationStreamId: string(continuation)})
	return Event{
		Type:          TypeStreamClosed,
		SchemaVersion: 1,
		Payload:       payload,
		OccurredAt:    at,
	}
}

// Continuation extracts the continuation stream id from a closure event
func Continuation(e *Event) (object.StreamId, error) {
	if !e.IsClosure() {
		return "", NotAClosure{Type: e.Type}
	}
	var payload closurePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return "", MalformedClosure{Underlying: err}
	}
	if payload.ContinuationStreamId == "" {
		return "", MalformedClosure{Underlying: fmt.Errorf("empty continuation stream id")}
	}
	return object.StreamId(payload.ContinuationStreamId), nil
}

// NotAClosure is returned when a continuation is requested from a business event
type NotAClosure struct {
	Type Type
}

func (e NotAClosure) Error() string {
	return fmt.Sprintf("Event of type [%s] is not a closure event", e.Type)
}

// MalformedClosure is returned when a closure event's payload cannot be decoded
type MalformedClosure struct {
	Underlying error
}

func (e MalformedClosure) Error() string {
	return fmt.Sprintf("Closure event has a malformed payload: %v", e.Underlying)
}

func (e MalformedClosure) Unwrap() error {
	return e.Underlying
}
