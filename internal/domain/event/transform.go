package event

import "fmt"

// TransformHook upcasts events during catch-up copying. Implementations are
// built once at registration time (e.g. by generated mapping code) and passed
// in by handle; the engine never discovers transforms at runtime.
//
// Transform may produce zero or more output events for one input; the copier
// preserves the causal order of inputs, so outputs of earlier inputs always
// precede outputs of later ones.
type TransformHook interface {
	CanTransform(eventType Type, schemaVersion SchemaVersion) bool
	Transform(e Event) ([]Event, error)
}

// TransformFunc produces the upcast form of a single event
type TransformFunc func(e Event) ([]Event, error)

type transformKey struct {
	eventType     Type
	schemaVersion SchemaVersion
}

// TransformTable is a TransformHook backed by an immutable lookup table keyed
// on (event type, schema version).
type TransformTable struct {
	entries map[transformKey]TransformFunc
}

// TransformTableBuilder accumulates registrations for a TransformTable
type TransformTableBuilder struct {
	entries map[transformKey]TransformFunc
}

func NewTransformTableBuilder() *TransformTableBuilder {
	return &TransformTableBuilder{entries: make(map[transformKey]TransformFunc)}
}

// Register adds a transform for the given event type and schema version.
// Registering the same pair twice returns an error; a table is constructed
// once and never mutated after.
func (b *TransformTableBuilder) Register(eventType Type, schemaVersion SchemaVersion, f TransformFunc) error {
	if eventType.IsReserved() {
		return fmt.Errorf("cannot register a transform for reserved event type [%s]", eventType)
	}
	key := transformKey{eventType: eventType, schemaVersion: schemaVersion}
	if _, ok := b.entries[key]; ok {
		return fmt.Errorf("transform already registered for [%s] schema version [%d]", eventType, schemaVersion)
	}
	b.entries[key] = f
	return nil
}

// Build returns the immutable table
func (b *TransformTableBuilder) Build() *TransformTable {
	entries := make(map[transformKey]TransformFunc, len(b.entries))
	for k, v := range b.entries {
		entries[k] = v
	}
	return &TransformTable{entries: entries}
}

func (t *TransformTable) CanTransform(eventType Type, schemaVersion SchemaVersion) bool {
	_, ok := t.entries[transformKey{eventType: eventType, schemaVersion: schemaVersion}]
	return ok
}

func (t *TransformTable) Transform(e Event) ([]Event, error) {
	f, ok := t.entries[transformKey{eventType: e.Type, schemaVersion: e.SchemaVersion}]
	if !ok {
		// pass-through for unregistered types
		return []Event{e}, nil
	}
	return f(e)
}
