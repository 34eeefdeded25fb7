package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransformTableBuilder_Register(t *testing.T) {
	builder := NewTransformTableBuilder()

	err := builder.Register("account.opened", 1, func(e Event) ([]Event, error) {
		return []Event{e}, nil
	})
	assert.NoError(t, err)

	// same (type, schema version) pair twice
	err = builder.Register("account.opened", 1, func(e Event) ([]Event, error) {
		return []Event{e}, nil
	})
	assert.Error(t, err)

	// same type, different schema version is fine
	err = builder.Register("account.opened", 2, func(e Event) ([]Event, error) {
		return []Event{e}, nil
	})
	assert.NoError(t, err)
}

func TestTransformTableBuilder_Register_Reserved(t *testing.T) {
	builder := NewTransformTableBuilder()
	err := builder.Register(TypeStreamClosed, 1, func(e Event) ([]Event, error) {
		return []Event{e}, nil
	})
	assert.Error(t, err)
}

func TestTransformTable_PassThrough(t *testing.T) {
	table := NewTransformTableBuilder().Build()

	original := Event{Type: "account.opened", SchemaVersion: 1, Payload: []byte(`{"a":1}`)}
	assert.False(t, table.CanTransform(original.Type, original.SchemaVersion))

	out, err := table.Transform(original)
	assert.NoError(t, err)
	assert.EqualValues(t, []Event{original}, out)
}

func TestTransformTable_Upcast(t *testing.T) {
	builder := NewTransformTableBuilder()
	err := builder.Register("account.deposited", 1, func(e Event) ([]Event, error) {
		upcast := e
		upcast.SchemaVersion = 2
		upcast.Payload = append(e.Payload[:len(e.Payload):len(e.Payload)], []byte("+")...)
		return []Event{upcast}, nil
	})
	assert.NoError(t, err)
	table := builder.Build()

	assert.True(t, table.CanTransform("account.deposited", 1))
	assert.False(t, table.CanTransform("account.deposited", 2))

	out, err := table.Transform(Event{Type: "account.deposited", SchemaVersion: 1, Payload: []byte("v1")})
	assert.NoError(t, err)
	assert.Len(t, out, 1)
	assert.EqualValues(t, 2, out[0].SchemaVersion)
	assert.EqualValues(t, "v1+", string(out[0].Payload))
}

func TestTransformTable_OneToMany(t *testing.T) {
	builder := NewTransformTableBuilder()
	err := builder.Register("account.batch", 1, func(e Event) ([]Event, error) {
		return []Event{
			{Type: "account.deposited", SchemaVersion: 1, Payload: e.Payload},
			{Type: "account.credited", SchemaVersion: 1, Payload: e.Payload},
		}, nil
	})
	assert.NoError(t, err)
	table := builder.Build()

	out, err := table.Transform(Event{Type: "account.batch", SchemaVersion: 1})
	assert.NoError(t, err)
	assert.Len(t, out, 2)
	assert.EqualValues(t, "account.deposited", out[0].Type)
	assert.EqualValues(t, "account.credited", out[1].Type)
}

func TestTransformTable_BuildIsImmutable(t *testing.T) {
	builder := NewTransformTableBuilder()
	table := builder.Build()

	// registrations after Build do not leak into the built table
	err := builder.Register("account.opened", 1, func(e Event) ([]Event, error) {
		return nil, nil
	})
	assert.NoError(t, err)
	assert.False(t, table.CanTransform("account.opened", 1))
}
