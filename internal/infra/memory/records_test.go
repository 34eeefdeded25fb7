package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eriklieben/streamshift/internal/domain/migration"
	"github.com/eriklieben/streamshift/internal/domain/object"
)

func TestRecordStore_ListResumable(t *testing.T) {
	subject := NewRecordStore()
	seed := func(id string, status migration.Status) {
		assert.NoError(t, subject.Create(ctx, &migration.Record{
			Object: object.Identifier{Name: "account", Id: object.Id(id)},
			Status: status,
		}))
	}
	seed("1", migration.Pending)
	// still held by a live orchestrator; the per-entity lock keeps a
	// re-entering sweeper out, not this listing
	seed("2", migration.InProgress)
	seed("3", migration.Cancelled)
	seed("4", migration.Completed)
	seed("5", migration.RolledBack)

	out, err := subject.ListResumable(ctx, 10)
	assert.NoError(t, err)
	ids := make([]string, 0, len(out))
	for _, record := range out {
		ids = append(ids, string(record.Object.Id))
	}
	assert.EqualValues(t, []string{"1", "2", "3"}, ids)

	out, err = subject.ListResumable(ctx, 2)
	assert.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestRecordStore_CrudRoundTrip(t *testing.T) {
	subject := NewRecordStore()
	obj := object.Identifier{Name: "account", Id: "123"}

	_, err := subject.Get(ctx, obj)
	assert.IsType(t, migration.NotFound{}, err)

	record := &migration.Record{Object: obj, Status: migration.Pending}
	assert.NoError(t, subject.Create(ctx, record))
	assert.IsType(t, migration.AlreadyExists{}, subject.Create(ctx, record))

	record.Status = migration.InProgress
	assert.NoError(t, subject.Update(ctx, record))
	fetched, err := subject.Get(ctx, obj)
	assert.NoError(t, err)
	assert.EqualValues(t, migration.InProgress, fetched.Status)

	assert.NoError(t, subject.Delete(ctx, obj))
	// deleting an absent record is not an error
	assert.NoError(t, subject.Delete(ctx, obj))
	_, err = subject.Get(ctx, obj)
	assert.IsType(t, migration.NotFound{}, err)
}
