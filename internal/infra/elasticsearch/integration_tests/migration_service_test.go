// +build integration

package integration_tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/eriklieben/streamshift/internal/domain/migration"
	"github.com/eriklieben/streamshift/internal/domain/object"
	esmigration "github.com/eriklieben/streamshift/internal/infra/elasticsearch/migration"
)

func newRecord(id string, status migration.Status) *migration.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &migration.Record{
		Object:        object.Identifier{Name: "account", Id: object.Id(id)},
		Source:        object.StreamId("account-" + id + "-s1"),
		Target:        object.StreamId("account-" + id + "-s2"),
		SourceBackend: "sqlite",
		TargetBackend: "sqlite",
		Phase:         migration.DualWrite,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func Test_EsService_Create_Get_Update_Delete(t *testing.T) {
	service := esmigration.NewService(esClient)
	record := newRecord("crud", migration.InProgress)

	assert.NoError(t, service.Create(context.Background(), record))
	assert.IsType(t, migration.AlreadyExists{}, service.Create(context.Background(), record))

	retrieved, err := service.Get(context.Background(), record.Object)
	assert.NoError(t, err)
	assert.EqualValues(t, record.Source, retrieved.Source)
	assert.EqualValues(t, migration.InProgress, retrieved.Status)
	assert.EqualValues(t, migration.DualWrite, retrieved.Phase)

	retrieved.Status = migration.Completed
	retrieved.CopiedSourceVersion = 42
	assert.NoError(t, service.Update(context.Background(), retrieved))

	updated, err := service.Get(context.Background(), record.Object)
	assert.NoError(t, err)
	assert.EqualValues(t, migration.Completed, updated.Status)
	assert.EqualValues(t, 42, updated.CopiedSourceVersion)

	assert.NoError(t, service.Delete(context.Background(), record.Object))
	_, err = service.Get(context.Background(), record.Object)
	assert.IsType(t, migration.NotFound{}, err)

	// deleting an absent record is not an error
	assert.NoError(t, service.Delete(context.Background(), record.Object))
}

func Test_EsService_ListResumable(t *testing.T) {
	service := esmigration.NewService(esClient)

	resumable := newRecord("list-resumable", migration.InProgress)
	terminal := newRecord("list-terminal", migration.Completed)
	assert.NoError(t, service.Create(context.Background(), resumable))
	assert.NoError(t, service.Create(context.Background(), terminal))
	refreshIndices(t, string(esmigration.IndexName))

	records, err := service.ListResumable(context.Background(), 100)
	assert.NoError(t, err)

	var ids []object.Id
	for _, r := range records {
		ids = append(ids, r.Object.Id)
		assert.False(t, r.Status.IsTerminal())
	}
	assert.Contains(t, ids, object.Id("list-resumable"))
	assert.NotContains(t, ids, object.Id("list-terminal"))
}
