package document_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/object"
	"github.com/eriklieben/streamshift/internal/infra/memory"
)

var (
	ctx     = context.Background()
	account = object.Identifier{Name: "account", Id: "123"}
)

func TestRoutingTable_GetOrCreate(t *testing.T) {
	routing := document.NewRoutingTable(memory.NewDocStore())

	doc, tag, err := routing.GetOrCreate(ctx, account, "memory")
	assert.NoError(t, err)
	assert.NotEmpty(t, tag)
	assert.NotEmpty(t, doc.Active.Stream)
	assert.EqualValues(t, "memory", doc.Active.BackendRef)

	// a second call returns the same document instead of minting a new stream
	again, _, err := routing.GetOrCreate(ctx, account, "memory")
	assert.NoError(t, err)
	assert.EqualValues(t, doc.Active.Stream, again.Active.Stream)
}

func TestRoutingTable_Get_NotFound(t *testing.T) {
	routing := document.NewRoutingTable(memory.NewDocStore())
	_, _, err := routing.Get(ctx, account)
	assert.IsType(t, document.NotFound{}, err)
}

func TestRoutingTable_RecordLastVersion(t *testing.T) {
	store := memory.NewDocStore()
	routing := document.NewRoutingTable(store)
	_, err := store.Create(ctx, account, &document.Document{
		Active: document.StreamInfo{Stream: "account-123-s1", BackendRef: "memory"},
	})
	assert.NoError(t, err)

	routing.RecordLastVersion(ctx, account, "account-123-s1", 5)
	doc, _, err := routing.Get(ctx, account)
	assert.NoError(t, err)
	assert.EqualValues(t, 5, doc.Active.LastKnownVersion)

	// lower versions never regress the advisory mark
	routing.RecordLastVersion(ctx, account, "account-123-s1", 3)
	doc, _, err = routing.Get(ctx, account)
	assert.NoError(t, err)
	assert.EqualValues(t, 5, doc.Active.LastKnownVersion)

	// versions for a stream that is no longer active are ignored
	routing.RecordLastVersion(ctx, account, "account-123-s0", 9)
	doc, _, err = routing.Get(ctx, account)
	assert.NoError(t, err)
	assert.EqualValues(t, 5, doc.Active.LastKnownVersion)
}

func TestRoutingTable_Cutover(t *testing.T) {
	store := memory.NewDocStore()
	routing := document.NewRoutingTable(store)
	frozen := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	routing.SetUTCGetter(func() time.Time { return frozen })
	_, err := store.Create(ctx, account, &document.Document{
		Active: document.StreamInfo{Stream: "account-123-s1", BackendRef: "memory"},
	})
	assert.NoError(t, err)

	target := document.StreamInfo{Stream: "account-123-s2", BackendRef: "sqlite", LastKnownVersion: 4}
	assert.NoError(t, routing.Cutover(ctx, account, target, 5))

	doc, _, err := routing.Get(ctx, account)
	assert.NoError(t, err)
	assert.EqualValues(t, "account-123-s2", doc.Active.Stream)
	assert.EqualValues(t, "sqlite", doc.Active.BackendRef)
	assert.Len(t, doc.Terminated, 1)
	assert.EqualValues(t, "account-123-s1", doc.Terminated[0].Stream)
	assert.EqualValues(t, 5, doc.Terminated[0].TerminationVersion)
	assert.EqualValues(t, frozen, doc.Terminated[0].TerminatedAt)

	// re-running the cutover is a no-op
	assert.NoError(t, routing.Cutover(ctx, account, target, 5))
	doc, _, err = routing.Get(ctx, account)
	assert.NoError(t, err)
	assert.Len(t, doc.Terminated, 1)
}

func TestRoutingTable_Cutover_NotFound(t *testing.T) {
	routing := document.NewRoutingTable(memory.NewDocStore())
	err := routing.Cutover(ctx, account, document.StreamInfo{Stream: "account-123-s2"}, 0)
	assert.IsType(t, document.NotFound{}, err)
}
