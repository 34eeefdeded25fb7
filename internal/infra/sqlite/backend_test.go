package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/eriklieben/streamshift/internal/domain/event"
	"github.com/eriklieben/streamshift/internal/domain/object"
	"github.com/eriklieben/streamshift/internal/domain/stream"
)

var (
	ctx     = context.Background()
	account = object.Identifier{Name: "account", Id: "123"}
)

func newTestBackend(t *testing.T, opts ...BackendOption) *Backend {
	t.Helper()
	subject, err := Open(":memory:", opts...)
	assert.NoError(t, err)
	assert.NoError(t, subject.Setup(ctx))
	t.Cleanup(func() {
		_ = subject.Close()
	})
	return subject
}

func someEvent(payload string) event.Event {
	return event.Event{
		Type:          "account.deposited",
		SchemaVersion: 1,
		Payload:       []byte(payload),
		OccurredAt:    time.Date(2026, 5, 1, 12, 30, 45, 123456000, time.UTC),
	}
}

func TestBackend_Append_Read(t *testing.T) {
	subject := newTestBackend(t)

	newNext, err := subject.Append(ctx, "s1", 0, []event.Event{someEvent("a"), someEvent("b")})
	assert.NoError(t, err)
	assert.EqualValues(t, 2, newNext)

	page, err := subject.ReadPage(ctx, "s1", 0, 10)
	assert.NoError(t, err)
	assert.Len(t, page, 2)
	assert.EqualValues(t, "account.deposited", page[0].Type)
	assert.EqualValues(t, 1, page[0].SchemaVersion)
	assert.EqualValues(t, "a", string(page[0].Payload))
	assert.EqualValues(t, "b", string(page[1].Payload))
}

func TestBackend_Append_Conflict(t *testing.T) {
	subject := newTestBackend(t)
	_, err := subject.Append(ctx, "s1", 0, []event.Event{someEvent("a")})
	assert.NoError(t, err)

	_, err = subject.Append(ctx, "s1", 0, []event.Event{someEvent("b")})
	assert.IsType(t, stream.ConcurrencyConflict{}, err)
	_, err = subject.Append(ctx, "s1", 9, []event.Event{someEvent("b")})
	assert.IsType(t, stream.ConcurrencyConflict{}, err)

	// the losing batches left nothing behind
	next, err := subject.NextVersion(ctx, "s1")
	assert.NoError(t, err)
	assert.EqualValues(t, 1, next)
}

func TestBackend_Append_BatchIsAtomic(t *testing.T) {
	subject := newTestBackend(t)

	// a conflicting batch of several events writes none of them
	_, err := subject.Append(ctx, "s1", 0, []event.Event{someEvent("a")})
	assert.NoError(t, err)
	_, err = subject.Append(ctx, "s1", 0, []event.Event{someEvent("b"), someEvent("c"), someEvent("d")})
	assert.IsType(t, stream.ConcurrencyConflict{}, err)

	page, err := subject.ReadPage(ctx, "s1", 0, 10)
	assert.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestBackend_ReadPage_Bounds(t *testing.T) {
	subject := newTestBackend(t)
	_, err := subject.Append(ctx, "s1", 0, []event.Event{someEvent("a"), someEvent("b"), someEvent("c")})
	assert.NoError(t, err)

	page, err := subject.ReadPage(ctx, "s1", 1, 1)
	assert.NoError(t, err)
	assert.Len(t, page, 1)
	assert.EqualValues(t, "b", string(page[0].Payload))

	page, err = subject.ReadPage(ctx, "s1", 3, 10)
	assert.NoError(t, err)
	assert.Empty(t, page)

	page, err = subject.ReadPage(ctx, "unknown", 0, 10)
	assert.NoError(t, err)
	assert.Empty(t, page)
}

func TestBackend_RoundTrip_MetadataAndTime(t *testing.T) {
	subject := newTestBackend(t)

	e := someEvent("a")
	e.Metadata = event.Metadata{"correlation_id": "abc", "source": "import"}
	_, err := subject.Append(ctx, "s1", 0, []event.Event{e, someEvent("b")})
	assert.NoError(t, err)

	page, err := subject.ReadPage(ctx, "s1", 0, 10)
	assert.NoError(t, err)
	assert.Len(t, page, 2)
	assert.EqualValues(t, e.Metadata, page[0].Metadata)
	assert.EqualValues(t, e.OccurredAt, page[0].OccurredAt)
	// absent metadata stays absent
	assert.Nil(t, page[1].Metadata)
}

func TestBackend_NextVersion_Exists(t *testing.T) {
	subject := newTestBackend(t)

	next, err := subject.NextVersion(ctx, "s1")
	assert.NoError(t, err)
	assert.EqualValues(t, 0, next)

	exists, err := subject.Exists(ctx, "s1")
	assert.NoError(t, err)
	assert.False(t, exists)

	_, err = subject.Append(ctx, "s1", 0, []event.Event{someEvent("a"), someEvent("b")})
	assert.NoError(t, err)

	next, err = subject.NextVersion(ctx, "s1")
	assert.NoError(t, err)
	assert.EqualValues(t, 2, next)

	exists, err = subject.Exists(ctx, "s1")
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestBackend_StreamsAreIndependent(t *testing.T) {
	subject := newTestBackend(t)

	_, err := subject.Append(ctx, "s1", 0, []event.Event{someEvent("a")})
	assert.NoError(t, err)
	_, err = subject.Append(ctx, "s2", 0, []event.Event{someEvent("x"), someEvent("y")})
	assert.NoError(t, err)

	next, err := subject.NextVersion(ctx, "s1")
	assert.NoError(t, err)
	assert.EqualValues(t, 1, next)
	next, err = subject.NextVersion(ctx, "s2")
	assert.NoError(t, err)
	assert.EqualValues(t, 2, next)
}

func TestBackend_CustomEventsTable(t *testing.T) {
	subject := newTestBackend(t, WithEventsTable("account_events"))

	_, err := subject.Append(ctx, "s1", 0, []event.Event{someEvent("a")})
	assert.NoError(t, err)

	page, err := subject.ReadPage(ctx, "s1", 0, 10)
	assert.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestBackend_WorksWithEventStream(t *testing.T) {
	subject := newTestBackend(t)
	s := stream.Open(subject, nil, account, "account-123-s1")

	session, err := s.OpenSession(ctx, stream.New)
	assert.NoError(t, err)
	_, err = session.Append(someEvent("a"))
	assert.NoError(t, err)
	newNext, err := session.Commit(ctx)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, newNext)

	_, err = s.Close(ctx, "account-123-s2", 1)
	assert.NoError(t, err)

	_, err = s.OpenSession(ctx, stream.Loose)
	assert.IsType(t, stream.Closed{}, err)
}
