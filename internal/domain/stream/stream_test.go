package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/event"
	"github.com/eriklieben/streamshift/internal/domain/object"
	"github.com/eriklieben/streamshift/internal/domain/stream"
	"github.com/eriklieben/streamshift/internal/infra/memory"
)

var (
	ctx     = context.Background()
	now     = time.Now().UTC()
	account = object.Identifier{Name: "account", Id: "123"}
)

func deposited(amount string) event.Event {
	return event.Event{
		Type:          "account.deposited",
		SchemaVersion: 1,
		Payload:       []byte(`{"amount":"` + amount + `"}`),
		OccurredAt:    now,
	}
}

func TestSession_Append_Commit(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	session, err := subject.OpenSession(ctx, stream.New)
	assert.NoError(t, err)
	assert.EqualValues(t, 0, session.ExpectedVersion())

	for i, amount := range []string{"10", "20", "30"} {
		version, err := session.Append(deposited(amount))
		assert.NoError(t, err)
		assert.EqualValues(t, i, version)
	}

	newNext, err := session.Commit(ctx)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, newNext)

	next, err := subject.NextVersion(ctx)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, next)
}

func TestSession_Constraints(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	// Existing against an absent stream
	_, err := subject.OpenSession(ctx, stream.Existing)
	assert.IsType(t, stream.NotFound{}, err)

	// Loose works regardless
	session, err := subject.OpenSession(ctx, stream.Loose)
	assert.NoError(t, err)
	_, err = session.Append(deposited("10"))
	assert.NoError(t, err)
	_, err = session.Commit(ctx)
	assert.NoError(t, err)

	// New against a stream that now has events
	_, err = subject.OpenSession(ctx, stream.New)
	assert.IsType(t, stream.AlreadyExists{}, err)

	// Existing is now satisfied
	existing, err := subject.OpenSession(ctx, stream.Existing)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, existing.ExpectedVersion())
}

func TestSession_RejectsReservedTypes(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	session, err := subject.OpenSession(ctx, stream.New)
	assert.NoError(t, err)

	_, err = session.Append(event.NewClosure("account-123-s2", now))
	assert.IsType(t, stream.ReservedType{}, err)
}

func TestSession_EmptyCommit(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	session, err := subject.OpenSession(ctx, stream.New)
	assert.NoError(t, err)

	newNext, err := session.Commit(ctx)
	assert.NoError(t, err)
	assert.EqualValues(t, 0, newNext)

	// the session is spent even though nothing was written
	_, err = session.Append(deposited("10"))
	assert.IsType(t, stream.SessionCommitted{}, err)
	_, err = session.Commit(ctx)
	assert.IsType(t, stream.SessionCommitted{}, err)
}

func TestSession_RacingSessions_OneWinner(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	first, err := subject.OpenSession(ctx, stream.Loose)
	assert.NoError(t, err)
	second, err := subject.OpenSession(ctx, stream.Loose)
	assert.NoError(t, err)

	_, err = first.Append(deposited("10"))
	assert.NoError(t, err)
	_, err = second.Append(deposited("20"))
	assert.NoError(t, err)

	_, err = first.Commit(ctx)
	assert.NoError(t, err)

	_, err = second.Commit(ctx)
	assert.IsType(t, stream.ConcurrencyConflict{}, err)

	// the loser's batch left no partial writes behind
	next, err := subject.NextVersion(ctx)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, next)
}

func TestSession_Commit_UpdatesRoutingMetadata(t *testing.T) {
	backend := memory.NewBackend()
	store := memory.NewDocStore()
	routing := document.NewRoutingTable(store)
	_, err := store.Create(ctx, account, &document.Document{
		Active: document.StreamInfo{Stream: "account-123-s1", BackendRef: "memory"},
	})
	assert.NoError(t, err)

	subject := stream.Open(backend, routing, account, "account-123-s1")
	session, err := subject.OpenSession(ctx, stream.New)
	assert.NoError(t, err)
	_, err = session.Append(deposited("10"))
	assert.NoError(t, err)
	_, err = session.Append(deposited("20"))
	assert.NoError(t, err)
	_, err = session.Commit(ctx)
	assert.NoError(t, err)

	doc, _, err := routing.Get(ctx, account)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, doc.Active.LastKnownVersion)
}

func TestEventStream_Tail(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	tail, version, err := subject.Tail(ctx)
	assert.NoError(t, err)
	assert.Nil(t, tail)
	assert.EqualValues(t, 0, version)

	session, _ := subject.OpenSession(ctx, stream.New)
	_, _ = session.Append(deposited("10"))
	_, _ = session.Append(deposited("20"))
	_, err = session.Commit(ctx)
	assert.NoError(t, err)

	tail, version, err = subject.Tail(ctx)
	assert.NoError(t, err)
	assert.NotNil(t, tail)
	assert.EqualValues(t, 1, version)
	assert.EqualValues(t, `{"amount":"20"}`, string(tail.Payload))
}

func TestEventStream_Close(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	session, _ := subject.OpenSession(ctx, stream.New)
	_, _ = session.Append(deposited("10"))
	_, err := session.Commit(ctx)
	assert.NoError(t, err)

	newNext, err := subject.Close(ctx, "account-123-s2", 1)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, newNext)

	// the closure occupies the expected version
	tail, version, err := subject.Tail(ctx)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, version)
	assert.True(t, tail.IsClosure())

	// sealed streams refuse new sessions, pointing at the continuation
	_, err = subject.OpenSession(ctx, stream.Loose)
	assert.IsType(t, stream.Closed{}, err)
	closed := err.(stream.Closed)
	assert.EqualValues(t, "account-123-s2", closed.Continuation)
}

func TestEventStream_Close_StaleExpected(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	session, _ := subject.OpenSession(ctx, stream.New)
	_, _ = session.Append(deposited("10"))
	_, _ = session.Append(deposited("20"))
	_, err := session.Commit(ctx)
	assert.NoError(t, err)

	// expected version observed before the writes landed
	_, err = subject.Close(ctx, "account-123-s2", 1)
	assert.IsType(t, stream.ConcurrencyConflict{}, err)

	// the stream was NOT sealed by the failed close
	tail, _, err := subject.Tail(ctx)
	assert.NoError(t, err)
	assert.False(t, tail.IsClosure())
}

func TestEventStream_Close_AlreadySealed(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	_, err := subject.Close(ctx, "account-123-s2", 0)
	assert.NoError(t, err)

	// a second close loses the version race and surfaces as Closed
	_, err = subject.Close(ctx, "account-123-s3", 0)
	assert.IsType(t, stream.Closed{}, err)
	assert.EqualValues(t, "account-123-s2", err.(stream.Closed).Continuation)
}

func TestSession_Commit_AgainstSealedStream(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	// session opened while the stream was still accepting writes
	session, err := subject.OpenSession(ctx, stream.Loose)
	assert.NoError(t, err)
	_, err = session.Append(deposited("10"))
	assert.NoError(t, err)

	_, err = subject.Close(ctx, "account-123-s2", 0)
	assert.NoError(t, err)

	// the conflict is reclassified so the caller can redirect
	_, err = session.Commit(ctx)
	assert.IsType(t, stream.Closed{}, err)
	assert.EqualValues(t, "account-123-s2", err.(stream.Closed).Continuation)
}

func TestIterator_ReadAll(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	amounts := []string{"10", "20", "30", "40", "50"}
	session, _ := subject.OpenSession(ctx, stream.New)
	for _, amount := range amounts {
		_, err := session.Append(deposited(amount))
		assert.NoError(t, err)
	}
	_, err := session.Commit(ctx)
	assert.NoError(t, err)

	it := subject.Read(0, nil)
	var read []stream.Versioned
	for {
		versioned, err := it.Next(ctx)
		assert.NoError(t, err)
		if versioned == nil {
			break
		}
		read = append(read, *versioned)
	}
	assert.Len(t, read, len(amounts))
	for i, versioned := range read {
		assert.EqualValues(t, i, versioned.Version)
		assert.EqualValues(t, `{"amount":"`+amounts[i]+`"}`, string(versioned.Event.Payload))
	}

	// exhausted iterators keep returning nil
	versioned, err := it.Next(ctx)
	assert.NoError(t, err)
	assert.Nil(t, versioned)
}

func TestIterator_BoundedRange(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	session, _ := subject.OpenSession(ctx, stream.New)
	for _, amount := range []string{"10", "20", "30", "40", "50"} {
		_, err := session.Append(deposited(amount))
		assert.NoError(t, err)
	}
	_, err := session.Commit(ctx)
	assert.NoError(t, err)

	to := object.Version(4)
	it := subject.Read(1, &to)
	var versions []object.Version
	for {
		versioned, err := it.Next(ctx)
		assert.NoError(t, err)
		if versioned == nil {
			break
		}
		versions = append(versions, versioned.Version)
	}
	assert.EqualValues(t, []object.Version{1, 2, 3}, versions)
}

func TestIterator_EmptyStream(t *testing.T) {
	backend := memory.NewBackend()
	subject := stream.Open(backend, nil, account, "account-123-s1")

	versioned, err := subject.Read(0, nil).Next(ctx)
	assert.NoError(t, err)
	assert.Nil(t, versioned)
}
