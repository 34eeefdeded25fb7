package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Now().UTC()

func TestDocument_Cutover(t *testing.T) {
	doc := Document{
		Active: StreamInfo{Stream: "account-1-s1", BackendRef: "memory", LastKnownVersion: 9},
	}

	doc.Cutover(StreamInfo{Stream: "account-1-s2", BackendRef: "sqlite"}, 10, now)

	assert.EqualValues(t, "account-1-s2", doc.Active.Stream)
	assert.EqualValues(t, "sqlite", doc.Active.BackendRef)
	assert.Len(t, doc.Terminated, 1)
	assert.EqualValues(t, "account-1-s1", doc.Terminated[0].Stream)
	assert.EqualValues(t, "account-1-s2", doc.Terminated[0].Continuation)
	assert.EqualValues(t, 10, doc.Terminated[0].TerminationVersion)
	assert.EqualValues(t, now, doc.Terminated[0].TerminatedAt)
}

func TestDocument_Cutover_Idempotent(t *testing.T) {
	doc := Document{Active: StreamInfo{Stream: "account-1-s1"}}
	target := StreamInfo{Stream: "account-1-s2"}

	doc.Cutover(target, 5, now)
	doc.Cutover(target, 5, now)

	assert.Len(t, doc.Terminated, 1)
	assert.EqualValues(t, "account-1-s2", doc.Active.Stream)
}

func TestDocument_ContinuationOf(t *testing.T) {
	doc := Document{
		Active: StreamInfo{Stream: "account-1-s3"},
		Terminated: []TerminatedStream{
			{Stream: "account-1-s1", Continuation: "account-1-s2", TerminationVersion: 4},
			{Stream: "account-1-s2", Continuation: "account-1-s3", TerminationVersion: 8},
		},
	}

	continuation, found := doc.ContinuationOf("account-1-s1")
	assert.True(t, found)
	assert.EqualValues(t, "account-1-s2", continuation)

	continuation, found = doc.ContinuationOf("account-1-s2")
	assert.True(t, found)
	assert.EqualValues(t, "account-1-s3", continuation)

	_, found = doc.ContinuationOf("account-1-s3")
	assert.False(t, found)

	assert.True(t, doc.IsTerminated("account-1-s1"))
	assert.False(t, doc.IsTerminated("account-1-s3"))
}
