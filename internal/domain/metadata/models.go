// metadata contains models that hold data about data. These mirror the
// optimistic concurrency primitives of the Elasticsearch control plane (seq
// number and primary term); the event log backends have their own versioning.
package metadata

import "time"

type CreatedAt time.Time
type ModifiedAt time.Time

type SeqNum uint64
type PrimaryTerm uint64

type Version struct {
	SeqNum      SeqNum
	PrimaryTerm PrimaryTerm
}

type Metadata struct {
	CreatedAt  CreatedAt
	ModifiedAt ModifiedAt
	Version    Version
}
