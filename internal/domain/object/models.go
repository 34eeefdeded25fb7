// object contains the addressing model: every entity is identified by an
// object name plus object id, and every persisted event is addressable by a
// version token that pins (name, id, stream, version).
package object

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Name of an object type, e.g. "account"
type Name string

// Id of a single object instance within its type
type Id string

// StreamId identifies one append-only event stream. An object can own a chain
// of streams across migrations, but routes writes to exactly one at a time.
type StreamId string

// GenerateStreamId generates a random stream id for the given entity
func GenerateStreamId(name Name, id Id) StreamId {
	uniquePart := strings.ReplaceAll(uuid.New().String(), "-", "")
	return StreamId(fmt.Sprintf("%s-%s-%s", name, id, uniquePart))
}

// Identifier uniquely addresses one entity
type Identifier struct {
	Name Name
	Id   Id
}

func (i Identifier) String() string {
	return fmt.Sprintf("%s/%s", i.Name, i.Id)
}

// Version is the zero-based position of an event within a stream
type Version uint64

const (
	tokenSeparator   = "__"
	tokenVersionPad  = 20
	tokenSegmentsLen = 4
)

// VersionToken pins a single event position across the system boundary. Its
// string form is lexicographically sortable, so tokens can be used directly
// as checkpoints and precondition values.
type VersionToken struct {
	Name    Name
	Id      Id
	Stream  StreamId
	Version Version
}

// String renders the token as {name}__{id}__{stream}__{20-digit version}
func (v VersionToken) String() string {
	return fmt.Sprintf("%s%s%s%s%s%s%0*d",
		v.Name, tokenSeparator,
		v.Id, tokenSeparator,
		v.Stream, tokenSeparator,
		tokenVersionPad, uint64(v.Version))
}

// ParseVersionToken parses the external string form back into a VersionToken.
//
// Object names, ids and stream ids must not themselves contain the "__"
// separator; the engine never generates such identifiers.
func ParseVersionToken(raw string) (*VersionToken, error) {
	segments := strings.Split(raw, tokenSeparator)
	if len(segments) != tokenSegmentsLen {
		return nil, InvalidVersionToken{Raw: raw, Reason: fmt.Sprintf("expected %d segments, got %d", tokenSegmentsLen, len(segments))}
	}
	if len(segments[3]) != tokenVersionPad {
		return nil, InvalidVersionToken{Raw: raw, Reason: "version segment is not 20 digits"}
	}
	version, err := strconv.ParseUint(segments[3], 10, 64)
	if err != nil {
		return nil, InvalidVersionToken{Raw: raw, Reason: fmt.Sprintf("unparseable version: %v", err)}
	}
	return &VersionToken{
		Name:    Name(segments[0]),
		Id:      Id(segments[1]),
		Stream:  StreamId(segments[2]),
		Version: Version(version),
	}, nil
}

// InvalidVersionToken is returned when a raw token string cannot be parsed
type InvalidVersionToken struct {
	Raw    string
	Reason string
}

func (e InvalidVersionToken) Error() string {
	return fmt.Sprintf("Invalid version token [%s]: %s", e.Raw, e.Reason)
}
