package object

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionToken_String(t *testing.T) {
	tests := []struct {
		name  string
		token VersionToken
		want  string
	}{
		{
			name:  "zero version is fully padded",
			token: VersionToken{Name: "account", Id: "123", Stream: "account-123-abc", Version: 0},
			want:  "account__123__account-123-abc__00000000000000000000",
		},
		{
			name:  "non-zero version keeps leading zeros",
			token: VersionToken{Name: "account", Id: "123", Stream: "account-123-abc", Version: 42},
			want:  "account__123__account-123-abc__00000000000000000042",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.EqualValues(t, tt.want, tt.token.String())
		})
	}
}

func TestVersionToken_String_IsSortable(t *testing.T) {
	earlier := VersionToken{Name: "account", Id: "1", Stream: "s", Version: 9}
	later := VersionToken{Name: "account", Id: "1", Stream: "s", Version: 10}
	assert.True(t, earlier.String() < later.String())
}

func TestParseVersionToken_RoundTrip(t *testing.T) {
	original := VersionToken{Name: "account", Id: "abc-def", Stream: "account-abc-def-123", Version: 987654}
	parsed, err := ParseVersionToken(original.String())
	assert.NoError(t, err)
	assert.EqualValues(t, original, *parsed)
}

func TestParseVersionToken_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "not enough segments",
			raw:  "account__123__00000000000000000001",
		},
		{
			name: "too many segments",
			raw:  "account__123__stream__extra__00000000000000000001",
		},
		{
			name: "version segment too short",
			raw:  "account__123__stream__42",
		},
		{
			name: "version segment not numeric",
			raw:  "account__123__stream__0000000000000000000x",
		},
		{
			name: "empty string",
			raw:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseVersionToken(tt.raw)
			assert.Nil(t, parsed)
			assert.IsType(t, InvalidVersionToken{}, err)
		})
	}
}

func TestGenerateStreamId(t *testing.T) {
	id1 := GenerateStreamId("account", "123")
	id2 := GenerateStreamId("account", "123")
	assert.True(t, strings.HasPrefix(string(id1), "account-123-"))
	assert.NotEqual(t, id1, id2)
	assert.NotContains(t, string(id1), "__")
}

func TestIdentifier_String(t *testing.T) {
	assert.EqualValues(t, "account/123", Identifier{Name: "account", Id: "123"}.String())
}
