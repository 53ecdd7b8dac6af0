package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromParts_SingleScalar(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"string", "abc", "abc"},
		{"int", 42, "42"},
		{"int64", int64(7), "7"},
		{"float", 1.5, "1.5"},
		{"json number", json.Number("0012"), "0012"},
		{"bool", true, "true"},
		{"bytes", []byte("xyz"), "xyz"},
		{"nil", nil, ""},
		{"slice", []any{"a", "b"}, `["a","b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromParts(map[string]any{"id": tt.value}))
		})
	}
}

func TestFromParts_OrderIndependent(t *testing.T) {
	a := FromParts(map[string]any{"country": "GB", "number": "123", "kind": "ltd"})

	// Build the same set through different insertion orders.
	b := map[string]any{}
	b["number"] = "123"
	b["kind"] = "ltd"
	b["country"] = "GB"

	assert.Equal(t, a, FromParts(b))
	assert.Len(t, a, 64)
}

func TestFromParts_MatchesSortedJSONDigest(t *testing.T) {
	got := FromParts(map[string]any{"b": "x/y", "a": 1})
	sum := sha256.Sum256([]byte(`{"a":1,"b":"x/y"}`))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestFromParts_NoHTMLEscaping(t *testing.T) {
	got := FromParts(map[string]any{"a": "<&>", "b": "é"})
	sum := sha256.Sum256([]byte(`{"a":"<&>","b":"é"}`))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestFromRow(t *testing.T) {
	row := map[string]any{"id": 5, "email": "a@b.c", "name": "x"}

	assert.Equal(t, "5", FromRow([]string{"id"}, row))
	assert.Equal(t, "", FromRow(nil, row))

	withMissing := FromRow([]string{"id", "missing"}, row)
	assert.Equal(t, FromParts(map[string]any{"id": 5, "missing": nil}), withMissing)
}

func TestFromRow_IgnoresNonKeyColumns(t *testing.T) {
	a := FromRow([]string{"id", "email"}, map[string]any{"id": 1, "email": "e", "name": "a"})
	b := FromRow([]string{"email", "id"}, map[string]any{"id": 1, "email": "e", "name": "b"})
	assert.Equal(t, a, b)
}

func TestRowHash(t *testing.T) {
	row := map[string]any{"id": "1", "email": "a@example.com", "age": json.Number("30")}
	reordered := map[string]any{"age": json.Number("30"), "email": "a@example.com", "id": "1"}

	h := RowHash(row)
	assert.Equal(t, h, RowHash(reordered))

	changed := map[string]any{"id": "1", "email": "b@example.com", "age": json.Number("30")}
	assert.NotEqual(t, h, RowHash(changed))

	added := map[string]any{"id": "1", "email": "a@example.com", "age": json.Number("30"), "x": nil}
	assert.NotEqual(t, h, RowHash(added))
}

func TestRowHash_NormalizesDriverValues(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	a := RowHash(map[string]any{"name": []byte("acme"), "at": ts})
	b := RowHash(map[string]any{"name": "acme", "at": "2024-01-02T03:04:05Z"})
	require.Equal(t, a, b)
}
