package hashchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSalt = "test-salt-v1"

func buildFixture() *Document {
	return NewDocument().
		Set("export_id", "exp-123").
		Set("organization_id", "org-a").
		Set("generated_at", "2026-03-10T12:00:00Z").
		Set("payload_hash", "abc123").
		Set("actor", nil).
		Set("entry_count", 42).
		Set("sections", []any{
			NewDocument().Set("name", "incidents").Set("rows", 7),
			NewDocument().Set("name", "attestations").Set("rows", 0),
		}).
		Set("complete", true)
}

// The canonical form is a wire contract: writer and verifier must produce
// these exact bytes. If this fixture changes, every previously sealed export
// stops verifying.
const fixtureCanonical = `{
  "export_id": "exp-123",
  "organization_id": "org-a",
  "generated_at": "2026-03-10T12:00:00Z",
  "payload_hash": "abc123",
  "actor": "",
  "entry_count": 42,
  "sections": [
    {
      "name": "incidents",
      "rows": 7
    },
    {
      "name": "attestations",
      "rows": 0
    }
  ],
  "complete": true
}` + testSalt

func TestCanonicalizeFixture(t *testing.T) {
	got, err := Canonicalize(buildFixture(), testSalt)
	require.NoError(t, err)
	assert.Equal(t, fixtureCanonical, got)
}

func TestDigestIsStableAcrossRebuilds(t *testing.T) {
	first, err := Digest(buildFixture(), testSalt)
	require.NoError(t, err)
	second, err := Digest(buildFixture(), testSalt)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestDigestChangesWithAnyFieldValue(t *testing.T) {
	base, err := Digest(buildFixture(), testSalt)
	require.NoError(t, err)

	altered, err := Digest(buildFixture().Set("entry_count", 43), testSalt)
	require.NoError(t, err)
	assert.NotEqual(t, base, altered)
}

func TestDigestChangesWithSalt(t *testing.T) {
	base, err := Digest(buildFixture(), testSalt)
	require.NoError(t, err)
	other, err := Digest(buildFixture(), "different-salt")
	require.NoError(t, err)
	assert.NotEqual(t, base, other)
}

func TestNilAndMissingCoalesceIdentically(t *testing.T) {
	withNil := NewDocument().Set("a", "x").Set("b", nil)
	withEmpty := NewDocument().Set("a", "x").Set("b", "")

	d1, err := Digest(withNil, testSalt)
	require.NoError(t, err)
	d2, err := Digest(withEmpty, testSalt)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestConstructionOrderIsPreserved(t *testing.T) {
	ab := NewDocument().Set("a", 1).Set("b", 2)
	ba := NewDocument().Set("b", 2).Set("a", 1)

	c1, err := Canonicalize(ab, testSalt)
	require.NoError(t, err)
	c2, err := Canonicalize(ba, testSalt)
	require.NoError(t, err)

	// Keys appear exactly as constructed, not re-sorted. Writer and verifier
	// share one builder function, so order never diverges between them.
	assert.NotEqual(t, c1, c2)
	assert.Equal(t, []string{"a", "b"}, ab.Keys())
	assert.Equal(t, []string{"b", "a"}, ba.Keys())
}

func TestSetReplacesWithoutReordering(t *testing.T) {
	doc := NewDocument().Set("a", 1).Set("b", 2).Set("a", 9)
	assert.Equal(t, []string{"a", "b"}, doc.Keys())
	v, ok := doc.Get("a")
	require.True(t, ok)
	assert.Equal(t, 9, v)
}

func TestStringEscaping(t *testing.T) {
	doc := NewDocument().Set("note", "line1\nline2 \"quoted\"")
	got, err := Canonicalize(doc, "")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"note\": \"line1\\nline2 \\\"quoted\\\"\"\n}", got)
}

func TestUnsupportedTypeErrors(t *testing.T) {
	doc := NewDocument().Set("bad", struct{ X int }{1})
	_, err := Canonicalize(doc, testSalt)
	assert.Error(t, err)
}
