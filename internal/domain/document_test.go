package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentPaths(t *testing.T) {
	doc := Document{ID: "o-1", Fields: map[string]any{
		"total": 50,
		"shipping": map[string]any{
			"customer": map[string]any{"name": "John"},
		},
	}}

	t.Run("lookup nested", func(t *testing.T) {
		v, ok := doc.Lookup("shipping.customer.name")
		require.True(t, ok)
		assert.Equal(t, "John", v)

		_, ok = doc.Lookup("shipping.missing")
		assert.False(t, ok)

		_, ok = doc.Lookup("total.value")
		assert.False(t, ok)
	})

	t.Run("clone isolates nested edits", func(t *testing.T) {
		cp := doc.Clone()
		cp.Delete("shipping.customer")
		cp.Set("shipping.customerId", "u-1")

		_, ok := doc.Lookup("shipping.customer")
		assert.True(t, ok, "original must be untouched")
		v, ok := cp.Lookup("shipping.customerId")
		require.True(t, ok)
		assert.Equal(t, "u-1", v)
	})

	t.Run("set creates intermediate objects", func(t *testing.T) {
		var d Document
		d.Set("a.b.c", 1)
		v, ok := d.Lookup("a.b.c")
		require.True(t, ok)
		assert.Equal(t, 1, v)
	})
}

func TestParseKey(t *testing.T) {
	k, ok := ParseKey("User:42")
	require.True(t, ok)
	assert.Equal(t, Key{Type: "User", ID: "42"}, k)
	assert.Equal(t, "User:42", k.String())

	_, ok = ParseKey("nokey")
	assert.False(t, ok)
}
