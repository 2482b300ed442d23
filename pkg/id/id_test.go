package id

import (
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsValidULID(t *testing.T) {
	t.Parallel()
	_, err := ulid.ParseStrict(New())
	require.NoError(t, err)
}

func TestNewIsMonotonic(t *testing.T) {
	t.Parallel()
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestIntentKeyCarriesKind(t *testing.T) {
	t.Parallel()
	key := IntentKey("entry")
	require.True(t, strings.HasPrefix(key, "entry-"))
	_, err := ulid.ParseStrict(strings.TrimPrefix(key, "entry-"))
	require.NoError(t, err)

	assert.NotEqual(t, key, IntentKey("entry"))
}
