package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	require.NoError(t, s.Put("halt", []byte(`"daily"`)))
	val, ver, err := s.Get("halt")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"daily"`), val)
	assert.Equal(t, int64(1), ver)

	require.NoError(t, s.Put("halt", []byte(`"weekly"`)))
	val, ver, err = s.Get("halt")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"weekly"`), val)
	assert.Equal(t, int64(2), ver)
}

func TestGetMissingKey(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	_, _, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompareAndSwap(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	// expected 0 creates the key.
	require.NoError(t, s.CompareAndSwap("pos", 0, []byte("a")))
	_, ver, err := s.Get("pos")
	require.NoError(t, err)
	require.Equal(t, int64(1), ver)

	// A second create must fail.
	assert.ErrorIs(t, s.CompareAndSwap("pos", 0, []byte("b")), ErrVersionMismatch)

	// Swap at the current version succeeds and bumps it.
	require.NoError(t, s.CompareAndSwap("pos", 1, []byte("b")))
	val, ver, err := s.Get("pos")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), val)
	assert.Equal(t, int64(2), ver)

	// Stale version loses.
	assert.ErrorIs(t, s.CompareAndSwap("pos", 1, []byte("c")), ErrVersionMismatch)
}

func TestJSONHelpers(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	type ledger struct {
		DayR  float64 `json:"day_r"`
		WeekR float64 `json:"week_r"`
	}

	var out ledger
	found, err := s.GetJSON("ledger", &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.PutJSON("ledger", ledger{DayR: -1.5, WeekR: -3}))
	found, err = s.GetJSON("ledger", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ledger{DayR: -1.5, WeekR: -3}, out)

	ver, found, err := s.GetJSONVersioned("ledger", &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), ver)

	require.NoError(t, s.CompareAndSwapJSON("ledger", ver, ledger{DayR: 0, WeekR: -3}))
	assert.ErrorIs(t, s.CompareAndSwapJSON("ledger", ver, ledger{}), ErrVersionMismatch)
}

func TestPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")

	s1, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s1.Put("k", []byte("v")))
	require.NoError(t, s1.Close())

	s2, err := NewSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	val, ver, err := s2.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	assert.Equal(t, int64(1), ver)
}

func TestCompareAndSwapCreateReportsRealErrors(t *testing.T) {
	t.Parallel()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// A failed insert that is not a key collision must not be mistaken
	// for a version conflict, or callers would retry forever.
	err = s.CompareAndSwap("pos", 0, []byte("a"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrVersionMismatch)
}
