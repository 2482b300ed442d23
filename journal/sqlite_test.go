package journal

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLite(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordTradeRoundTrip(t *testing.T) {
	t.Parallel()
	j := testJournal(t)

	opened := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	in := TradeRecord{
		TradeID:    "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Market:     "KRW-BTC",
		Quantity:   0.02,
		EntryPrice: 100_000_000,
		ExitPrice:  105_000_000,
		OpenTime:   opened,
		CloseTime:  opened.Add(4 * time.Hour),
		RealizedPL: 100_000,
		Fees:       250,
		RMultiple:  2.0,
		Reason:     "trail_exit",
	}
	require.NoError(t, j.RecordTrade(in))

	got, err := j.LastTrades(10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, in.TradeID, got[0].TradeID)
	assert.Equal(t, in.Market, got[0].Market)
	assert.InDelta(t, in.RealizedPL, got[0].RealizedPL, 1e-9)
	assert.InDelta(t, in.RMultiple, got[0].RMultiple, 1e-9)
	assert.Equal(t, in.Reason, got[0].Reason)
	assert.True(t, got[0].OpenTime.Equal(in.OpenTime))
	assert.True(t, got[0].CloseTime.Equal(in.CloseTime))
}

func TestLastTradesNewestFirst(t *testing.T) {
	t.Parallel()
	j := testJournal(t)

	base := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, j.RecordTrade(TradeRecord{
			TradeID:   fmt.Sprintf("trade-%d", i),
			Market:    "KRW-BTC",
			CloseTime: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	got, err := j.LastTrades(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "trade-4", got[0].TradeID)
	assert.Equal(t, "trade-3", got[1].TradeID)
	assert.Equal(t, "trade-2", got[2].TradeID)
}

func TestTradesBetweenWindow(t *testing.T) {
	t.Parallel()
	j := testJournal(t)

	base := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, j.RecordTrade(TradeRecord{
			TradeID:    fmt.Sprintf("trade-%d", i),
			Market:     "KRW-BTC",
			CloseTime:  base.Add(time.Duration(i) * time.Hour),
			RealizedPL: float64(i),
		}))
	}

	// Inclusive start, exclusive end, oldest first.
	got, err := j.TradesBetween(base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "trade-1", got[0].TradeID)
	assert.Equal(t, "trade-2", got[1].TradeID)
}

func TestLastTradesEmpty(t *testing.T) {
	t.Parallel()
	j := testJournal(t)

	got, err := j.LastTrades(10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordEquity(t *testing.T) {
	t.Parallel()
	j := testJournal(t)

	require.NoError(t, j.RecordEquity(EquitySnapshot{
		Time:          time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
		Equity:        10_000_000,
		RealizedRDay:  -0.5,
		RealizedRWeek: -1.5,
	}))

	var n int
	require.NoError(t, j.db.QueryRow(`SELECT COUNT(*) FROM equity`).Scan(&n))
	assert.Equal(t, 1, n)
}
