package upbit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrove/upbot/market"
)

// Newest first, the way Upbit returns them. The 09:10 candle is still
// forming at the fake clock below.
const candlesBody = `[
	{"market": "KRW-BTC", "candle_date_time_utc": "2026-03-03T09:10:00",
	 "opening_price": 103, "high_price": 104, "low_price": 102, "trade_price": 103.5,
	 "candle_acc_trade_volume": 3},
	{"market": "KRW-BTC", "candle_date_time_utc": "2026-03-03T09:05:00",
	 "opening_price": 101, "high_price": 103, "low_price": 100, "trade_price": 102,
	 "candle_acc_trade_volume": 5},
	{"market": "KRW-BTC", "candle_date_time_utc": "2026-03-03T09:00:00",
	 "opening_price": 100, "high_price": 102, "low_price": 99, "trade_price": 101,
	 "candle_acc_trade_volume": 7}
]`

func testFeed(t *testing.T) *CandleFeed {
	t.Helper()
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/candles/minutes/5", r.URL.Path)
		require.Equal(t, "KRW-BTC", r.URL.Query().Get("market"))
		w.Write([]byte(candlesBody))
	}))
	f := NewCandleFeed(c, "KRW-BTC", 5*time.Minute, zerolog.Nop())
	f.now = func() time.Time { return time.Date(2026, 3, 3, 9, 12, 0, 0, time.UTC) }
	return f
}

func TestFetchParsesAndSortsOldestFirst(t *testing.T) {
	t.Parallel()
	f := testFeed(t)

	bars, err := f.fetch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, bars, 3)

	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), bars[0].OpenTime)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 10, 0, 0, time.UTC), bars[2].OpenTime)
	assert.InDelta(t, 101, bars[0].Close, 1e-9)
	assert.InDelta(t, 7, bars[0].Volume, 1e-9)
	assert.Equal(t, 5*time.Minute, bars[0].Interval)
}

func TestEmitSkipsFormingAndSeenBars(t *testing.T) {
	t.Parallel()
	f := testFeed(t)

	out := make(chan market.Bar, 16)
	f.emit(context.Background(), out, 3)
	close(out)

	var got []market.Bar
	for b := range out {
		got = append(got, b)
	}
	// The 09:10 bar closes at 09:15, after the fake clock, so only the
	// two completed bars come through.
	require.Len(t, got, 2)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), got[0].OpenTime)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 5, 0, 0, time.UTC), got[1].OpenTime)

	// A second poll of the same window emits nothing new.
	out2 := make(chan market.Bar, 16)
	f.emit(context.Background(), out2, 3)
	close(out2)
	assert.Empty(t, out2)
}
