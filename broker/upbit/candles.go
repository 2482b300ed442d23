package upbit

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/quantrove/upbot/market"
)

// candleResponse is one minute-candle from /v1/candles/minutes/{unit}.
type candleResponse struct {
	Market       string  `json:"market"`
	CandleTimeKR string  `json:"candle_date_time_kst"`
	CandleTimeUT string  `json:"candle_date_time_utc"`
	Open         float64 `json:"opening_price"`
	High         float64 `json:"high_price"`
	Low          float64 `json:"low_price"`
	Close        float64 `json:"trade_price"`
	Volume       float64 `json:"candle_acc_trade_volume"`
	UnixMillis   int64   `json:"timestamp"`
}

// CandleFeed polls the minute-candle endpoint and emits COMPLETED bars
// in OpenTime order. The candle still forming is never emitted; the
// control loop only ever sees bars whose interval has fully elapsed.
type CandleFeed struct {
	client   *Client
	market   string
	interval time.Duration
	log      zerolog.Logger

	lastOpen time.Time
	now      func() time.Time
}

// NewCandleFeed builds a feed for one market. interval must be a whole
// number of minutes from Upbit's supported units (1, 3, 5, 15, 60...).
func NewCandleFeed(client *Client, mkt string, interval time.Duration, logger zerolog.Logger) *CandleFeed {
	return &CandleFeed{
		client:   client,
		market:   mkt,
		interval: interval,
		log:      logger.With().Str("component", "candles").Str("market", mkt).Logger(),
		now:      time.Now,
	}
}

// Run polls until the context is canceled, sending completed bars on
// the returned channel. The channel closes when Run exits.
func (f *CandleFeed) Run(ctx context.Context) <-chan market.Bar {
	out := make(chan market.Bar, 16)
	go func() {
		defer close(out)

		// Backfill enough history to warm the indicators before the
		// first live decision.
		f.emit(ctx, out, 120)

		ticker := time.NewTicker(f.interval / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.emit(ctx, out, 5)
			}
		}
	}()
	return out
}

func (f *CandleFeed) emit(ctx context.Context, out chan<- market.Bar, count int) {
	bars, err := f.fetch(ctx, count)
	if err != nil {
		f.log.Warn().Err(err).Msg("candle poll failed")
		return
	}
	for _, b := range bars {
		if !b.OpenTime.After(f.lastOpen) {
			continue
		}
		if b.CloseTime().After(f.now()) {
			continue // still forming
		}
		select {
		case out <- b:
			f.lastOpen = b.OpenTime
		case <-ctx.Done():
			return
		}
	}
}

func (f *CandleFeed) fetch(ctx context.Context, count int) ([]market.Bar, error) {
	unit := int(f.interval / time.Minute)
	params := url.Values{}
	params.Set("market", f.market)
	params.Set("count", strconv.Itoa(count))

	var resp []candleResponse
	op := func() error {
		return f.client.do(ctx, http.MethodGet, "/v1/candles/minutes/"+strconv.Itoa(unit), params, &resp)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	bars := make([]market.Bar, 0, len(resp))
	for _, c := range resp {
		open, err := time.Parse("2006-01-02T15:04:05", c.CandleTimeUT)
		if err != nil {
			f.log.Warn().Str("candle_time", c.CandleTimeUT).Msg("unparseable candle time, skipping")
			continue
		}
		bars = append(bars, market.Bar{
			Market:   c.Market,
			Interval: f.interval,
			OpenTime: open.UTC(),
			Open:     c.Open,
			High:     c.High,
			Low:      c.Low,
			Close:    c.Close,
			Volume:   c.Volume,
		})
	}
	// Upbit returns newest first.
	sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
	return bars, nil
}
