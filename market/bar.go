package market

import (
	"fmt"
	"time"
)

// Bar is a completed OHLCV candle for one market and interval.
// Bars are immutable once received and ordered by OpenTime; the control
// loop drops duplicates keyed on Key().
type Bar struct {
	Market   string
	Interval time.Duration
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Key identifies a bar for duplicate suppression.
func (b Bar) Key() string {
	return fmt.Sprintf("%s/%d/%d", b.Market, int64(b.Interval/time.Second), b.OpenTime.Unix())
}

// CloseTime is the first instant after the bar's interval has elapsed.
func (b Bar) CloseTime() time.Time {
	return b.OpenTime.Add(b.Interval)
}

// TypicalPrice is (high+low+close)/3, used by volume-weighted checks.
func (b Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// Notional is the traded value of the bar in quote currency.
func (b Bar) Notional() float64 {
	return b.Volume * b.Close
}
