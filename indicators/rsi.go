package indicators

import (
	"fmt"

	"github.com/quantrove/upbot/market"
)

// RSI is a streaming Relative Strength Index using Wilder smoothing.
type RSI struct {
	period      int
	avgGain     float64
	avgLoss     float64
	count       int
	gainSum     float64
	lossSum     float64
	prevClose   float64
	hasPrevious bool
}

// NewRSI creates a Relative Strength Index indicator with the given period.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string {
	return fmt.Sprintf("RSI(%d)", r.period)
}

func (r *RSI) Warmup() int {
	return r.period + 1
}

func (r *RSI) Reset() {
	r.avgGain = 0
	r.avgLoss = 0
	r.count = 0
	r.gainSum = 0
	r.lossSum = 0
	r.hasPrevious = false
}

func (r *RSI) Update(b market.Bar) {
	if !r.hasPrevious {
		r.prevClose = b.Close
		r.hasPrevious = true
		return
	}

	change := b.Close - r.prevClose
	r.prevClose = b.Close

	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if r.count < r.period {
		r.gainSum += gain
		r.lossSum += loss
		r.count++
		if r.count == r.period {
			r.avgGain = r.gainSum / float64(r.period)
			r.avgLoss = r.lossSum / float64(r.period)
		}
		return
	}

	r.avgGain = (r.avgGain*float64(r.period-1) + gain) / float64(r.period)
	r.avgLoss = (r.avgLoss*float64(r.period-1) + loss) / float64(r.period)
}

func (r *RSI) Ready() bool {
	return r.count >= r.period
}

// Value returns the RSI in the 0..100 range.
func (r *RSI) Value() float64 {
	if !r.Ready() {
		return 0
	}
	if r.avgLoss == 0 {
		return 100
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs)
}
