package indicators

import (
	"fmt"

	"github.com/quantrove/upbot/market"
)

// Indicator is the minimal streaming indicator surface. Update is called
// once per completed bar; Value is only meaningful once Ready reports true.
type Indicator interface {
	Name() string
	Warmup() int
	Update(b market.Bar)
	Ready() bool
	Value() float64
	Reset()
}

// ExponentialMA is a streaming Exponential Moving Average over bar closes.
type ExponentialMA struct {
	period     int
	multiplier float64
	ema        float64
	count      int
	warmupSum  float64
}

// NewEMA creates an Exponential Moving Average indicator with the given period.
func NewEMA(period int) *ExponentialMA {
	return &ExponentialMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *ExponentialMA) Name() string {
	return fmt.Sprintf("EMA(%d)", e.period)
}

func (e *ExponentialMA) Warmup() int {
	return e.period
}

func (e *ExponentialMA) Reset() {
	e.ema = 0
	e.count = 0
	e.warmupSum = 0
}

func (e *ExponentialMA) Update(b market.Bar) {
	if e.count < e.period {
		// During warmup accumulate a sum for the initial SMA seed.
		e.warmupSum += b.Close
		e.count++
		if e.count == e.period {
			e.ema = e.warmupSum / float64(e.period)
		}
		return
	}
	e.ema = (b.Close-e.ema)*e.multiplier + e.ema
}

func (e *ExponentialMA) Ready() bool {
	return e.count >= e.period
}

func (e *ExponentialMA) Value() float64 {
	if !e.Ready() {
		return 0
	}
	return e.ema
}

// VolumeSMA is a rolling simple average of bar volume.
type VolumeSMA struct {
	period int
	window []float64
	sum    float64
}

// NewVolumeSMA creates a rolling volume average with the given period.
func NewVolumeSMA(period int) *VolumeSMA {
	return &VolumeSMA{
		period: period,
		window: make([]float64, 0, period),
	}
}

func (v *VolumeSMA) Name() string {
	return fmt.Sprintf("VolSMA(%d)", v.period)
}

func (v *VolumeSMA) Warmup() int {
	return v.period
}

func (v *VolumeSMA) Reset() {
	v.window = v.window[:0]
	v.sum = 0
}

func (v *VolumeSMA) Update(b market.Bar) {
	v.window = append(v.window, b.Volume)
	v.sum += b.Volume
	if len(v.window) > v.period {
		v.sum -= v.window[0]
		v.window = v.window[1:]
	}
}

func (v *VolumeSMA) Ready() bool {
	return len(v.window) >= v.period
}

func (v *VolumeSMA) Value() float64 {
	if !v.Ready() {
		return 0
	}
	return v.sum / float64(len(v.window))
}

// HighestHigh tracks the maximum bar high over a rolling window.
type HighestHigh struct {
	period int
	window []float64
}

// NewHighestHigh creates a rolling highest-high tracker with the given period.
func NewHighestHigh(period int) *HighestHigh {
	return &HighestHigh{
		period: period,
		window: make([]float64, 0, period),
	}
}

func (h *HighestHigh) Name() string {
	return fmt.Sprintf("HH(%d)", h.period)
}

func (h *HighestHigh) Warmup() int {
	return h.period
}

func (h *HighestHigh) Reset() {
	h.window = h.window[:0]
}

func (h *HighestHigh) Update(b market.Bar) {
	h.window = append(h.window, b.High)
	if len(h.window) > h.period {
		h.window = h.window[1:]
	}
}

func (h *HighestHigh) Ready() bool {
	return len(h.window) >= h.period
}

func (h *HighestHigh) Value() float64 {
	if len(h.window) == 0 {
		return 0
	}
	max := h.window[0]
	for _, v := range h.window[1:] {
		if v > max {
			max = v
		}
	}
	return max
}
