package strategies

import (
	"github.com/quantrove/upbot/indicators"
	"github.com/quantrove/upbot/market"
)

// TrendFollow goes long while the fast EMA is above the slow EMA and price
// sits above the fast EMA. Confidence scales with the EMA separation
// normalized by ATR, shaded down when RSI is already overbought.
type TrendFollow struct {
	Params Params
}

func (s *TrendFollow) Name() string { return "trend-follow" }

func (s *TrendFollow) Evaluate(window []market.Bar, ind indicators.Snapshot) Intent {
	if !ind.Ready || len(window) == 0 || ind.ATR <= 0 {
		return Intent{Direction: Flat}
	}
	last := window[len(window)-1]

	if ind.EMAFast <= ind.EMASlow || last.Close <= ind.EMAFast {
		return Intent{Direction: Flat, Reason: "no uptrend"}
	}

	// Separation in ATR units: a half-ATR spread already reads as a solid
	// trend, anything past two ATRs is saturated.
	sep := (ind.EMAFast - ind.EMASlow) / ind.ATR
	conf := clamp01(0.5 + sep/4)
	if ind.RSI >= s.Params.RSIOverbought {
		conf = clamp01(conf - 0.2)
	}

	return Intent{
		Direction:    Long,
		Confidence:   conf,
		StopDistance: s.Params.InitialStopATR * ind.ATR,
		Reason:       "fast EMA above slow EMA",
	}
}
