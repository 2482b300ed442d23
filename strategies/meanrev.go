package strategies

import (
	"math"

	"github.com/quantrove/upbot/indicators"
	"github.com/quantrove/upbot/market"
)

// RSIMeanReversion goes long on an oversold RSI, but only in a range-bound
// regime where the fast and slow EMAs sit close together. In a strong
// downtrend an oversold reading is the trend, not an edge.
type RSIMeanReversion struct {
	Params Params
}

func (s *RSIMeanReversion) Name() string { return "rsi-mean-reversion" }

func (s *RSIMeanReversion) Evaluate(window []market.Bar, ind indicators.Snapshot) Intent {
	if !ind.Ready || len(window) == 0 || ind.ATR <= 0 {
		return Intent{Direction: Flat}
	}

	if ind.RSI >= s.Params.RSIOversold {
		return Intent{Direction: Flat, Reason: "not oversold"}
	}

	if math.Abs(ind.EMAFast-ind.EMASlow) > s.Params.RangeBandATR*ind.ATR {
		return Intent{Direction: Flat, Reason: "trending regime"}
	}

	// Deeper oversold readings earn more confidence: RSI at the threshold
	// starts at 0.5 and each point below adds 2%.
	conf := clamp01(0.5 + (s.Params.RSIOversold-ind.RSI)/50)

	return Intent{
		Direction:    Long,
		Confidence:   conf,
		StopDistance: s.Params.InitialStopATR * ind.ATR,
		Reason:       "oversold in range-bound regime",
	}
}
