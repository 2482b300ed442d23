package strategies

import (
	"fmt"

	"github.com/quantrove/upbot/indicators"
	"github.com/quantrove/upbot/market"
)

// VolatilityBreakout goes long when the close clears the prior-session high
// by a configured ATR fraction, confirmed by volume above its rolling
// average. Confidence scales with the volume expansion.
type VolatilityBreakout struct {
	Params Params
}

func (s *VolatilityBreakout) Name() string { return "volatility-breakout" }

func (s *VolatilityBreakout) Evaluate(window []market.Bar, ind indicators.Snapshot) Intent {
	if !ind.Ready || len(window) == 0 || ind.ATR <= 0 || ind.PriorHigh <= 0 {
		return Intent{Direction: Flat}
	}
	last := window[len(window)-1]

	threshold := ind.PriorHigh + s.Params.BreakoutATRFraction*ind.ATR
	if last.Close <= threshold {
		return Intent{Direction: Flat, Reason: "no breakout"}
	}

	if ind.VolumeAvg <= 0 {
		return Intent{Direction: Flat, Reason: "no volume baseline"}
	}
	volRatio := last.Volume / ind.VolumeAvg
	if volRatio < s.Params.MinVolumeRatio {
		return Intent{Direction: Flat, Reason: "volume unconfirmed"}
	}

	return Intent{
		Direction:    Long,
		Confidence:   clamp01(volRatio / 3),
		StopDistance: s.Params.BreakoutStopATR * ind.ATR,
		Reason:       fmt.Sprintf("close above prior high %.0f on %.1fx volume", ind.PriorHigh, volRatio),
	}
}
