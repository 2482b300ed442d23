package risk

import "github.com/quantrove/upbot/market"

// StopConfig holds the ATR multiples for the protective stop and the
// Chandelier-style trail.
type StopConfig struct {
	InitialStopATR float64 // default 2.5
	TrailStopATR   float64 // default 3.0
}

// DefaultStopConfig returns the baseline stop parameters.
func DefaultStopConfig() StopConfig {
	return StopConfig{
		InitialStopATR: 2.5,
		TrailStopATR:   3.0,
	}
}

// InitialStop computes the protective stop for a new long entry:
// entry minus the configured ATR multiple, snapped up to the tick grid so
// rounding tightens rather than widens the risk.
func InitialStop(inst market.Instrument, entryPrice, atr float64, cfg StopConfig) float64 {
	return inst.SnapPriceUp(entryPrice - cfg.InitialStopATR*atr)
}

// UpdateTrail recomputes the Chandelier trail (highest high since entry
// minus the trail ATR multiple) and returns the new stored trail. The trail
// is monotonic for a long position: a recomputation below the current value
// is ignored, the stop never loosens.
func UpdateTrail(inst market.Instrument, currentTrail, highestHighSinceEntry, atr float64, cfg StopConfig) float64 {
	candidate := inst.SnapPriceUp(highestHighSinceEntry - cfg.TrailStopATR*atr)
	if candidate > currentTrail {
		return candidate
	}
	return currentTrail
}

// EffectiveStop is the exit level actually enforced: the tighter of the
// initial protective stop and the trail.
func EffectiveStop(initialStop, trailStop float64) float64 {
	if trailStop > initialStop {
		return trailStop
	}
	return initialStop
}

// ExitTriggered reports whether a completed bar traded through the
// effective stop. Evaluated once per bar close against the bar low, not
// intrabar; a documented simplification of tick-level triggering.
func ExitTriggered(barLow, effectiveStop float64) bool {
	return effectiveStop > 0 && barLow <= effectiveStop
}
