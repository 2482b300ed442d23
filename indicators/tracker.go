package indicators

import "github.com/quantrove/upbot/market"

// Snapshot is the per-bar view of every indicator the strategies consume.
// Ready is false until all underlying indicators are warmed up.
type Snapshot struct {
	Ready bool

	EMAFast float64
	EMASlow float64
	ATR     float64
	RSI     float64

	// PriorHigh is the highest high over the lookback window ending at the
	// previous bar, i.e. it excludes the bar the snapshot was taken on.
	PriorHigh float64
	VolumeAvg float64
}

// TrackerConfig holds the indicator periods for one run.
type TrackerConfig struct {
	EMAFastPeriod   int
	EMASlowPeriod   int
	ATRPeriod       int
	RSIPeriod       int
	HighLookback    int
	VolumeAvgPeriod int
}

// DefaultTrackerConfig mirrors the strategy defaults: EMA 20/50, ATR 14,
// RSI 14, one-session (24 bar) high lookback and volume average.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		EMAFastPeriod:   20,
		EMASlowPeriod:   50,
		ATRPeriod:       14,
		RSIPeriod:       14,
		HighLookback:    24,
		VolumeAvgPeriod: 24,
	}
}

// Tracker feeds each completed bar into the full indicator set and produces
// Snapshots for the signal evaluator. It is owned by the control loop and is
// not safe for concurrent use.
type Tracker struct {
	emaFast *ExponentialMA
	emaSlow *ExponentialMA
	atr     *ATR
	rsi     *RSI
	high    *HighestHigh
	vol     *VolumeSMA

	last Snapshot
}

// NewTracker builds a tracker from the configured periods.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		emaFast: NewEMA(cfg.EMAFastPeriod),
		emaSlow: NewEMA(cfg.EMASlowPeriod),
		atr:     NewATR(cfg.ATRPeriod),
		rsi:     NewRSI(cfg.RSIPeriod),
		high:    NewHighestHigh(cfg.HighLookback),
		vol:     NewVolumeSMA(cfg.VolumeAvgPeriod),
	}
}

// Update consumes one completed bar and returns the snapshot as of that bar.
func (t *Tracker) Update(b market.Bar) Snapshot {
	// PriorHigh and VolumeAvg are read before this bar enters their windows
	// so breakout comparisons are against history, not the bar itself.
	priorHigh := t.high.Value()
	volAvg := t.vol.Value()
	priorReady := t.high.Ready() && t.vol.Ready()

	t.emaFast.Update(b)
	t.emaSlow.Update(b)
	t.atr.Update(b)
	t.rsi.Update(b)
	t.high.Update(b)
	t.vol.Update(b)

	t.last = Snapshot{
		Ready: priorReady &&
			t.emaFast.Ready() && t.emaSlow.Ready() &&
			t.atr.Ready() && t.rsi.Ready(),
		EMAFast:   t.emaFast.Value(),
		EMASlow:   t.emaSlow.Value(),
		ATR:       t.atr.Value(),
		RSI:       t.rsi.Value(),
		PriorHigh: priorHigh,
		VolumeAvg: volAvg,
	}
	return t.last
}

// Last returns the most recent snapshot.
func (t *Tracker) Last() Snapshot {
	return t.last
}

// Reset clears all indicator state.
func (t *Tracker) Reset() {
	t.emaFast.Reset()
	t.emaSlow.Reset()
	t.atr.Reset()
	t.rsi.Reset()
	t.high.Reset()
	t.vol.Reset()
	t.last = Snapshot{}
}
