package strategies

import (
	"fmt"
	"strings"

	"github.com/quantrove/upbot/indicators"
	"github.com/quantrove/upbot/market"
)

// Direction is the directional bias of a signal. Spot trading is long-only;
// Flat means "no position wanted".
type Direction string

const (
	Long Direction = "long"
	Flat Direction = "flat"
)

// Intent is a strategy's verdict for one bar: the wanted direction, a
// confidence score in 0..1, and the suggested stop distance in quote
// currency. Sizing and order placement stay with the control loop.
type Intent struct {
	Direction    Direction
	Confidence   float64
	StopDistance float64
	Reason       string
}

// Strategy evaluates a window of completed bars plus the indicator snapshot
// for the newest bar. Evaluate must be pure: no hidden state beyond the
// inputs, so variants stay interchangeable and trivially testable.
type Strategy interface {
	Name() string
	Evaluate(window []market.Bar, ind indicators.Snapshot) Intent
}

// Params collects the tunables shared across the strategy variants. Zero
// values are replaced by defaults in ByName.
type Params struct {
	InitialStopATR      float64 `yaml:"initial_stop_atr"`      // trend/mean-rev stop distance multiple
	BreakoutStopATR     float64 `yaml:"breakout_stop_atr"`     // breakout stop distance multiple
	BreakoutATRFraction float64 `yaml:"breakout_atr_fraction"` // required margin above prior high
	MinVolumeRatio      float64 `yaml:"min_volume_ratio"`      // breakout volume confirmation
	RSIOversold         float64 `yaml:"rsi_oversold"`
	RSIOverbought       float64 `yaml:"rsi_overbought"`
	RangeBandATR        float64 `yaml:"range_band_atr"` // EMA proximity that counts as range-bound
}

// DefaultParams mirrors the stock tuning: 2.5 ATR initial stop, 2.0 ATR
// breakout stop, RSI 25/75 bands.
func DefaultParams() Params {
	return Params{
		InitialStopATR:      2.5,
		BreakoutStopATR:     2.0,
		BreakoutATRFraction: 0.5,
		MinVolumeRatio:      1.5,
		RSIOversold:         25,
		RSIOverbought:       75,
		RangeBandATR:        0.5,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.InitialStopATR <= 0 {
		p.InitialStopATR = d.InitialStopATR
	}
	if p.BreakoutStopATR <= 0 {
		p.BreakoutStopATR = d.BreakoutStopATR
	}
	if p.BreakoutATRFraction <= 0 {
		p.BreakoutATRFraction = d.BreakoutATRFraction
	}
	if p.MinVolumeRatio <= 0 {
		p.MinVolumeRatio = d.MinVolumeRatio
	}
	if p.RSIOversold <= 0 {
		p.RSIOversold = d.RSIOversold
	}
	if p.RSIOverbought <= 0 {
		p.RSIOverbought = d.RSIOverbought
	}
	if p.RangeBandATR <= 0 {
		p.RangeBandATR = d.RangeBandATR
	}
	return p
}

// ByName selects the configured strategy variant. Exactly one variant is
// active per run.
func ByName(name string, p Params) (Strategy, error) {
	p = p.withDefaults()
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trend", "trend-follow", "trendfollow":
		return &TrendFollow{Params: p}, nil
	case "breakout", "volatility-breakout":
		return &VolatilityBreakout{Params: p}, nil
	case "meanrev", "mean-reversion", "rsi":
		return &RSIMeanReversion{Params: p}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q (supported: trend, breakout, meanrev)", name)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
