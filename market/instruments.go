package market

import "math"

// Instrument carries the exchange rounding rules for one spot market.
// Quantities are floored to LotStep so an order can never exceed the risk
// budget through rounding; prices snap to TickSize.
type Instrument struct {
	Market        string // e.g. "KRW-BTC"
	BaseCurrency  string
	QuoteCurrency string

	TickSize    float64 // minimum price increment in quote currency
	LotStep     float64 // minimum quantity increment in base currency
	MinQuantity float64 // exchange minimum order quantity
	MinNotional float64 // exchange minimum order value in quote currency
}

// Instruments is the set of markets the bot knows how to trade.
var Instruments = map[string]Instrument{
	"KRW-BTC": {
		Market:        "KRW-BTC",
		BaseCurrency:  "BTC",
		QuoteCurrency: "KRW",
		TickSize:      1000,
		LotStep:       0.00000001,
		MinQuantity:   0.00008,
		MinNotional:   5000,
	},
	"KRW-ETH": {
		Market:        "KRW-ETH",
		BaseCurrency:  "ETH",
		QuoteCurrency: "KRW",
		TickSize:      500,
		LotStep:       0.00000001,
		MinQuantity:   0.001,
		MinNotional:   5000,
	},
}

// FloorLot rounds a quantity down to the instrument's lot step.
func (i Instrument) FloorLot(qty float64) float64 {
	if i.LotStep <= 0 {
		return qty
	}
	steps := math.Floor(qty / i.LotStep)
	return steps * i.LotStep
}

// SnapPriceDown rounds a price down to the instrument's tick size.
func (i Instrument) SnapPriceDown(px float64) float64 {
	if i.TickSize <= 0 {
		return px
	}
	return math.Floor(px/i.TickSize) * i.TickSize
}

// SnapPriceUp rounds a price up to the instrument's tick size.
func (i Instrument) SnapPriceUp(px float64) float64 {
	if i.TickSize <= 0 {
		return px
	}
	return math.Ceil(px/i.TickSize) * i.TickSize
}

// Tradable reports whether an order of qty at px clears the exchange minimums.
func (i Instrument) Tradable(qty, px float64) bool {
	if qty < i.MinQuantity {
		return false
	}
	return qty*px >= i.MinNotional
}
