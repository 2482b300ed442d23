// Package journal records closed trades and equity snapshots for later
// review. It is an observer of the core, never a dependency of its
// decisions.
package journal

import "time"

// TradeRecord is one fully closed trade.
type TradeRecord struct {
	TradeID    string
	Market     string
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	OpenTime   time.Time
	CloseTime  time.Time
	RealizedPL float64
	Fees       float64
	RMultiple  float64
	Reason     string
}

// EquitySnapshot is a point-in-time account and risk-budget reading.
type EquitySnapshot struct {
	Time          time.Time
	Equity        float64
	RealizedRDay  float64
	RealizedRWeek float64
}

// Journal persists trade and equity history.
type Journal interface {
	RecordTrade(TradeRecord) error
	RecordEquity(EquitySnapshot) error
	LastTrades(n int) ([]TradeRecord, error)
	Close() error
}
