// Package position tracks the single open position and reconciles local
// order state against the exchange. The exchange is the ground truth:
// whenever local and remote state diverge, local state is corrected to
// match the exchange and the divergence is logged.
package position

import (
	"time"

	"github.com/quantrove/upbot/broker"
)

// State names the reconciliation machine states.
type State string

const (
	StateFlat         State = "flat"
	StateEntryPending State = "entry_pending"
	StateOpen         State = "open"
	StateExitPending  State = "exit_pending"
	StateReconciling  State = "reconciling"
)

// Side of the tracked position. Short positions are not supported on
// spot markets, so the only held side is long.
type Side string

const (
	SideFlat Side = "flat"
	SideLong Side = "long"
)

// Position is the locally tracked position for the configured market.
// EntryPrice is the volume-weighted average across entry fills.
// EquityAtEntry freezes the account equity used for R-unit sizing so
// later equity changes do not reprice the trade's risk unit.
type Position struct {
	Market        string    `json:"market"`
	Side          Side      `json:"side"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	InitialStop   float64   `json:"initial_stop"`
	TrailStop     float64   `json:"trail_stop"`
	HighestHigh   float64   `json:"highest_high"`
	OpenedAt      time.Time `json:"opened_at"`
	EquityAtEntry float64   `json:"equity_at_entry"`

	// Exit fill progress, accumulated across partial exit fills until
	// the position is fully closed and a ClosedTrade is emitted.
	ExitQuantity float64 `json:"exit_quantity"`
	ExitNotional float64 `json:"exit_notional"`
	FeesPaid     float64 `json:"fees_paid"`
	ExitReason   string  `json:"exit_reason,omitempty"`
}

// Open reports whether any quantity is held.
func (p Position) Open() bool { return p.Side == SideLong && p.Quantity > 0 }

// ClosedTrade is emitted once when a position's exit fills complete.
// Pnl is net of fees. EquityAtEntry is carried so the realized result
// can be expressed in the R units the trade was sized with.
type ClosedTrade struct {
	TradeID       string    `json:"trade_id"`
	Market        string    `json:"market"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	ExitPrice     float64   `json:"exit_price"`
	Pnl           float64   `json:"pnl"`
	Fees          float64   `json:"fees"`
	EquityAtEntry float64   `json:"equity_at_entry"`
	OpenedAt      time.Time `json:"opened_at"`
	ClosedAt      time.Time `json:"closed_at"`
	Reason        string    `json:"reason"`
}

// Snapshot is a read-only view of the machine for status reporting.
type Snapshot struct {
	State    State                `json:"state"`
	Position Position             `json:"position"`
	Orders   []broker.OrderRecord `json:"orders"`
}
