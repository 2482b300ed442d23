package broker

import (
	"context"
	"errors"
	"time"
)

// Side is the side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// IntentKind classifies why an order is being placed. The reconciliation
// machine uses it for exit precedence: a manual flatten cancels and
// supersedes pending stop/trail exits.
type IntentKind string

const (
	KindEntry         IntentKind = "entry"
	KindStopExit      IntentKind = "stop_exit"
	KindTrailExit     IntentKind = "trail_exit"
	KindManualFlatten IntentKind = "manual_flatten"
)

// IsExit reports whether the kind reduces or closes exposure.
func (k IntentKind) IsExit() bool {
	return k == KindStopExit || k == KindTrailExit || k == KindManualFlatten
}

// OrderIntent is an immutable request to place one order. Two intents with
// the same IdempotencyKey must never produce two live orders, regardless of
// transport retries.
type OrderIntent struct {
	Market         string
	Side           Side
	Kind           IntentKind
	Quantity       float64
	LimitPrice     float64 // 0 means market order
	IdempotencyKey string
}

// OrderStatus is the exchange-reported lifecycle state of an order.
type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "submitted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
)

// Live reports whether the order can still fill.
func (s OrderStatus) Live() bool {
	return s == StatusSubmitted || s == StatusPartiallyFilled
}

// OrderRecord is the normalized view of one exchange order. The
// reconciliation machine's OrderRecord set is the single source of truth
// for outstanding exposure.
type OrderRecord struct {
	ExchangeID     string
	IdempotencyKey string
	Market         string
	Side           Side
	Kind           IntentKind
	Status         OrderStatus
	RequestedQty   float64
	FilledQty      float64
	AvgFillPrice   float64
	Fees           float64
	UpdatedAt      time.Time
}

// PositionSnapshot is the exchange's authoritative account view of held
// base-currency quantity for one market.
type PositionSnapshot struct {
	Market   string
	Quantity float64
	AvgPrice float64
}

var (
	// ErrTransport marks a transient transport failure (timeout, 5xx).
	// Retried with backoff; never surfaces past the guards layer directly.
	ErrTransport = errors.New("exchange transport error")

	// ErrReconciliationRequired means retries are exhausted and local state
	// can no longer be confirmed consistent with the exchange. The
	// reconciliation machine must resync before new entries.
	ErrReconciliationRequired = errors.New("reconciliation required")

	// ErrOrderNotFound is returned when the exchange does not know the
	// requested order.
	ErrOrderNotFound = errors.New("order not found")
)

// Exchange is the outbound transport surface the core depends on. All
// calls are at-least-once from the caller's perspective; uniqueness is
// enforced by the intent's idempotency key, not by the transport.
type Exchange interface {
	SubmitOrder(ctx context.Context, intent OrderIntent) (OrderRecord, error)
	CancelOrder(ctx context.Context, exchangeID string) error
	FetchOrder(ctx context.Context, exchangeID string) (OrderRecord, error)
	FetchOpenOrders(ctx context.Context, mkt string) ([]OrderRecord, error)
	FetchPosition(ctx context.Context, mkt string) (*PositionSnapshot, error)
	FetchEquity(ctx context.Context) (float64, error)
}
