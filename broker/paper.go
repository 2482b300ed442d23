package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantrove/upbot/market"
	"github.com/quantrove/upbot/pkg/id"
)

// Paper is an in-memory exchange for paper runs and tests. Market orders
// fill at the current mark price; HoldFills leaves orders open so tests can
// drive partial fills explicitly.
type Paper struct {
	mu sync.Mutex

	inst   market.Instrument
	mark   float64
	cash   float64 // quote currency balance
	base   float64 // base currency balance
	feeBps float64

	orders map[string]*OrderRecord // keyed by exchange id
	byKey  map[string]string       // idempotency key -> exchange id

	holdFills bool
	failNext  int
}

// NewPaper creates a paper exchange with the given starting cash and mark.
func NewPaper(inst market.Instrument, startingCash, mark, feeBps float64) *Paper {
	return &Paper{
		inst:   inst,
		mark:   mark,
		cash:   startingCash,
		feeBps: feeBps,
		orders: make(map[string]*OrderRecord),
		byKey:  make(map[string]string),
	}
}

// SetMark moves the simulated market price.
func (p *Paper) SetMark(px float64) {
	p.mu.Lock()
	p.mark = px
	p.mu.Unlock()
}

// HoldFills toggles automatic filling. While held, submitted orders stay in
// StatusSubmitted until Fill is called.
func (p *Paper) HoldFills(on bool) {
	p.mu.Lock()
	p.holdFills = on
	p.mu.Unlock()
}

// FailNext makes the next n transport calls fail with ErrTransport.
func (p *Paper) FailNext(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

func (p *Paper) tripLocked() error {
	if p.failNext > 0 {
		p.failNext--
		return fmt.Errorf("%w: simulated failure", ErrTransport)
	}
	return nil
}

func (p *Paper) SubmitOrder(ctx context.Context, intent OrderIntent) (OrderRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.tripLocked(); err != nil {
		return OrderRecord{}, err
	}

	// The exchange side of idempotency: a resubmitted identifier returns
	// the already-known order instead of opening a second one.
	if exID, ok := p.byKey[intent.IdempotencyKey]; ok {
		return *p.orders[exID], nil
	}

	rec := &OrderRecord{
		ExchangeID:     id.New(),
		IdempotencyKey: intent.IdempotencyKey,
		Market:         intent.Market,
		Side:           intent.Side,
		Kind:           intent.Kind,
		Status:         StatusSubmitted,
		RequestedQty:   intent.Quantity,
		UpdatedAt:      time.Now(),
	}
	p.orders[rec.ExchangeID] = rec
	p.byKey[rec.IdempotencyKey] = rec.ExchangeID

	if !p.holdFills {
		p.fillLocked(rec, rec.RequestedQty, p.mark)
	}
	return *rec, nil
}

// Fill applies a (partial) fill to a held order at the given price.
func (p *Paper) Fill(exchangeID string, qty, px float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.orders[exchangeID]
	if !ok {
		return ErrOrderNotFound
	}
	if !rec.Status.Live() {
		return fmt.Errorf("order %s is %s", exchangeID, rec.Status)
	}
	if remaining := rec.RequestedQty - rec.FilledQty; qty > remaining {
		qty = remaining
	}
	p.fillLocked(rec, qty, px)
	return nil
}

func (p *Paper) fillLocked(rec *OrderRecord, qty, px float64) {
	fee := qty * px * p.feeBps / 10000

	prevNotional := rec.AvgFillPrice * rec.FilledQty
	rec.FilledQty += qty
	rec.AvgFillPrice = (prevNotional + qty*px) / rec.FilledQty
	rec.Fees += fee
	if rec.FilledQty >= rec.RequestedQty {
		rec.Status = StatusFilled
	} else {
		rec.Status = StatusPartiallyFilled
	}
	rec.UpdatedAt = time.Now()

	if rec.Side == Buy {
		p.cash -= qty*px + fee
		p.base += qty
	} else {
		p.base -= qty
		p.cash += qty*px - fee
	}
}

func (p *Paper) CancelOrder(ctx context.Context, exchangeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.tripLocked(); err != nil {
		return err
	}
	rec, ok := p.orders[exchangeID]
	if !ok {
		return ErrOrderNotFound
	}
	if rec.Status.Live() {
		rec.Status = StatusCanceled
		rec.UpdatedAt = time.Now()
	}
	return nil
}

func (p *Paper) FetchOrder(ctx context.Context, exchangeID string) (OrderRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.tripLocked(); err != nil {
		return OrderRecord{}, err
	}
	rec, ok := p.orders[exchangeID]
	if !ok {
		return OrderRecord{}, ErrOrderNotFound
	}
	return *rec, nil
}

func (p *Paper) FetchOpenOrders(ctx context.Context, mkt string) ([]OrderRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.tripLocked(); err != nil {
		return nil, err
	}
	var out []OrderRecord
	for _, rec := range p.orders {
		if rec.Market == mkt && rec.Status.Live() {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (p *Paper) FetchPosition(ctx context.Context, mkt string) (*PositionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.tripLocked(); err != nil {
		return nil, err
	}
	if p.base < p.inst.LotStep {
		return nil, nil
	}
	return &PositionSnapshot{
		Market:   mkt,
		Quantity: p.base,
		AvgPrice: p.mark,
	}, nil
}

func (p *Paper) FetchEquity(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.tripLocked(); err != nil {
		return 0, err
	}
	return p.cash + p.base*p.mark, nil
}

// Balances returns the raw paper balances. Test helper.
func (p *Paper) Balances() (cash, base float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, p.base
}

var _ Exchange = (*Paper)(nil)
