package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantrove/upbot/broker"
	"github.com/quantrove/upbot/market"
	"github.com/quantrove/upbot/metrics"
	"github.com/quantrove/upbot/pkg/id"
)

const stateKey = "position/state"

var (
	// ErrEntryNotAllowed is returned when an entry is submitted while
	// the machine is not flat or is reconciling.
	ErrEntryNotAllowed = errors.New("position: entry not allowed in current state")

	// ErrNoOpenPosition is returned when an exit is submitted with no
	// position to exit.
	ErrNoOpenPosition = errors.New("position: no open position")
)

// StateStore is the persistence the machine needs. Writes go through
// compare-and-swap so a concurrent writer (a second process against
// the same database) is detected instead of silently overwritten.
type StateStore interface {
	GetJSONVersioned(key string, v any) (version int64, found bool, err error)
	CompareAndSwapJSON(key string, expected int64, v any) error
}

type persisted struct {
	State    State                         `json:"state"`
	Position Position                      `json:"position"`
	Orders   map[string]broker.OrderRecord `json:"orders"`
}

// Machine owns the position lifecycle for one market:
//
//	flat -> entry_pending -> open -> exit_pending -> flat
//
// plus an absorbing reconciling state entered on startup, on transport
// failure, and on any local/remote divergence. While reconciling, new
// entries are refused but exits are still attempted.
type Machine struct {
	mu sync.Mutex

	market string
	inst   market.Instrument
	ex     broker.Exchange
	st     StateStore
	log    zerolog.Logger
	now    func() time.Time

	state   State
	pos     Position
	orders  map[string]broker.OrderRecord
	version int64

	// Trades completed by synchronous fills, drained by PollOrders.
	closed []ClosedTrade
}

// NewMachine restores persisted state if present and starts in
// reconciling regardless, so the first loop tick resolves local state
// against the exchange before any new order is placed.
func NewMachine(mkt string, inst market.Instrument, ex broker.Exchange, st StateStore, logger zerolog.Logger) (*Machine, error) {
	m := &Machine{
		market: mkt,
		inst:   inst,
		ex:     ex,
		st:     st,
		log:    logger.With().Str("component", "position").Str("market", mkt).Logger(),
		now:    time.Now,
		state:  StateReconciling,
		pos:    Position{Market: mkt, Side: SideFlat},
		orders: make(map[string]broker.OrderRecord),
	}

	var p persisted
	version, found, err := st.GetJSONVersioned(stateKey, &p)
	if err != nil {
		return nil, fmt.Errorf("load position state: %w", err)
	}
	if found {
		m.version = version
		m.pos = p.Position
		if p.Orders != nil {
			m.orders = p.Orders
		}
		m.log.Info().
			Str("persisted_state", string(p.State)).
			Float64("quantity", p.Position.Quantity).
			Msg("restored position state, reconciling against exchange")
	}
	return m, nil
}

// SetClock overrides the time source for tests.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// State returns the current machine state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the machine's state for reporting.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	orders := make([]broker.OrderRecord, 0, len(m.orders))
	for _, rec := range m.orders {
		orders = append(orders, rec)
	}
	return Snapshot{State: m.state, Position: m.pos, Orders: orders}
}

// EntriesAllowed reports whether a new entry may be submitted.
func (m *Machine) EntriesAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateFlat
}

// SubmitEntry places an entry order. The idempotency key on the intent
// is the duplicate guard: resubmitting a known key is a no-op that
// returns the existing record. equityAtEntry is frozen on the position
// so the trade's R unit never moves after entry.
func (m *Machine) SubmitEntry(ctx context.Context, intent broker.OrderIntent, equityAtEntry float64) (broker.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.orders[intent.IdempotencyKey]; ok {
		metrics.DuplicatesSuppressed.Inc()
		m.log.Warn().Str("key", intent.IdempotencyKey).Msg("duplicate entry intent suppressed")
		return rec, nil
	}
	if m.state != StateFlat {
		return broker.OrderRecord{}, fmt.Errorf("%w: state=%s", ErrEntryNotAllowed, m.state)
	}

	rec, err := m.ex.SubmitOrder(ctx, intent)
	if err != nil {
		m.handleTransportErrLocked(err, "entry submit")
		return broker.OrderRecord{}, err
	}

	m.state = StateEntryPending
	m.pos = Position{
		Market:        m.market,
		Side:          SideLong,
		OpenedAt:      m.now(),
		EquityAtEntry: equityAtEntry,
	}
	m.applyRecordLocked(rec)
	if err := m.persistLocked(); err != nil {
		return rec, err
	}
	m.log.Info().
		Str("key", rec.IdempotencyKey).
		Str("exchange_id", rec.ExchangeID).
		Float64("quantity", intent.Quantity).
		Msg("entry submitted")
	return rec, nil
}

// SubmitExit places an exit order against the open position. Exits are
// accepted while reconciling: reducing exposure is always safe.
func (m *Machine) SubmitExit(ctx context.Context, intent broker.OrderIntent) (broker.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitExitLocked(ctx, intent)
}

func (m *Machine) submitExitLocked(ctx context.Context, intent broker.OrderIntent) (broker.OrderRecord, error) {
	if rec, ok := m.orders[intent.IdempotencyKey]; ok {
		metrics.DuplicatesSuppressed.Inc()
		m.log.Warn().Str("key", intent.IdempotencyKey).Msg("duplicate exit intent suppressed")
		return rec, nil
	}
	if !m.pos.Open() {
		return broker.OrderRecord{}, ErrNoOpenPosition
	}

	rec, err := m.ex.SubmitOrder(ctx, intent)
	if err != nil {
		m.handleTransportErrLocked(err, "exit submit")
		return broker.OrderRecord{}, err
	}

	if m.state == StateOpen {
		m.state = StateExitPending
	}
	m.pos.ExitReason = string(intent.Kind)
	m.applyRecordLocked(rec)
	if err := m.persistLocked(); err != nil {
		return rec, err
	}
	m.log.Info().
		Str("key", rec.IdempotencyKey).
		Str("kind", string(intent.Kind)).
		Float64("quantity", intent.Quantity).
		Msg("exit submitted")
	return rec, nil
}

// Flatten cancels every live exit order and then market-sells the full
// remaining quantity. It takes precedence over pending exits so there
// is exactly one authoritative close in flight afterwards. A pending
// unfilled entry is canceled rather than flattened.
func (m *Machine) Flatten(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, rec := range m.orders {
		if !rec.Status.Live() {
			continue
		}
		if err := m.ex.CancelOrder(ctx, rec.ExchangeID); err != nil {
			if errors.Is(err, broker.ErrOrderNotFound) {
				continue
			}
			m.handleTransportErrLocked(err, "flatten cancel")
			return fmt.Errorf("cancel %s: %w", key, err)
		}
		rec.Status = broker.StatusCanceled
		m.orders[key] = rec
		m.log.Info().Str("key", key).Str("kind", string(rec.Kind)).Msg("canceled live order before flatten")
	}

	if !m.pos.Open() || m.pos.Quantity <= m.pos.ExitQuantity {
		if m.state == StateEntryPending {
			m.state = StateFlat
			m.pos = Position{Market: m.market, Side: SideFlat}
		}
		return m.persistLocked()
	}

	intent := broker.OrderIntent{
		Market:         m.market,
		Side:           broker.Sell,
		Kind:           broker.KindManualFlatten,
		Quantity:       m.pos.Quantity - m.pos.ExitQuantity,
		IdempotencyKey: id.IntentKey(string(broker.KindManualFlatten)),
	}
	m.pos.ExitReason = reason
	rec, err := m.ex.SubmitOrder(ctx, intent)
	if err != nil {
		m.handleTransportErrLocked(err, "flatten submit")
		return err
	}
	m.state = StateExitPending
	m.applyRecordLocked(rec)
	m.log.Warn().Str("reason", reason).Float64("quantity", intent.Quantity).Msg("flattening position")
	return m.persistLocked()
}

// PollOrders refreshes every live local order from the exchange and
// applies fills. It returns every trade completed since the last call,
// including ones closed by synchronous fills on submit.
func (m *Machine) PollOrders(ctx context.Context) ([]ClosedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pollErr error
	for key, rec := range m.orders {
		if !rec.Status.Live() {
			continue
		}
		fresh, err := m.ex.FetchOrder(ctx, rec.ExchangeID)
		if err != nil {
			if errors.Is(err, broker.ErrOrderNotFound) {
				// Fold the cancellation through the normal path so a
				// vanished entry reverts to flat and a vanished exit
				// reopens the position.
				rec.Status = broker.StatusCanceled
				m.log.Warn().Str("key", key).Msg("order vanished on exchange, marking canceled")
				m.applyRecordLocked(rec)
				continue
			}
			m.handleTransportErrLocked(err, "order poll")
			pollErr = err
			break
		}
		m.applyRecordLocked(fresh)
	}

	closed := m.closed
	m.closed = nil
	if pollErr != nil {
		return closed, pollErr
	}
	if err := m.persistLocked(); err != nil {
		return closed, err
	}
	return closed, nil
}

// applyRecordLocked folds an updated order record into local state.
// Fill deltas are computed from the cumulative filled quantity and
// average price on the record, so a record may be applied repeatedly
// without double counting. Completed trades land in the closed buffer.
func (m *Machine) applyRecordLocked(rec broker.OrderRecord) {
	prev := m.orders[rec.IdempotencyKey]
	m.orders[rec.IdempotencyKey] = rec

	deltaQty := rec.FilledQty - prev.FilledQty
	deltaNotional := rec.AvgFillPrice*rec.FilledQty - prev.AvgFillPrice*prev.FilledQty
	deltaFees := rec.Fees - prev.Fees

	if rec.Kind == broker.KindEntry {
		m.applyEntryLocked(rec, deltaQty, deltaNotional, deltaFees)
		return
	}
	m.applyExitLocked(rec, deltaQty, deltaNotional, deltaFees)
}

func (m *Machine) applyEntryLocked(rec broker.OrderRecord, deltaQty, deltaNotional, deltaFees float64) {
	if deltaQty > 0 {
		// VWAP across partial entry fills.
		notional := m.pos.EntryPrice*m.pos.Quantity + deltaNotional
		m.pos.Quantity += deltaQty
		m.pos.EntryPrice = notional / m.pos.Quantity
		m.pos.FeesPaid += deltaFees
	}

	switch rec.Status {
	case broker.StatusFilled:
		m.state = StateOpen
		m.log.Info().
			Float64("quantity", m.pos.Quantity).
			Float64("entry_price", m.pos.EntryPrice).
			Msg("entry filled, position open")
	case broker.StatusCanceled, broker.StatusRejected:
		if m.pos.Quantity >= m.inst.LotStep {
			// Partially filled then canceled: hold what we got.
			m.state = StateOpen
			m.log.Warn().Float64("quantity", m.pos.Quantity).Msg("entry canceled with partial fill, holding remainder")
		} else {
			m.state = StateFlat
			m.pos = Position{Market: m.market, Side: SideFlat}
			m.log.Warn().Str("status", string(rec.Status)).Msg("entry did not fill, back to flat")
		}
	}
}

func (m *Machine) applyExitLocked(rec broker.OrderRecord, deltaQty, deltaNotional, deltaFees float64) {
	if deltaQty > 0 {
		m.pos.ExitQuantity += deltaQty
		m.pos.ExitNotional += deltaNotional
		m.pos.FeesPaid += deltaFees
	}

	remaining := m.pos.Quantity - m.pos.ExitQuantity
	if rec.Status == broker.StatusFilled && remaining < m.inst.LotStep {
		m.closed = append(m.closed, m.closeTradeLocked())
		return
	}
	if rec.Status == broker.StatusCanceled || rec.Status == broker.StatusRejected {
		if remaining < m.inst.LotStep {
			// Canceled after a near-complete fill: the remainder is
			// below the tradable lot, so the trade is done.
			m.closed = append(m.closed, m.closeTradeLocked())
			return
		}
		if !m.anyLiveExitLocked() {
			m.state = StateOpen
			m.log.Warn().
				Str("status", string(rec.Status)).
				Float64("remaining", remaining).
				Msg("exit order did not complete, position remains open")
		}
	}
}

func (m *Machine) closeTradeLocked() ClosedTrade {
	exitPrice := 0.0
	if m.pos.ExitQuantity > 0 {
		exitPrice = m.pos.ExitNotional / m.pos.ExitQuantity
	}
	pnl := m.pos.ExitNotional - m.pos.EntryPrice*m.pos.ExitQuantity - m.pos.FeesPaid
	trade := ClosedTrade{
		TradeID:       id.New(),
		Market:        m.market,
		Quantity:      m.pos.ExitQuantity,
		EntryPrice:    m.pos.EntryPrice,
		ExitPrice:     exitPrice,
		Pnl:           pnl,
		Fees:          m.pos.FeesPaid,
		EquityAtEntry: m.pos.EquityAtEntry,
		OpenedAt:      m.pos.OpenedAt,
		ClosedAt:      m.now(),
		Reason:        m.pos.ExitReason,
	}
	m.log.Info().
		Str("trade_id", trade.TradeID).
		Float64("pnl", trade.Pnl).
		Str("reason", trade.Reason).
		Msg("trade closed")

	m.state = StateFlat
	m.pos = Position{Market: m.market, Side: SideFlat}
	for key, rec := range m.orders {
		if !rec.Status.Live() {
			delete(m.orders, key)
		}
	}
	return trade
}

func (m *Machine) anyLiveExitLocked() bool {
	for _, rec := range m.orders {
		if rec.Kind.IsExit() && rec.Status.Live() {
			return true
		}
	}
	return false
}

// ObserveBar tracks the highest high since entry while a position is
// held. The trailing stop ratchets off this watermark.
func (m *Machine) ObserveBar(b market.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pos.Open() {
		return
	}
	if b.High > m.pos.HighestHigh {
		m.pos.HighestHigh = b.High
	}
}

// Position returns a copy of the tracked position.
func (m *Machine) Position() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// SetStops records the stop levels for the open position. The trail is
// monotonic: a lower trail than the current one is ignored.
func (m *Machine) SetStops(initial, trail float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.Side != SideLong {
		return nil
	}
	changed := false
	if initial > 0 && m.pos.InitialStop == 0 {
		m.pos.InitialStop = initial
		changed = true
	}
	if trail > m.pos.TrailStop {
		m.pos.TrailStop = trail
		changed = true
	}
	if !changed {
		return nil
	}
	return m.persistLocked()
}

// Reconcile resolves local state against the exchange. The exchange
// wins every conflict: local orders are refreshed from remote records,
// a position the exchange does not hold is dropped, and a position the
// exchange holds that we do not know is adopted.
func (m *Machine) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics.ReconcileRuns.Inc()

	open, err := m.ex.FetchOpenOrders(ctx, m.market)
	if err != nil {
		return fmt.Errorf("reconcile open orders: %w", err)
	}
	snap, err := m.ex.FetchPosition(ctx, m.market)
	if err != nil {
		return fmt.Errorf("reconcile position: %w", err)
	}

	remoteLive := make(map[string]broker.OrderRecord, len(open))
	for _, rec := range open {
		remoteLive[rec.ExchangeID] = rec
	}

	// Local orders we believe are live but the exchange no longer
	// lists must have reached a terminal state; fetch their outcome.
	for key, rec := range m.orders {
		if !rec.Status.Live() {
			continue
		}
		if remote, ok := remoteLive[rec.ExchangeID]; ok {
			m.applyRecordLocked(remote)
			delete(remoteLive, rec.ExchangeID)
			continue
		}
		fresh, err := m.ex.FetchOrder(ctx, rec.ExchangeID)
		if err != nil {
			if errors.Is(err, broker.ErrOrderNotFound) {
				rec.Status = broker.StatusCanceled
				m.orders[key] = rec
				continue
			}
			return fmt.Errorf("reconcile order %s: %w", key, err)
		}
		m.applyRecordLocked(fresh)
	}

	// Live exchange orders we have no record of: adopt them so they
	// are tracked and cancelable.
	for _, rec := range remoteLive {
		if rec.IdempotencyKey == "" {
			rec.IdempotencyKey = "adopted-" + rec.ExchangeID
		}
		m.orders[rec.IdempotencyKey] = rec
		metrics.ReconcileDivergences.Inc()
		m.log.Warn().
			Str("exchange_id", rec.ExchangeID).
			Str("kind", string(rec.Kind)).
			Msg("adopted unknown live order from exchange")
	}

	m.reconcilePositionLocked(snap)
	m.state = m.resolvedStateLocked()
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.log.Info().Str("state", string(m.state)).Float64("quantity", m.pos.Quantity).Msg("reconciled against exchange")
	return nil
}

func (m *Machine) reconcilePositionLocked(snap *broker.PositionSnapshot) {
	switch {
	case snap == nil && m.pos.Open():
		metrics.ReconcileDivergences.Inc()
		m.log.Warn().
			Float64("local_quantity", m.pos.Quantity).
			Msg("exchange reports flat, dropping local position")
		m.pos = Position{Market: m.market, Side: SideFlat}

	case snap != nil && !m.pos.Open():
		metrics.ReconcileDivergences.Inc()
		m.log.Warn().
			Float64("quantity", snap.Quantity).
			Float64("avg_price", snap.AvgPrice).
			Msg("exchange holds a position we did not track, adopting")
		m.pos = Position{
			Market:     m.market,
			Side:       SideLong,
			Quantity:   snap.Quantity,
			EntryPrice: snap.AvgPrice,
			OpenedAt:   m.now(),
		}

	case snap != nil && m.pos.Open():
		held := m.pos.Quantity - m.pos.ExitQuantity
		if diff := snap.Quantity - held; diff >= m.inst.LotStep || diff <= -m.inst.LotStep {
			metrics.ReconcileDivergences.Inc()
			m.log.Warn().
				Float64("local_quantity", held).
				Float64("exchange_quantity", snap.Quantity).
				Msg("quantity divergence, taking exchange quantity")
			m.pos.Quantity = snap.Quantity
			m.pos.ExitQuantity = 0
			m.pos.ExitNotional = 0
		}
	}
}

func (m *Machine) resolvedStateLocked() State {
	for _, rec := range m.orders {
		if !rec.Status.Live() {
			continue
		}
		if rec.Kind == broker.KindEntry {
			return StateEntryPending
		}
		return StateExitPending
	}
	if m.pos.Open() {
		return StateOpen
	}
	return StateFlat
}

// handleTransportErrLocked drops the machine into reconciling when an
// operation failed in a way that leaves remote state unknown.
func (m *Machine) handleTransportErrLocked(err error, op string) {
	if !errors.Is(err, broker.ErrReconciliationRequired) {
		return
	}
	m.state = StateReconciling
	m.log.Error().Err(err).Str("op", op).Msg("transport failure, entering reconciliation")
	if perr := m.persistLocked(); perr != nil {
		m.log.Error().Err(perr).Msg("persist after transport failure")
	}
}

func (m *Machine) persistLocked() error {
	p := persisted{State: m.state, Position: m.pos, Orders: m.orders}
	err := m.st.CompareAndSwapJSON(stateKey, m.version, p)
	if err == nil {
		m.version++
		return nil
	}

	// A version mismatch means another writer touched our state.
	// Take the fresh version, overwrite once, and force a reconcile
	// pass rather than trusting either copy.
	var stale persisted
	version, found, gerr := m.st.GetJSONVersioned(stateKey, &stale)
	if gerr != nil || !found {
		return fmt.Errorf("persist position state: %w", err)
	}
	m.log.Error().Int64("store_version", version).Msg("state version conflict, forcing reconciliation")
	m.state = StateReconciling
	p.State = m.state
	if cerr := m.st.CompareAndSwapJSON(stateKey, version, p); cerr != nil {
		return fmt.Errorf("persist position state: %w", cerr)
	}
	m.version = version + 1
	return nil
}
