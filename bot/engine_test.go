package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrove/upbot/broker"
	"github.com/quantrove/upbot/indicators"
	"github.com/quantrove/upbot/journal"
	"github.com/quantrove/upbot/market"
	"github.com/quantrove/upbot/position"
	"github.com/quantrove/upbot/risk"
	"github.com/quantrove/upbot/strategies"
)

var btc = market.Instruments["KRW-BTC"]

type memStore struct {
	data map[string][]byte
	ver  map[string]int64
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte), ver: make(map[string]int64)}
}

func (s *memStore) PutJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.data[key] = b
	s.ver[key]++
	return nil
}

func (s *memStore) GetJSON(key string, v any) (bool, error) {
	b, ok := s.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func (s *memStore) GetJSONVersioned(key string, v any) (int64, bool, error) {
	b, ok := s.data[key]
	if !ok {
		return 0, false, nil
	}
	return s.ver[key], true, json.Unmarshal(b, v)
}

func (s *memStore) CompareAndSwapJSON(key string, expected int64, v any) error {
	if s.ver[key] != expected {
		return fmt.Errorf("version mismatch: have %d want %d", s.ver[key], expected)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.data[key] = b
	s.ver[key] = expected + 1
	return nil
}

type memJournal struct {
	trades []journal.TradeRecord
	equity []journal.EquitySnapshot
}

func (j *memJournal) RecordTrade(t journal.TradeRecord) error {
	j.trades = append(j.trades, t)
	return nil
}

func (j *memJournal) RecordEquity(e journal.EquitySnapshot) error {
	j.equity = append(j.equity, e)
	return nil
}

func (j *memJournal) LastTrades(n int) ([]journal.TradeRecord, error) { return j.trades, nil }
func (j *memJournal) Close() error                                    { return nil }

// stubStrategy returns whatever intent the test sets.
type stubStrategy struct {
	intent strategies.Intent
}

func (s *stubStrategy) Name() string { return "stub" }
func (s *stubStrategy) Evaluate(window []market.Bar, ind indicators.Snapshot) strategies.Intent {
	return s.intent
}

type harness struct {
	engine  *Engine
	paper   *broker.Paper
	ledger  *risk.Ledger
	machine *position.Machine
	strat   *stubStrategy
	jrnl    *memJournal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	paper := broker.NewPaper(btc, 10_000_000, 100_000_000, 0)
	return newHarnessWith(t, paper, paper)
}

func newHarnessWith(t *testing.T, ex broker.Exchange, paper *broker.Paper) *harness {
	t.Helper()
	st := newMemStore()

	ledger, err := risk.NewLedger(risk.DefaultConfig(btc), st, zerolog.Nop())
	require.NoError(t, err)

	machine, err := position.NewMachine("KRW-BTC", btc, ex, st, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, machine.Reconcile(context.Background()))

	strat := &stubStrategy{intent: strategies.Intent{Direction: strategies.Flat}}
	jrnl := &memJournal{}
	tracker := indicators.NewTracker(indicators.TrackerConfig{
		EMAFastPeriod:   2,
		EMASlowPeriod:   2,
		ATRPeriod:       2,
		RSIPeriod:       2,
		HighLookback:    2,
		VolumeAvgPeriod: 2,
	})

	cfg := DefaultConfig("KRW-BTC")
	cfg.CallTimeout = time.Second
	eng := NewEngine(cfg, btc, ex, ledger, machine, strat, tracker,
		risk.DefaultStopConfig(), jrnl, zerolog.Nop())

	return &harness{engine: eng, paper: paper, ledger: ledger, machine: machine, strat: strat, jrnl: jrnl}
}

var t0 = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

func bar(i int, close, low, high, volume float64) market.Bar {
	return market.Bar{
		Market:   "KRW-BTC",
		Interval: 5 * time.Minute,
		OpenTime: t0.Add(time.Duration(i) * 5 * time.Minute),
		Open:     close,
		High:     high,
		Low:      low,
		Close:    close,
		Volume:   volume,
	}
}

// warmup feeds enough quiet bars to ready every indicator.
func (h *harness) warmup(ctx context.Context, n int) int {
	for i := 0; i < n; i++ {
		h.engine.handleBar(ctx, bar(i, 100_000_000, 99_500_000, 100_500_000, 10))
	}
	return n
}

func TestEntryPlacedOnSignal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	i := h.warmup(ctx, 8)

	h.strat.intent = strategies.Intent{
		Direction:    strategies.Long,
		Confidence:   0.8,
		StopDistance: 2_000_000,
		Reason:       "trend up",
	}
	h.engine.handleBar(ctx, bar(i, 100_000_000, 99_500_000, 100_500_000, 10))

	require.Equal(t, position.StateOpen, h.machine.State())
	pos := h.machine.Position()
	// 0.5% of 10M equity = 50,000 KRW risk over a 2M stop distance.
	assert.InDelta(t, 0.025, pos.Quantity, 1e-9)
	assert.InDelta(t, 98_000_000, pos.InitialStop, 1e-6)
	assert.InDelta(t, 10_000_000, pos.EquityAtEntry, 1e-6)
}

func TestSignalBelowConfidenceIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	i := h.warmup(ctx, 8)

	h.strat.intent = strategies.Intent{
		Direction:    strategies.Long,
		Confidence:   0.3,
		StopDistance: 2_000_000,
	}
	h.engine.handleBar(ctx, bar(i, 100_000_000, 99_500_000, 100_500_000, 10))

	assert.Equal(t, position.StateFlat, h.machine.State())
}

func TestDuplicateBarDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	b := bar(0, 100_000_000, 99_500_000, 100_500_000, 10)
	h.engine.handleBar(ctx, b)
	require.Len(t, h.engine.window, 1)

	h.engine.handleBar(ctx, b)
	assert.Len(t, h.engine.window, 1)
}

func TestOutOfOrderBarDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.engine.handleBar(ctx, bar(5, 100_000_000, 99_500_000, 100_500_000, 10))
	require.Len(t, h.engine.window, 1)

	h.engine.handleBar(ctx, bar(2, 100_000_000, 99_500_000, 100_500_000, 10))
	assert.Len(t, h.engine.window, 1)
}

func TestHaltBlocksEntriesButExitsStillRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	i := h.warmup(ctx, 8)

	h.strat.intent = strategies.Intent{
		Direction:    strategies.Long,
		Confidence:   0.8,
		StopDistance: 2_000_000,
	}
	h.engine.handleBar(ctx, bar(i, 100_000_000, 99_500_000, 100_500_000, 10))
	i++
	require.Equal(t, position.StateOpen, h.machine.State())

	// Breach the daily ceiling: -3R against 50k unit risk.
	_, err := h.ledger.RecordRealized(-150_000, 10_000_000)
	require.NoError(t, err)
	require.Equal(t, risk.HaltedDailyLimit, h.ledger.Halt())

	// The bar closes through the stop at 98M. The halt must not stop
	// the exit from firing.
	h.engine.handleBar(ctx, bar(i, 97_500_000, 97_000_000, 100_400_000, 10))
	i++

	assert.Equal(t, position.StateFlat, h.machine.State())

	// But a fresh signal while halted places nothing.
	h.engine.handleBar(ctx, bar(i, 100_000_000, 99_500_000, 100_500_000, 10))
	assert.Equal(t, position.StateFlat, h.machine.State())
}

func TestClosedTradeBookedToLedgerAndJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	i := h.warmup(ctx, 8)

	h.strat.intent = strategies.Intent{
		Direction:    strategies.Long,
		Confidence:   0.8,
		StopDistance: 2_000_000,
	}
	h.engine.handleBar(ctx, bar(i, 100_000_000, 99_500_000, 100_500_000, 10))
	i++
	require.Equal(t, position.StateOpen, h.machine.State())
	h.strat.intent = strategies.Intent{Direction: strategies.Flat}

	// Mark drops and the stop bar fills the exit at 97.5M, a 2.5M loss
	// per BTC on 0.025 BTC: -62,500 KRW, -1.25R.
	h.paper.SetMark(97_500_000)
	h.engine.handleBar(ctx, bar(i, 97_500_000, 97_000_000, 100_400_000, 10))
	i++
	require.Equal(t, position.StateFlat, h.machine.State())

	// The trade is booked on the next poll.
	h.engine.handleBar(ctx, bar(i, 97_500_000, 97_200_000, 97_800_000, 10))

	require.Len(t, h.jrnl.trades, 1)
	trade := h.jrnl.trades[0]
	assert.InDelta(t, -62_500, trade.RealizedPL, 1e-6)
	assert.InDelta(t, -1.25, trade.RMultiple, 1e-9)

	rs := h.ledger.Snapshot()
	assert.InDelta(t, -1.25, rs.RealizedRToday, 1e-9)
}

func TestKillSwitchCommandFlattens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	i := h.warmup(ctx, 8)

	h.strat.intent = strategies.Intent{
		Direction:    strategies.Long,
		Confidence:   0.8,
		StopDistance: 2_000_000,
	}
	h.engine.handleBar(ctx, bar(i, 100_000_000, 99_500_000, 100_500_000, 10))
	require.Equal(t, position.StateOpen, h.machine.State())

	cmd := command{kind: cmdKillSwitch, reason: "operator", reply: make(chan error, 1)}
	h.engine.handleCommand(ctx, cmd)
	require.NoError(t, <-cmd.reply)

	assert.Equal(t, risk.HaltedKillSwitch, h.ledger.Halt())
	assert.Equal(t, position.StateFlat, h.machine.State())
	allowed, _ := h.ledger.IsTradingAllowed()
	assert.False(t, allowed)
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.warmup(ctx, 3)

	st := h.engine.statusSnapshot()
	assert.Equal(t, "KRW-BTC", st.Market)
	assert.Equal(t, "stub", st.Strategy)
	assert.Equal(t, position.StateFlat, st.Position.State)
	assert.Equal(t, t0.Add(2*5*time.Minute), st.LastBar.OpenTime)
	assert.InDelta(t, 10_000_000, st.Equity, 1e-6)
}

// faultyExchange flags selected calls for reconciliation, as the guards
// layer does once its retries run out.
type faultyExchange struct {
	*broker.Paper
	failSubmits    int
	failOpenOrders bool
}

func (f *faultyExchange) SubmitOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderRecord, error) {
	if f.failSubmits > 0 {
		f.failSubmits--
		return broker.OrderRecord{}, errors.Join(broker.ErrReconciliationRequired, broker.ErrTransport)
	}
	return f.Paper.SubmitOrder(ctx, intent)
}

func (f *faultyExchange) FetchOpenOrders(ctx context.Context, mkt string) ([]broker.OrderRecord, error) {
	if f.failOpenOrders {
		return nil, errors.Join(broker.ErrReconciliationRequired, broker.ErrTransport)
	}
	return f.Paper.FetchOpenOrders(ctx, mkt)
}

func TestStopStillFiresWhileReconciling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	paper := broker.NewPaper(btc, 10_000_000, 100_000_000, 0)
	ex := &faultyExchange{Paper: paper}
	h := newHarnessWith(t, ex, paper)
	i := h.warmup(ctx, 8)

	h.strat.intent = strategies.Intent{
		Direction:    strategies.Long,
		Confidence:   0.8,
		StopDistance: 2_000_000,
		Reason:       "trend up",
	}
	h.engine.handleBar(ctx, bar(i, 100_000_000, 99_500_000, 100_500_000, 10))
	require.Equal(t, position.StateOpen, h.machine.State())
	h.strat.intent = strategies.Intent{Direction: strategies.Flat}

	// The exit submit fails and reconciliation cannot complete because
	// the read endpoint keeps erroring.
	ex.failSubmits = 1
	ex.failOpenOrders = true
	h.engine.handleBar(ctx, bar(i+1, 97_000_000, 97_000_000, 100_000_000, 10))
	require.Equal(t, position.StateReconciling, h.machine.State())

	// Writes recover while reads stay down. The stop is still breached,
	// so the position is flattened rather than left unprotected.
	ex.failSubmits = 0
	h.engine.handleBar(ctx, bar(i+2, 97_000_000, 97_000_000, 100_000_000, 10))
	assert.Equal(t, position.StateFlat, h.machine.State())
	assert.False(t, h.machine.Position().Open())

	// The flatten trade is booked on the next poll.
	ex.failOpenOrders = false
	h.engine.handleBar(ctx, bar(i+3, 97_000_000, 96_800_000, 97_200_000, 10))
	require.Len(t, h.jrnl.trades, 1)
	assert.Equal(t, string(broker.KindStopExit), h.jrnl.trades[0].Reason)
}
