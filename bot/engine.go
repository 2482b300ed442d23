// Package bot runs the single-goroutine control loop: one completed bar
// in, at most one order decision out. All mutation of risk and position
// state happens on this goroutine; the HTTP surface talks to it through
// a command channel.
package bot

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/quantrove/upbot/broker"
	"github.com/quantrove/upbot/indicators"
	"github.com/quantrove/upbot/journal"
	"github.com/quantrove/upbot/market"
	"github.com/quantrove/upbot/metrics"
	"github.com/quantrove/upbot/pkg/id"
	"github.com/quantrove/upbot/position"
	"github.com/quantrove/upbot/risk"
	"github.com/quantrove/upbot/strategies"
)

// Config tunes the control loop itself. Risk, stop, and strategy
// parameters live with their own packages.
type Config struct {
	Market        string
	MinConfidence float64 // entry gate on strategy confidence, default 0.6
	WindowSize    int     // bars kept for strategy evaluation, default 100
	CallTimeout   time.Duration
}

// DefaultConfig returns loop settings for one market.
func DefaultConfig(mkt string) Config {
	return Config{
		Market:        mkt,
		MinConfidence: 0.6,
		WindowSize:    100,
		CallTimeout:   15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.6
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 100
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	return c
}

type commandKind int

const (
	cmdKillSwitch commandKind = iota
	cmdClearKillSwitch
)

type command struct {
	kind   commandKind
	reason string
	reply  chan error
}

// Status is the combined read-only view served by the HTTP API.
type Status struct {
	Market   string            `json:"market"`
	Strategy string            `json:"strategy"`
	Risk     risk.Snapshot     `json:"risk"`
	Position position.Snapshot `json:"position"`
	LastBar  market.Bar        `json:"last_bar"`
	Equity   float64           `json:"equity"`
}

// Engine wires the bar feed, strategy, risk ledger, and position
// machine together. Run owns every state transition; external callers
// only enqueue commands or read snapshots.
type Engine struct {
	cfg     Config
	inst    market.Instrument
	ex      broker.Exchange
	ledger  *risk.Ledger
	machine *position.Machine
	strat   strategies.Strategy
	tracker *indicators.Tracker
	stops   risk.StopConfig
	jrnl    journal.Journal
	log     zerolog.Logger

	cmds    chan command
	window  []market.Bar
	lastKey string
	equity  float64
	status  chan chan Status
}

// NewEngine assembles a loop. The exchange should already be wrapped by
// the guards layer so every call below carries retries and timeouts.
func NewEngine(
	cfg Config,
	inst market.Instrument,
	ex broker.Exchange,
	ledger *risk.Ledger,
	machine *position.Machine,
	strat strategies.Strategy,
	tracker *indicators.Tracker,
	stops risk.StopConfig,
	jrnl journal.Journal,
	logger zerolog.Logger,
) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		inst:    inst,
		ex:      ex,
		ledger:  ledger,
		machine: machine,
		strat:   strat,
		tracker: tracker,
		stops:   stops,
		jrnl:    jrnl,
		log:     logger.With().Str("component", "bot").Str("market", cfg.Market).Logger(),
		cmds:    make(chan command, 8),
		window:  make([]market.Bar, 0, cfg.WindowSize),
		status:  make(chan chan Status),
	}
}

// KillSwitch halts all new entries and flattens any open position. It
// blocks until the loop has processed the command.
func (e *Engine) KillSwitch(ctx context.Context, reason string) error {
	return e.send(ctx, command{kind: cmdKillSwitch, reason: reason})
}

// ClearKillSwitch re-enables trading if no loss ceiling is still
// breached for the current period.
func (e *Engine) ClearKillSwitch(ctx context.Context) error {
	return e.send(ctx, command{kind: cmdClearKillSwitch})
}

func (e *Engine) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the loop's current view. Served from the loop
// goroutine so it is always internally consistent.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case e.status <- reply:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Run consumes completed bars until the context is canceled or the
// feed closes. It reconciles against the exchange before the first
// decision.
func (e *Engine) Run(ctx context.Context, bars <-chan market.Bar) error {
	if err := e.reconcile(ctx); err != nil {
		e.log.Error().Err(err).Msg("initial reconciliation failed, retrying per bar")
	}
	if equity, err := e.fetchEquity(ctx); err == nil {
		e.equity = equity
		e.ledger.SetEquity(equity)
	}

	e.log.Info().Str("strategy", e.strat.Name()).Msg("control loop started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("control loop stopped")
			return nil
		case cmd := <-e.cmds:
			e.handleCommand(ctx, cmd)
		case reply := <-e.status:
			reply <- e.statusSnapshot()
		case b, ok := <-bars:
			if !ok {
				e.log.Info().Msg("bar feed closed")
				return nil
			}
			e.drainCommands(ctx)
			e.handleBar(ctx, b)
		}
	}
}

// drainCommands applies queued operator commands before acting on a
// bar, so a kill switch always wins over a concurrent entry decision.
func (e *Engine) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-e.cmds:
			e.handleCommand(ctx, cmd)
		default:
			return
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd command) {
	var err error
	switch cmd.kind {
	case cmdKillSwitch:
		e.ledger.EngageKillSwitch(cmd.reason)
		metrics.SetHalt(e.ledger.Halt())
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		err = e.machine.Flatten(cctx, "kill_switch")
		cancel()
		if err != nil {
			e.log.Error().Err(err).Msg("kill switch flatten failed, will reconcile")
		}
	case cmdClearKillSwitch:
		err = e.ledger.ClearKillSwitch()
		metrics.SetHalt(e.ledger.Halt())
	}
	cmd.reply <- err
}

func (e *Engine) handleBar(ctx context.Context, b market.Bar) {
	timer := prometheus.NewTimer(metrics.LoopDuration)
	defer timer.ObserveDuration()

	// Duplicate and out-of-order bars are dropped, not reprocessed.
	if b.Key() == e.lastKey {
		metrics.BarsDropped.Inc()
		e.log.Debug().Str("key", b.Key()).Msg("duplicate bar dropped")
		return
	}
	if n := len(e.window); n > 0 && !b.OpenTime.After(e.window[n-1].OpenTime) {
		metrics.BarsDropped.Inc()
		e.log.Warn().Time("open_time", b.OpenTime).Msg("out of order bar dropped")
		return
	}
	e.lastKey = b.Key()
	metrics.BarsProcessed.Inc()

	if e.ledger.Rollover() {
		metrics.SetHalt(e.ledger.Halt())
	}

	snap := e.tracker.Update(b)
	e.window = append(e.window, b)
	if len(e.window) > e.cfg.WindowSize {
		e.window = e.window[1:]
	}
	e.machine.ObserveBar(b)

	if e.machine.State() == position.StateReconciling {
		if err := e.reconcile(ctx); err != nil {
			e.log.Error().Err(err).Msg("reconciliation failed, entries stay halted")
		}
	}

	e.pollFills(ctx)
	e.refreshEquity(ctx)
	e.manageExits(ctx, b, snap)
	e.tryEntry(ctx, b, snap)
	e.recordEquity(b)
}

func (e *Engine) reconcile(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.machine.Reconcile(cctx)
}

// pollFills applies order updates from the exchange and books any
// completed trades into the ledger and journal.
func (e *Engine) pollFills(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	closed, err := e.machine.PollOrders(cctx)
	if err != nil {
		e.log.Error().Err(err).Msg("order poll failed")
	}
	for _, t := range closed {
		e.bookTrade(t)
	}
}

func (e *Engine) bookTrade(t position.ClosedTrade) {
	r, err := e.ledger.RecordRealized(t.Pnl, t.EquityAtEntry)
	if err != nil {
		e.log.Error().Err(err).Str("trade_id", t.TradeID).Msg("record realized pnl")
	}
	rs := e.ledger.Snapshot()
	metrics.RealizedRDay.Set(rs.RealizedRToday)
	metrics.RealizedRWeek.Set(rs.RealizedRWeek)
	metrics.SetHalt(rs.Halt)

	if err := e.jrnl.RecordTrade(journal.TradeRecord{
		TradeID:    t.TradeID,
		Market:     t.Market,
		Quantity:   t.Quantity,
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		OpenTime:   t.OpenedAt,
		CloseTime:  t.ClosedAt,
		RealizedPL: t.Pnl,
		Fees:       t.Fees,
		RMultiple:  r,
		Reason:     t.Reason,
	}); err != nil {
		e.log.Error().Err(err).Str("trade_id", t.TradeID).Msg("journal trade")
	}
}

func (e *Engine) refreshEquity(ctx context.Context) {
	equity, err := e.fetchEquity(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("equity refresh failed, keeping last reading")
		return
	}
	e.equity = equity
	e.ledger.SetEquity(equity)
	metrics.EquityGauge.Set(equity)
}

func (e *Engine) fetchEquity(ctx context.Context) (float64, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.ex.FetchEquity(cctx)
}

// manageExits maintains the stop levels and submits an exit when the
// bar closed through the effective stop. Exits run regardless of halt
// state: a halt stops new risk, never risk reduction.
func (e *Engine) manageExits(ctx context.Context, b market.Bar, snap indicators.Snapshot) {
	pos := e.machine.Position()
	state := e.machine.State()
	// Stops are live as soon as any quantity has filled, including a
	// partially filled entry that is still working and a position held
	// while reconciliation is pending.
	switch {
	case !pos.Open():
		return
	case state != position.StateOpen && state != position.StateEntryPending && state != position.StateReconciling:
		return
	}

	if snap.Ready {
		initial := pos.InitialStop
		if initial == 0 {
			// An adopted or restored position may lack a stop; derive
			// one from current conditions rather than trading naked.
			initial = risk.InitialStop(e.inst, pos.EntryPrice, snap.ATR, e.stops)
		}
		trail := risk.UpdateTrail(e.inst, pos.TrailStop, pos.HighestHigh, snap.ATR, e.stops)
		if err := e.machine.SetStops(initial, trail); err != nil {
			e.log.Error().Err(err).Msg("persist stop levels")
		}
		pos = e.machine.Position()
	}

	eff := risk.EffectiveStop(pos.InitialStop, pos.TrailStop)
	if !risk.ExitTriggered(b.Low, eff) {
		return
	}

	kind := broker.KindStopExit
	if pos.TrailStop > pos.InitialStop {
		kind = broker.KindTrailExit
	}
	if state != position.StateOpen {
		// An entry order may still be working, or reconciliation is
		// pending and local order state is suspect. Either way, cancel
		// whatever is live and close what filled instead of racing it
		// with a sell.
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		if err := e.machine.Flatten(cctx, string(kind)); err != nil {
			e.log.Error().Err(err).Float64("stop", eff).Msg("flatten on stop hit failed")
		}
		return
	}
	intent := broker.OrderIntent{
		Market:         e.cfg.Market,
		Side:           broker.Sell,
		Kind:           kind,
		Quantity:       pos.Quantity - pos.ExitQuantity,
		IdempotencyKey: id.IntentKey(string(kind)),
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if _, err := e.machine.SubmitExit(cctx, intent); err != nil {
		e.log.Error().Err(err).Float64("stop", eff).Msg("exit submit failed")
		return
	}
	e.log.Info().
		Str("kind", string(kind)).
		Float64("stop", eff).
		Float64("bar_low", b.Low).
		Msg("stop hit, exiting position")
}

// tryEntry asks the strategy for a verdict and places an entry when
// allowed. Every gate that can refuse is checked in cheap-first order.
func (e *Engine) tryEntry(ctx context.Context, b market.Bar, snap indicators.Snapshot) {
	if !e.machine.EntriesAllowed() {
		return
	}
	if allowed, reason := e.ledger.IsTradingAllowed(); !allowed {
		e.log.Debug().Str("reason", reason).Msg("entries halted")
		return
	}
	if !snap.Ready {
		return
	}

	verdict := e.strat.Evaluate(e.window, snap)
	if verdict.Direction != strategies.Long {
		return
	}
	if verdict.Confidence < e.cfg.MinConfidence {
		e.log.Debug().
			Float64("confidence", verdict.Confidence).
			Str("reason", verdict.Reason).
			Msg("signal below confidence gate")
		return
	}

	entryPrice := b.Close
	stopPrice := e.inst.SnapPriceUp(entryPrice - verdict.StopDistance)
	qty, err := e.ledger.SizeForStop(e.equity, entryPrice, stopPrice)
	if err != nil {
		if errors.Is(err, risk.ErrOrderTooSmall) || errors.Is(err, risk.ErrInvalidStopDistance) {
			e.log.Info().Err(err).Msg("signal skipped, unsizeable")
			return
		}
		e.log.Error().Err(err).Msg("sizing failed")
		return
	}

	intent := broker.OrderIntent{
		Market:         e.cfg.Market,
		Side:           broker.Buy,
		Kind:           broker.KindEntry,
		Quantity:       qty,
		IdempotencyKey: id.IntentKey(string(broker.KindEntry)),
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if _, err := e.machine.SubmitEntry(cctx, intent, e.equity); err != nil {
		e.log.Error().Err(err).Msg("entry submit failed")
		return
	}
	if err := e.machine.SetStops(stopPrice, 0); err != nil {
		e.log.Error().Err(err).Msg("persist initial stop")
	}
	e.log.Info().
		Str("signal", verdict.Reason).
		Float64("quantity", qty).
		Float64("entry", entryPrice).
		Float64("stop", stopPrice).
		Float64("confidence", verdict.Confidence).
		Msg("entry placed")
}

func (e *Engine) recordEquity(b market.Bar) {
	rs := e.ledger.Snapshot()
	if err := e.jrnl.RecordEquity(journal.EquitySnapshot{
		Time:          b.CloseTime(),
		Equity:        e.equity,
		RealizedRDay:  rs.RealizedRToday,
		RealizedRWeek: rs.RealizedRWeek,
	}); err != nil {
		e.log.Warn().Err(err).Msg("journal equity snapshot")
	}
}

func (e *Engine) statusSnapshot() Status {
	var last market.Bar
	if n := len(e.window); n > 0 {
		last = e.window[n-1]
	}
	return Status{
		Market:   e.cfg.Market,
		Strategy: e.strat.Name(),
		Risk:     e.ledger.Snapshot(),
		Position: e.machine.Snapshot(),
		LastBar:  last,
		Equity:   e.equity,
	}
}

