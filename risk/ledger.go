package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantrove/upbot/market"
)

var (
	// ErrInvalidStopDistance means the stop sits too close to the entry for
	// meaningful sizing. The entry intent is dropped, not retried.
	ErrInvalidStopDistance = errors.New("invalid stop distance")

	// ErrOrderTooSmall means the sized quantity falls below the exchange
	// minimum quantity or notional.
	ErrOrderTooSmall = errors.New("sized order below exchange minimum")

	// ErrNotKillSwitched is returned by ClearKillSwitch when the ledger is
	// not in the kill-switch halt.
	ErrNotKillSwitched = errors.New("kill switch not engaged")
)

const stateKey = "risk/ledger"

// Config holds the risk-unit parameters for one run.
type Config struct {
	RiskFraction float64 // fraction of equity risked per trade, default 0.005
	DailyStopR   float64 // daily loss ceiling in R, default -2
	WeeklyStopR  float64 // weekly loss ceiling in R, default -5
	Timezone     string  // calendar timezone for day/week boundaries
	Instrument   market.Instrument
}

// DefaultConfig returns the baseline risk budget for a market.
func DefaultConfig(inst market.Instrument) Config {
	return Config{
		RiskFraction: 0.005,
		DailyStopR:   -2,
		WeeklyStopR:  -5,
		Timezone:     "UTC",
		Instrument:   inst,
	}
}

// StateStore is the durable persistence surface the ledger needs.
type StateStore interface {
	PutJSON(key string, v any) error
	GetJSON(key string, v any) (bool, error)
}

// ledgerState is the persisted portion of the ledger.
type ledgerState struct {
	DayOpen        time.Time `json:"day_open"`
	WeekOpen       time.Time `json:"week_open"`
	RealizedRToday float64   `json:"realized_r_today"`
	RealizedRWeek  float64   `json:"realized_r_this_week"`
	EquitySnapshot float64   `json:"equity_snapshot"`
	Halt           HaltState `json:"halt_state"`
	HaltReason     string    `json:"halt_reason"`
}

// Snapshot is a read-only copy of the ledger for the status surface.
type Snapshot struct {
	Halt           HaltState `json:"halt_state"`
	HaltReason     string    `json:"halt_reason"`
	RealizedRToday float64   `json:"realized_r_today"`
	RealizedRWeek  float64   `json:"realized_r_this_week"`
	EquitySnapshot float64   `json:"equity_snapshot"`
	DayOpen        time.Time `json:"day_open"`
	WeekOpen       time.Time `json:"week_open"`
}

// Ledger converts equity and stop distance into position size, accumulates
// realized PnL in R multiples, and enforces the daily/weekly loss ceilings
// and the kill switch. It exclusively owns HaltState.
type Ledger struct {
	cfg   Config
	store StateStore
	log   zerolog.Logger

	mu sync.Mutex
	st ledgerState

	now func() time.Time
}

// NewLedger restores the persisted ledger state or seeds a fresh one.
func NewLedger(cfg Config, st StateStore, logger zerolog.Logger) (*Ledger, error) {
	if cfg.RiskFraction <= 0 || cfg.RiskFraction >= 1 {
		return nil, fmt.Errorf("risk fraction %v out of range", cfg.RiskFraction)
	}
	if cfg.DailyStopR >= 0 || cfg.WeeklyStopR >= 0 {
		return nil, fmt.Errorf("loss ceilings must be negative (daily %v, weekly %v)", cfg.DailyStopR, cfg.WeeklyStopR)
	}

	l := &Ledger{
		cfg:   cfg,
		store: st,
		log:   logger.With().Str("component", "risk").Logger(),
		now:   time.Now,
	}

	var persisted ledgerState
	found, err := st.GetJSON(stateKey, &persisted)
	if err != nil {
		return nil, fmt.Errorf("load risk ledger: %w", err)
	}
	if found {
		l.st = persisted
	} else {
		now := l.now()
		l.st = ledgerState{
			DayOpen:  DayOpen(cfg.Timezone, now),
			WeekOpen: WeekOpen(cfg.Timezone, now),
			Halt:     Running,
		}
		if err := st.PutJSON(stateKey, l.st); err != nil {
			return nil, fmt.Errorf("seed risk ledger: %w", err)
		}
	}

	// A restart lands inside some calendar period; roll immediately so a
	// stale daily/weekly halt from a previous period does not stick.
	l.mu.Lock()
	l.rolloverLocked(l.now())
	l.mu.Unlock()

	return l, nil
}

// SetClock overrides the ledger's time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// UnitRisk is the currency amount put at risk on a single trade, derived
// from current equity so drawdowns shrink subsequent position sizes.
func (l *Ledger) UnitRisk(equity float64) float64 {
	return l.cfg.RiskFraction * equity
}

// SizeForStop sizes a position so that getting stopped out loses one unit
// risk. The quantity is floored to the lot step; flooring never exceeds the
// budget, rounding up could.
func (l *Ledger) SizeForStop(equity, entryPrice, stopPrice float64) (float64, error) {
	dist := entryPrice - stopPrice
	if dist < 0 {
		dist = -dist
	}
	if dist <= l.cfg.Instrument.TickSize {
		return 0, fmt.Errorf("%w: entry %.0f stop %.0f", ErrInvalidStopDistance, entryPrice, stopPrice)
	}

	qty := l.cfg.Instrument.FloorLot(l.UnitRisk(equity) / dist)
	if !l.cfg.Instrument.Tradable(qty, entryPrice) {
		return 0, fmt.Errorf("%w: qty %.8f at %.0f", ErrOrderTooSmall, qty, entryPrice)
	}
	return qty, nil
}

// RecordRealized books a closed trade's PnL as an R multiple against the
// unit risk frozen at entry time, and trips the daily/weekly circuit
// breakers when a ceiling is crossed.
func (l *Ledger) RecordRealized(pnl, equityAtEntry float64) (float64, error) {
	unit := l.UnitRisk(equityAtEntry)
	if unit <= 0 {
		return 0, fmt.Errorf("non-positive unit risk for entry equity %v", equityAtEntry)
	}
	r := pnl / unit

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rolloverLocked(l.now())
	l.st.RealizedRToday += r
	l.st.RealizedRWeek += r

	if l.st.RealizedRWeek <= l.cfg.WeeklyStopR {
		l.haltLocked(HaltedWeekly, fmt.Sprintf("weekly loss ceiling crossed: %.2fR <= %.2fR", l.st.RealizedRWeek, l.cfg.WeeklyStopR))
	} else if l.st.RealizedRToday <= l.cfg.DailyStopR {
		l.haltLocked(HaltedDailyLimit, fmt.Sprintf("daily loss ceiling crossed: %.2fR <= %.2fR", l.st.RealizedRToday, l.cfg.DailyStopR))
	}

	l.persistLocked()
	l.log.Info().
		Float64("pnl", pnl).
		Float64("r_multiple", r).
		Float64("r_today", l.st.RealizedRToday).
		Float64("r_week", l.st.RealizedRWeek).
		Msg("realized trade booked")
	return r, nil
}

// IsTradingAllowed reports whether new entries are permitted and, when not,
// the reason. Exits are never gated by this check.
func (l *Ledger) IsTradingAllowed() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rolloverLocked(l.now())
	if l.st.Halt != Running {
		return false, l.st.HaltReason
	}
	return true, ""
}

// EngageKillSwitch forces the kill-switch halt. It outranks every other
// halt and never auto-clears.
func (l *Ledger) EngageKillSwitch(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.haltLocked(HaltedKillSwitch, reason)
	l.persistLocked()
	l.log.Warn().Str("reason", reason).Msg("kill switch engaged")
}

// ClearKillSwitch returns to running. Only valid from the kill-switch halt.
func (l *Ledger) ClearKillSwitch() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.st.Halt != HaltedKillSwitch {
		return fmt.Errorf("%w: halt state is %s", ErrNotKillSwitched, l.st.Halt)
	}
	l.st.Halt = Running
	l.st.HaltReason = ""
	// A limit crossed before the kill switch still binds for its period.
	if l.st.RealizedRWeek <= l.cfg.WeeklyStopR {
		l.haltLocked(HaltedWeekly, fmt.Sprintf("weekly loss ceiling still breached: %.2fR", l.st.RealizedRWeek))
	} else if l.st.RealizedRToday <= l.cfg.DailyStopR {
		l.haltLocked(HaltedDailyLimit, fmt.Sprintf("daily loss ceiling still breached: %.2fR", l.st.RealizedRToday))
	}
	l.persistLocked()
	l.log.Warn().Str("halt", string(l.st.Halt)).Msg("kill switch cleared")
	return nil
}

// SetEquity records the latest account equity for the status surface.
func (l *Ledger) SetEquity(equity float64) {
	l.mu.Lock()
	l.st.EquitySnapshot = equity
	l.persistLocked()
	l.mu.Unlock()
}

// Halt returns the current halt state.
func (l *Ledger) Halt() HaltState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.Halt
}

// Snapshot returns a consistent copy of the ledger for read-only consumers.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Halt:           l.st.Halt,
		HaltReason:     l.st.HaltReason,
		RealizedRToday: l.st.RealizedRToday,
		RealizedRWeek:  l.st.RealizedRWeek,
		EquitySnapshot: l.st.EquitySnapshot,
		DayOpen:        l.st.DayOpen,
		WeekOpen:       l.st.WeekOpen,
	}
}

// Rollover applies any pending calendar boundary. The control loop calls it
// once per bar; IsTradingAllowed and RecordRealized also apply it so the
// boundary is never missed between bars.
func (l *Ledger) Rollover() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rolloverLocked(l.now())
}

func (l *Ledger) rolloverLocked(now time.Time) bool {
	rolled := false

	if !SameTradingWeek(l.cfg.Timezone, l.st.WeekOpen, now) {
		l.st.WeekOpen = WeekOpen(l.cfg.Timezone, now)
		l.st.RealizedRWeek = 0
		if l.st.Halt == HaltedWeekly {
			l.st.Halt = Running
			l.st.HaltReason = ""
		}
		rolled = true
	}
	if !SameTradingDay(l.cfg.Timezone, l.st.DayOpen, now) {
		l.st.DayOpen = DayOpen(l.cfg.Timezone, now)
		l.st.RealizedRToday = 0
		if l.st.Halt == HaltedDailyLimit {
			l.st.Halt = Running
			l.st.HaltReason = ""
		}
		rolled = true
	}

	if rolled {
		l.persistLocked()
		l.log.Info().
			Time("day_open", l.st.DayOpen).
			Time("week_open", l.st.WeekOpen).
			Str("halt", string(l.st.Halt)).
			Msg("calendar rollover")
	}
	return rolled
}

// haltLocked upgrades the halt state; it never downgrades one halt into a
// weaker one.
func (l *Ledger) haltLocked(h HaltState, reason string) {
	if severity(h) < severity(l.st.Halt) {
		return
	}
	if l.st.Halt == h {
		return
	}
	l.st.Halt = h
	l.st.HaltReason = reason
	l.log.Warn().Str("halt", string(h)).Str("reason", reason).Msg("risk limit halt")
}

func (l *Ledger) persistLocked() {
	if err := l.store.PutJSON(stateKey, l.st); err != nil {
		l.log.Error().Err(err).Msg("persist risk ledger")
	}
}
