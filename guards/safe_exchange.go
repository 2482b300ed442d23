// Package guards wraps the exchange transport with per-call timeouts and
// bounded exponential retries. A call that exhausts its retries surfaces as
// a reconciliation-required condition, never as a silent no-op.
package guards

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/quantrove/upbot/broker"
	"github.com/quantrove/upbot/metrics"
)

// Config bounds the retry behavior of every outbound exchange call.
type Config struct {
	CallTimeout    time.Duration // per-attempt deadline
	MaxRetries     uint64        // retries after the first attempt
	InitialBackoff time.Duration
}

// DefaultConfig matches the runner defaults: 3 retries, 1s initial backoff,
// 10s per attempt.
func DefaultConfig() Config {
	return Config{
		CallTimeout:    10 * time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Second,
	}
}

// SafeExchange decorates a broker.Exchange with retry/timeout policy.
// Transient transport errors are retried with exponential backoff; anything
// else is permanent and returned as-is.
type SafeExchange struct {
	inner broker.Exchange
	cfg   Config
	log   zerolog.Logger
}

// NewSafeExchange wraps inner with the given retry policy.
func NewSafeExchange(inner broker.Exchange, cfg Config, logger zerolog.Logger) *SafeExchange {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	return &SafeExchange{
		inner: inner,
		cfg:   cfg,
		log:   logger.With().Str("component", "guards").Logger(),
	}
}

func (g *SafeExchange) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.InitialBackoff

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, broker.ErrTransport) || errors.Is(err, context.DeadlineExceeded) {
			g.log.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("transient transport failure")
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, g.cfg.MaxRetries), ctx))

	if err == nil {
		return nil
	}
	if errors.Is(err, broker.ErrTransport) || errors.Is(err, context.DeadlineExceeded) {
		// Retries exhausted: the call may or may not have reached the
		// exchange, so local belief is no longer trustworthy.
		g.log.Error().Str("op", op).Err(err).Msg("retries exhausted, reconciliation required")
		return errors.Join(broker.ErrReconciliationRequired, err)
	}
	return err
}

func (g *SafeExchange) SubmitOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderRecord, error) {
	metrics.OrdersAttempted.Inc()
	var rec broker.OrderRecord
	err := g.retry(ctx, "submit_order", func(ctx context.Context) error {
		var err error
		rec, err = g.inner.SubmitOrder(ctx, intent)
		return err
	})
	if err != nil {
		metrics.OrdersFailed.Inc()
		return broker.OrderRecord{}, err
	}
	metrics.OrdersPlaced.Inc()
	return rec, nil
}

func (g *SafeExchange) CancelOrder(ctx context.Context, exchangeID string) error {
	return g.retry(ctx, "cancel_order", func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, exchangeID)
	})
}

func (g *SafeExchange) FetchOrder(ctx context.Context, exchangeID string) (broker.OrderRecord, error) {
	var rec broker.OrderRecord
	err := g.retry(ctx, "fetch_order", func(ctx context.Context) error {
		var err error
		rec, err = g.inner.FetchOrder(ctx, exchangeID)
		return err
	})
	return rec, err
}

func (g *SafeExchange) FetchOpenOrders(ctx context.Context, mkt string) ([]broker.OrderRecord, error) {
	var out []broker.OrderRecord
	err := g.retry(ctx, "fetch_open_orders", func(ctx context.Context) error {
		var err error
		out, err = g.inner.FetchOpenOrders(ctx, mkt)
		return err
	})
	return out, err
}

func (g *SafeExchange) FetchPosition(ctx context.Context, mkt string) (*broker.PositionSnapshot, error) {
	var snap *broker.PositionSnapshot
	err := g.retry(ctx, "fetch_position", func(ctx context.Context) error {
		var err error
		snap, err = g.inner.FetchPosition(ctx, mkt)
		return err
	})
	return snap, err
}

func (g *SafeExchange) FetchEquity(ctx context.Context) (float64, error) {
	var eq float64
	err := g.retry(ctx, "fetch_equity", func(ctx context.Context) error {
		var err error
		eq, err = g.inner.FetchEquity(ctx)
		return err
	})
	return eq, err
}

var _ broker.Exchange = (*SafeExchange)(nil)
