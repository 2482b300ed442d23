package upbit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantrove/upbot/metrics"
)

const wsEndpoint = "wss://api.upbit.com/websocket/v1"

// Tick is one trade-price update from the public ticker stream.
type Tick struct {
	Market string
	Price  float64
	Time   time.Time
}

type wsTicker struct {
	Code       string  `json:"code"`
	TradePrice float64 `json:"trade_price"`
	Timestamp  int64   `json:"trade_timestamp"`
}

// TickerStream maintains a websocket subscription to the public ticker
// channel and republishes trade prices. It reconnects with backoff on
// any failure; the bot only uses it for marks and observability, so a
// gap in ticks never blocks trading decisions.
type TickerStream struct {
	endpoint string
	market   string
	log      zerolog.Logger
}

// NewTickerStream builds a stream for one market.
func NewTickerStream(mkt string, logger zerolog.Logger) *TickerStream {
	return &TickerStream{
		endpoint: wsEndpoint,
		market:   mkt,
		log:      logger.With().Str("component", "ticker").Str("market", mkt).Logger(),
	}
}

// SetEndpoint overrides the websocket URL. Test hook.
func (s *TickerStream) SetEndpoint(u string) { s.endpoint = u }

// Run streams ticks until the context is canceled. The channel closes
// when Run exits.
func (s *TickerStream) Run(ctx context.Context) <-chan Tick {
	out := make(chan Tick, 64)
	go func() {
		defer close(out)
		bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		for {
			err := s.stream(ctx, out)
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			s.log.Warn().Err(err).Dur("retry_in", wait).Msg("ticker stream dropped, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
	return out
}

func (s *TickerStream) stream(ctx context.Context, out chan<- Tick) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := []any{
		map[string]string{"ticket": uuid.NewString()},
		map[string]any{"type": "ticker", "codes": []string{s.market}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	s.log.Info().Msg("ticker stream connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var t wsTicker
		if err := json.Unmarshal(data, &t); err != nil || t.Code == "" {
			continue
		}
		metrics.LastPrice.Set(t.TradePrice)
		tick := Tick{
			Market: t.Code,
			Price:  t.TradePrice,
			Time:   time.UnixMilli(t.Timestamp),
		}
		select {
		case out <- tick:
		default:
			// Slow consumer: drop the tick, the next one supersedes it.
		}
	}
}
