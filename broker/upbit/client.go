package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantrove/upbot/broker"
)

const defaultBaseURL = "https://api.upbit.com"

// Client is the Upbit REST transport. It satisfies broker.Exchange and
// carries no retry logic of its own; the guards layer wraps it.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	log     zerolog.Logger
}

// NewClient builds a REST client for the given key pair.
func NewClient(creds Credentials, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		creds:   creds,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger.With().Str("component", "upbit").Logger(),
	}
}

// SetBaseURL points the client at a different host. Test hook.
func (c *Client) SetBaseURL(u string) { c.baseURL = strings.TrimRight(u, "/") }

type apiError struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// orderResponse is Upbit's order payload. Volume fields arrive as
// strings.
type orderResponse struct {
	UUID            string `json:"uuid"`
	Side            string `json:"side"`
	OrdType         string `json:"ord_type"`
	State           string `json:"state"`
	Market          string `json:"market"`
	CreatedAt       string `json:"created_at"`
	Volume          string `json:"volume"`
	RemainingVolume string `json:"remaining_volume"`
	PaidFee         string `json:"paid_fee"`
	ExecutedVolume  string `json:"executed_volume"`
	Identifier      string `json:"identifier"`
	Trades          []struct {
		Price  string `json:"price"`
		Volume string `json:"volume"`
		Funds  string `json:"funds"`
	} `json:"trades"`
}

type accountResponse struct {
	Currency     string `json:"currency"`
	Balance      string `json:"balance"`
	Locked       string `json:"locked"`
	AvgBuyPrice  string `json:"avg_buy_price"`
	UnitCurrency string `json:"unit_currency"`
}

type tickerResponse struct {
	Market     string  `json:"market"`
	TradePrice float64 `json:"trade_price"`
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	rawQuery := ""
	if params != nil {
		rawQuery = params.Encode()
	}

	endpoint := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if rawQuery != "" {
			endpoint += "?" + rawQuery
		}
	} else {
		body = strings.NewReader(rawQuery)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	token, err := c.creds.token(rawQuery)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", broker.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", broker.ErrTransport, path, err)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s: status %d", broker.ErrTransport, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", broker.ErrOrderNotFound, path)
	case resp.StatusCode >= 400:
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error.Name != "" {
			if ae.Error.Name == "order_not_found" {
				return broker.ErrOrderNotFound
			}
			return fmt.Errorf("upbit %s: %s (%s)", path, ae.Error.Message, ae.Error.Name)
		}
		return fmt.Errorf("upbit %s: status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// SubmitOrder places one order. The intent's idempotency key is sent as
// Upbit's identifier, so a retried submit with the same key is rejected
// by the exchange instead of doubling the position.
func (c *Client) SubmitOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderRecord, error) {
	params := url.Values{}
	params.Set("market", intent.Market)
	params.Set("identifier", intent.IdempotencyKey)

	switch {
	case intent.LimitPrice > 0:
		params.Set("ord_type", "limit")
		params.Set("price", formatFloat(intent.LimitPrice))
		params.Set("volume", formatFloat(intent.Quantity))
		params.Set("side", side(intent.Side))
	case intent.Side == broker.Buy:
		// Market buys are quoted in spend amount, not base quantity.
		mark, err := c.markPrice(ctx, intent.Market)
		if err != nil {
			return broker.OrderRecord{}, err
		}
		params.Set("ord_type", "price")
		params.Set("price", formatFloat(intent.Quantity*mark))
		params.Set("side", "bid")
	default:
		params.Set("ord_type", "market")
		params.Set("volume", formatFloat(intent.Quantity))
		params.Set("side", "ask")
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/v1/orders", params, &resp); err != nil {
		return broker.OrderRecord{}, err
	}
	rec := resp.record()
	if rec.IdempotencyKey == "" {
		rec.IdempotencyKey = intent.IdempotencyKey
	}
	rec.Kind = intent.Kind
	rec.RequestedQty = intent.Quantity
	c.log.Debug().Str("uuid", rec.ExchangeID).Str("identifier", rec.IdempotencyKey).Msg("order submitted")
	return rec, nil
}

// CancelOrder cancels by exchange uuid.
func (c *Client) CancelOrder(ctx context.Context, exchangeID string) error {
	params := url.Values{}
	params.Set("uuid", exchangeID)
	return c.do(ctx, http.MethodDelete, "/v1/order", params, nil)
}

// FetchOrder returns the current state of one order, including its
// trades so partial fill VWAP can be computed.
func (c *Client) FetchOrder(ctx context.Context, exchangeID string) (broker.OrderRecord, error) {
	params := url.Values{}
	params.Set("uuid", exchangeID)
	var resp orderResponse
	if err := c.do(ctx, http.MethodGet, "/v1/order", params, &resp); err != nil {
		return broker.OrderRecord{}, err
	}
	return resp.record(), nil
}

// FetchOpenOrders lists orders still waiting to fill for one market.
func (c *Client) FetchOpenOrders(ctx context.Context, mkt string) ([]broker.OrderRecord, error) {
	params := url.Values{}
	params.Set("market", mkt)
	params.Set("state", "wait")
	var resp []orderResponse
	if err := c.do(ctx, http.MethodGet, "/v1/orders", params, &resp); err != nil {
		return nil, err
	}
	recs := make([]broker.OrderRecord, 0, len(resp))
	for _, o := range resp {
		recs = append(recs, o.record())
	}
	return recs, nil
}

// FetchPosition reads the held base-currency balance for the market
// from the accounts endpoint. nil means flat.
func (c *Client) FetchPosition(ctx context.Context, mkt string) (*broker.PositionSnapshot, error) {
	base := baseCurrency(mkt)
	accounts, err := c.accounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.Currency != base {
			continue
		}
		qty := parseFloat(a.Balance) + parseFloat(a.Locked)
		if qty <= 0 {
			return nil, nil
		}
		return &broker.PositionSnapshot{
			Market:   mkt,
			Quantity: qty,
			AvgPrice: parseFloat(a.AvgBuyPrice),
		}, nil
	}
	return nil, nil
}

// FetchEquity values the account in quote currency: free cash plus each
// holding marked at its last trade price.
func (c *Client) FetchEquity(ctx context.Context) (float64, error) {
	accounts, err := c.accounts(ctx)
	if err != nil {
		return 0, err
	}
	equity := 0.0
	for _, a := range accounts {
		qty := parseFloat(a.Balance) + parseFloat(a.Locked)
		if qty <= 0 {
			continue
		}
		if a.Currency == "KRW" {
			equity += qty
			continue
		}
		mark, err := c.markPrice(ctx, "KRW-"+a.Currency)
		if err != nil {
			c.log.Warn().Err(err).Str("currency", a.Currency).Msg("no mark price, valuing at average buy price")
			mark = parseFloat(a.AvgBuyPrice)
		}
		equity += qty * mark
	}
	return equity, nil
}

func (c *Client) accounts(ctx context.Context) ([]accountResponse, error) {
	var resp []accountResponse
	if err := c.do(ctx, http.MethodGet, "/v1/accounts", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) markPrice(ctx context.Context, mkt string) (float64, error) {
	params := url.Values{}
	params.Set("markets", mkt)
	var resp []tickerResponse
	if err := c.do(ctx, http.MethodGet, "/v1/ticker", params, &resp); err != nil {
		return 0, err
	}
	if len(resp) == 0 {
		return 0, fmt.Errorf("no ticker for %s", mkt)
	}
	return resp[0].TradePrice, nil
}

func (o orderResponse) record() broker.OrderRecord {
	filled := parseFloat(o.ExecutedVolume)
	vwapQty, vwapNotional := 0.0, 0.0
	for _, t := range o.Trades {
		vwapQty += parseFloat(t.Volume)
		vwapNotional += parseFloat(t.Funds)
	}
	avg := 0.0
	if vwapQty > 0 {
		avg = vwapNotional / vwapQty
	}

	rec := broker.OrderRecord{
		ExchangeID:     o.UUID,
		IdempotencyKey: o.Identifier,
		Market:         o.Market,
		Side:           broker.Buy,
		Status:         mapState(o.State, filled),
		RequestedQty:   parseFloat(o.Volume),
		FilledQty:      filled,
		AvgFillPrice:   avg,
		Fees:           parseFloat(o.PaidFee),
		UpdatedAt:      time.Now().UTC(),
	}
	if o.Side == "ask" {
		rec.Side = broker.Sell
	}
	if t, err := time.Parse(time.RFC3339, o.CreatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec
}

func mapState(state string, filled float64) broker.OrderStatus {
	switch state {
	case "wait", "watch":
		if filled > 0 {
			return broker.StatusPartiallyFilled
		}
		return broker.StatusSubmitted
	case "done":
		return broker.StatusFilled
	case "cancel":
		return broker.StatusCanceled
	default:
		return broker.StatusRejected
	}
}

func side(s broker.Side) string {
	if s == broker.Buy {
		return "bid"
	}
	return "ask"
}

func baseCurrency(mkt string) string {
	if i := strings.IndexByte(mkt, '-'); i >= 0 {
		return mkt[i+1:]
	}
	return mkt
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

var _ broker.Exchange = (*Client)(nil)
