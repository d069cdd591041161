package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/darwin/internal/domain"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	APISecret   string
	Timeout     time.Duration
	OrderBurst  float64
	OrderPerSec float64
	QueryBurst  float64
	QueryPerSec float64
}

// Client is the exchange REST API client. It wraps a resty HTTP client with
// rate limiting, retry on transient failures, and error-kind classification
// so the executor can pick the right recovery policy.
//
// Submit is idempotent on the client_ref the caller provides: the exchange
// deduplicates by that ref, so resubmitting after a timeout is safe.
type Client struct {
	http *resty.Client
	rl   *RateLimiter
	log  zerolog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.OrderBurst == 0 {
		cfg.OrderBurst, cfg.OrderPerSec = 10, 5
	}
	if cfg.QueryBurst == 0 {
		cfg.QueryBurst, cfg.QueryPerSec = 60, 10
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	if cfg.APIKey != "" {
		httpClient.SetHeader("X-API-Key", cfg.APIKey)
	}

	return &Client{
		http: httpClient,
		rl:   NewRateLimiter(cfg.OrderBurst, cfg.OrderPerSec, cfg.QueryBurst, cfg.QueryPerSec),
		log:  log.With().Str("component", "exchange_client").Logger(),
	}
}

// orderRequest is the wire form of an order submission.
type orderRequest struct {
	ClientRef string `json:"client_ref"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Quantity  string `json:"quantity"`
	Price     string `json:"price,omitempty"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type orderStatusResponse struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	FilledQty   string `json:"filled_qty"`
	AvgPrice    string `json:"avg_price"`
	Fees        string `json:"fees"`
	FilledAt    int64  `json:"filled_at"`
	RejectCause string `json:"reject_cause,omitempty"`
}

type balanceResponse struct {
	Asset     string `json:"asset"`
	Total     string `json:"total"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Last   string `json:"last"`
	Ts     int64  `json:"ts"`
}

type candleResponse struct {
	Ts     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Submit places an order. The order's ClientRef is the idempotency key.
func (c *Client) Submit(ctx context.Context, order domain.Order) (domain.Ack, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return domain.Ack{}, err
	}

	req := orderRequest{
		ClientRef: order.ClientRef,
		Symbol:    order.Symbol,
		Side:      string(order.Side),
		Type:      "market",
		Quantity:  order.Quantity.String(),
	}
	if !order.Price.IsZero() {
		req.Type = "limit"
		req.Price = order.Price.String()
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return domain.Ack{}, fmt.Errorf("submit order %s: %w", order.ClientRef, domain.ErrNetwork)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return domain.Ack{}, fmt.Errorf("submit order %s: %w", order.ClientRef, err)
	}
	return domain.Ack{OrderID: result.OrderID}, nil
}

// Poll fetches the current state of a submitted order.
func (c *Client) Poll(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return domain.OrderStatus{}, err
	}

	var result orderStatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/orders/" + orderID)
	if err != nil {
		return domain.OrderStatus{}, fmt.Errorf("poll order %s: %w", orderID, domain.ErrNetwork)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return domain.OrderStatus{}, fmt.Errorf("poll order %s: %w", orderID, err)
	}

	status := domain.OrderStatus{OrderID: result.OrderID}
	switch result.Status {
	case "filled":
		status.State = domain.OrderFilled
		price, _ := decimal.NewFromString(result.AvgPrice)
		qty, _ := decimal.NewFromString(result.FilledQty)
		fees, _ := decimal.NewFromString(result.Fees)
		status.Fill = &domain.Fill{
			Price: price,
			Qty:   qty,
			Fees:  fees,
			Ts:    time.Unix(result.FilledAt, 0),
		}
	case "rejected", "cancelled", "expired":
		status.State = domain.OrderRejected
		status.Reason = result.RejectCause
	default:
		status.State = domain.OrderPending
	}
	return status, nil
}

// Balance fetches the balance for one asset.
func (c *Client) Balance(ctx context.Context, asset string) (domain.Balance, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return domain.Balance{}, err
	}

	var result balanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/balances/" + asset)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("get balance %s: %w", asset, domain.ErrNetwork)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return domain.Balance{}, fmt.Errorf("get balance %s: %w", asset, err)
	}

	total, _ := decimal.NewFromString(result.Total)
	available, _ := decimal.NewFromString(result.Available)
	locked, _ := decimal.NewFromString(result.Locked)
	return domain.Balance{
		Asset:     result.Asset,
		Total:     total,
		Available: available,
		Locked:    locked,
	}, nil
}

// Ticker fetches the latest quote for a symbol. Used as a fallback when the
// websocket feed is down and by the gateway's startup warm-up.
func (c *Client) Ticker(ctx context.Context, symbol string) (domain.Quote, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return domain.Quote{}, err
	}

	var result tickerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/ticker")
	if err != nil {
		return domain.Quote{}, fmt.Errorf("get ticker %s: %w", symbol, domain.ErrNetwork)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return domain.Quote{}, fmt.Errorf("get ticker %s: %w", symbol, err)
	}

	bid, _ := decimal.NewFromString(result.Bid)
	ask, _ := decimal.NewFromString(result.Ask)
	last, _ := decimal.NewFromString(result.Last)
	return domain.Quote{
		Symbol: result.Symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   last,
		Ts:     time.Unix(result.Ts, 0),
	}, nil
}

type depthResponse struct {
	Symbol string      `json:"symbol"`
	Bids   [][2]string `json:"bids"` // [price, qty]
	Asks   [][2]string `json:"asks"`
}

// Depth fetches up to levels order book levels per side, best first.
func (c *Client) Depth(ctx context.Context, symbol string, levels int) ([]domain.BookLevel, []domain.BookLevel, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var result depthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"levels": fmt.Sprintf("%d", levels),
		}).
		SetResult(&result).
		Get("/depth")
	if err != nil {
		return nil, nil, fmt.Errorf("get depth %s: %w", symbol, domain.ErrNetwork)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return nil, nil, fmt.Errorf("get depth %s: %w", symbol, err)
	}

	parse := func(raw [][2]string) []domain.BookLevel {
		out := make([]domain.BookLevel, 0, len(raw))
		for _, lvl := range raw {
			price, _ := decimal.NewFromString(lvl[0])
			qty, _ := decimal.NewFromString(lvl[1])
			out = append(out, domain.BookLevel{Price: price, Qty: qty})
		}
		return out
	}
	return parse(result.Bids), parse(result.Asks), nil
}

// Candles fetches up to limit historical bars for symbol/timeframe, oldest
// first. Used for history backfill and gap repair.
func (c *Client) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var result []candleResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"timeframe": timeframe,
			"limit":     fmt.Sprintf("%d", limit),
		}).
		SetResult(&result).
		Get("/candles")
	if err != nil {
		return nil, fmt.Errorf("get candles %s/%s: %w", symbol, timeframe, domain.ErrNetwork)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return nil, fmt.Errorf("get candles %s/%s: %w", symbol, timeframe, err)
	}

	candles := make([]domain.Candle, 0, len(result))
	for _, c := range result {
		candles = append(candles, domain.Candle{
			Ts:     time.Unix(c.Ts, 0),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		})
	}
	return candles, nil
}

// classifyStatus maps HTTP status codes and error bodies to domain error
// kinds. Classification drives the executor's retry and demotion policy.
func classifyStatus(code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case code >= 500:
		return fmt.Errorf("status %d: %w", code, domain.ErrExchangeError)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		if strings.Contains(strings.ToLower(body), "insufficient") {
			return domain.ErrInsufficientFunds
		}
		return fmt.Errorf("status %d: %s: %w", code, body, domain.ErrRejected)
	default:
		return fmt.Errorf("status %d: %s: %w", code, body, domain.ErrExchangeError)
	}
}
