// Package domain provides core domain models and types shared across modules.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a trade signal
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideHold Side = "hold"
)

// TradeKind distinguishes real exchange orders from simulated validation fills
type TradeKind string

const (
	TradeKindReal       TradeKind = "real"
	TradeKindValidation TradeKind = "validation"
)

// Quote is a point-in-time price snapshot for a symbol
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Ts     time.Time       `json:"ts"`
}

// Mid returns the bid/ask midpoint, falling back to last when one side is empty
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsZero() || q.Ask.IsZero() {
		return q.Last
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// BookLevel is a single order book level
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// Candle is an OHLCV bar. Values are float64 because indicator math
// (talib, gonum) operates on float slices; monetary amounts that feed
// trade records are converted to decimal at the signal boundary.
type Candle struct {
	Ts     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Signal is a discrete trade intent emitted by the signal engine.
// Fingerprint identifies the (strategy, cycle, symbol, bar, side) tuple and
// drives trade deduplication and idempotent execution.
type Signal struct {
	StrategyID  string          `json:"strategy_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Confidence  float64         `json:"confidence"`
	Ts          time.Time       `json:"ts"`
	Fingerprint string          `json:"fingerprint"`
	Reason      string          `json:"reason,omitempty"`
}

// IsActionable reports whether the signal asks for a trade
func (s Signal) IsActionable() bool {
	return s.Side == SideBuy || s.Side == SideSell
}

// Order is a request submitted to an exchange executor
type Order struct {
	ClientRef string          `json:"client_ref"` // signal fingerprint, idempotency key
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"` // zero = market order
}

// Ack acknowledges order submission
type Ack struct {
	OrderID string `json:"order_id"`
}

// OrderState is the lifecycle state of a submitted order
type OrderState string

const (
	OrderPending  OrderState = "pending"
	OrderFilled   OrderState = "filled"
	OrderRejected OrderState = "rejected"
)

// OrderStatus is the polled state of a submitted order
type OrderStatus struct {
	OrderID string     `json:"order_id"`
	State   OrderState `json:"state"`
	Fill    *Fill      `json:"fill,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// Fill describes an executed order
type Fill struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
	Fees  decimal.Decimal `json:"fees"`
	Ts    time.Time       `json:"ts"`
}

// Balance is a read-only asset balance on an exchange
type Balance struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// SymbolRule carries per-symbol lot and tick granularity
type SymbolRule struct {
	Symbol   string          `json:"symbol"`
	LotSize  decimal.Decimal `json:"lot_size"`
	TickSize decimal.Decimal `json:"tick_size"`
}

// RoundQty rounds a quantity to lot size, always toward zero so an order
// never exceeds the intended exposure.
func (r SymbolRule) RoundQty(qty decimal.Decimal) decimal.Decimal {
	if r.LotSize.IsZero() {
		return qty
	}
	lots := qty.Div(r.LotSize).Truncate(0)
	return lots.Mul(r.LotSize)
}

// RoundPrice rounds a price to tick size toward the adverse direction:
// buys round up, sells round down.
func (r SymbolRule) RoundPrice(price decimal.Decimal, side Side) decimal.Decimal {
	if r.TickSize.IsZero() {
		return price
	}
	ticks := price.Div(r.TickSize)
	floor := ticks.Truncate(0)
	if side == SideBuy && !ticks.Equal(floor) {
		floor = floor.Add(decimal.NewFromInt(1))
	}
	return floor.Mul(r.TickSize)
}

// DefaultSymbolRule is used when no per-symbol rule is configured.
// 8 decimal quantity lots and 2 decimal price ticks cover the major pairs.
func DefaultSymbolRule(symbol string) SymbolRule {
	return SymbolRule{
		Symbol:   symbol,
		LotSize:  decimal.New(1, -8),
		TickSize: decimal.New(1, -2),
	}
}
