package domain

import (
	"context"
	"time"
)

// MarketData is the read-only market feed consumed by the signal engine and
// the trade simulator. Implementations must be safe for concurrent readers.
//
// Price fails with ErrStaleData when the freshest tick is older than maxAge,
// and with ErrUnavailable during a feed outage. Callers treat either as
// "skip this evaluation cycle" — never as a sell signal.
type MarketData interface {
	Price(symbol string, maxAge time.Duration) (Quote, error)
	Depth(symbol string, levels int) ([]BookLevel, error)
	Candles(symbol string, timeframe string, n int) ([]Candle, error)
}

// Exchange is the trade side-effect boundary. Submit must be idempotent on
// Order.ClientRef: resubmitting the same ref returns the original ack and
// never duplicates the trade. Retry policy lives in the executor loop.
type Exchange interface {
	Submit(ctx context.Context, order Order) (Ack, error)
	Poll(ctx context.Context, orderID string) (OrderStatus, error)
	Balance(ctx context.Context, asset string) (Balance, error)
}
