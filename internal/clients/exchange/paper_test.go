package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/darwin/internal/domain"
)

// staticMarket returns a fixed quote for every symbol.
type staticMarket struct {
	quote domain.Quote
	err   error
}

func (m *staticMarket) Price(symbol string, maxAge time.Duration) (domain.Quote, error) {
	if m.err != nil {
		return domain.Quote{}, m.err
	}
	q := m.quote
	q.Symbol = symbol
	return q, nil
}

func (m *staticMarket) Depth(symbol string, levels int) ([]domain.BookLevel, error) {
	return nil, nil
}

func (m *staticMarket) Candles(symbol, timeframe string, n int) ([]domain.Candle, error) {
	return nil, nil
}

func newPaper(t *testing.T) *PaperExchange {
	t.Helper()
	market := &staticMarket{quote: domain.Quote{
		Bid:  decimal.NewFromInt(99),
		Ask:  decimal.NewFromInt(101),
		Last: decimal.NewFromInt(100),
		Ts:   time.Now(),
	}}
	return NewPaperExchange(market, 5, 0.001, map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(10000),
		"BTC": decimal.NewFromInt(1),
	}, zerolog.Nop())
}

func TestPaperExchange_BuyFillsAtMidWithSlippage(t *testing.T) {
	paper := newPaper(t)

	ack, err := paper.Submit(context.Background(), domain.Order{
		ClientRef: "sig-1",
		Symbol:    "BTC-USD",
		Side:      domain.SideBuy,
		Quantity:  decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.NotEmpty(t, ack.OrderID)

	status, err := paper.Poll(context.Background(), ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, status.State)
	require.NotNil(t, status.Fill)

	// Mid 100, 5 bps adverse slippage -> 100.05
	assert.True(t, status.Fill.Price.Equal(decimal.NewFromFloat(100.05)),
		"fill price %s", status.Fill.Price)
	// Fee 0.1% of notional
	assert.True(t, status.Fill.Fees.Equal(decimal.NewFromFloat(0.10005)),
		"fees %s", status.Fill.Fees)

	btc, err := paper.Balance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, btc.Total.Equal(decimal.NewFromInt(2)))
}

func TestPaperExchange_SubmitIdempotentOnClientRef(t *testing.T) {
	paper := newPaper(t)

	order := domain.Order{
		ClientRef: "sig-dup",
		Symbol:    "BTC-USD",
		Side:      domain.SideBuy,
		Quantity:  decimal.NewFromFloat(0.5),
	}

	ack1, err := paper.Submit(context.Background(), order)
	require.NoError(t, err)
	ack2, err := paper.Submit(context.Background(), order)
	require.NoError(t, err)

	assert.Equal(t, ack1.OrderID, ack2.OrderID)

	// Balance debited exactly once
	btc, err := paper.Balance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, btc.Total.Equal(decimal.NewFromFloat(1.5)), "balance %s", btc.Total)
}

func TestPaperExchange_InsufficientFunds(t *testing.T) {
	paper := newPaper(t)

	_, err := paper.Submit(context.Background(), domain.Order{
		ClientRef: "sig-big",
		Symbol:    "BTC-USD",
		Side:      domain.SideBuy,
		Quantity:  decimal.NewFromInt(1000),
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindInsufficientFunds, domain.KindOf(err))
}

func TestPaperExchange_SellCreditsQuoteMinusFees(t *testing.T) {
	paper := newPaper(t)

	ack, err := paper.Submit(context.Background(), domain.Order{
		ClientRef: "sig-sell",
		Symbol:    "BTC-USD",
		Side:      domain.SideSell,
		Quantity:  decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	status, err := paper.Poll(context.Background(), ack.OrderID)
	require.NoError(t, err)
	// Sell slips down: 100 - 0.05
	assert.True(t, status.Fill.Price.Equal(decimal.NewFromFloat(99.95)))

	btc, err := paper.Balance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, btc.Total.IsZero())
}

func TestPaperExchange_StaleMarketFailsSubmit(t *testing.T) {
	market := &staticMarket{err: domain.ErrStaleData}
	paper := NewPaperExchange(market, 5, 0.001, nil, zerolog.Nop())

	_, err := paper.Submit(context.Background(), domain.Order{
		ClientRef: "sig-stale",
		Symbol:    "BTC-USD",
		Side:      domain.SideBuy,
		Quantity:  decimal.NewFromInt(1),
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindStaleData, domain.KindOf(err))
}
