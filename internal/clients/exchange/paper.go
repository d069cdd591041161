package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/darwin/internal/domain"
)

// PaperExchange simulates an exchange in memory. Orders fill immediately at
// the quote midpoint with adverse slippage and a taker fee, mirroring the
// validation fill model so paper results stay comparable to validation
// results. Submit is idempotent on ClientRef like the real client.
type PaperExchange struct {
	market      domain.MarketData
	slippageBps decimal.Decimal
	feeRate     decimal.Decimal
	maxQuoteAge time.Duration
	log         zerolog.Logger

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	orders   map[string]domain.OrderStatus // by order ID
	byRef    map[string]domain.Ack         // idempotency: client_ref -> ack
}

// NewPaperExchange creates a paper exchange seeded with the given balances.
func NewPaperExchange(market domain.MarketData, slippageBps, feeRate float64, balances map[string]decimal.Decimal, log zerolog.Logger) *PaperExchange {
	if balances == nil {
		balances = make(map[string]decimal.Decimal)
	}
	return &PaperExchange{
		market:      market,
		slippageBps: decimal.NewFromFloat(slippageBps),
		feeRate:     decimal.NewFromFloat(feeRate),
		maxQuoteAge: 30 * time.Second,
		log:         log.With().Str("component", "paper_exchange").Logger(),
		balances:    balances,
		orders:      make(map[string]domain.OrderStatus),
		byRef:       make(map[string]domain.Ack),
	}
}

// Submit fills the order immediately at the current midpoint with slippage.
// Resubmitting the same ClientRef returns the original ack.
func (p *PaperExchange) Submit(ctx context.Context, order domain.Order) (domain.Ack, error) {
	p.mu.Lock()
	if ack, ok := p.byRef[order.ClientRef]; ok {
		p.mu.Unlock()
		return ack, nil
	}
	p.mu.Unlock()

	quote, err := p.market.Price(order.Symbol, p.maxQuoteAge)
	if err != nil {
		return domain.Ack{}, fmt.Errorf("paper fill %s: %w", order.Symbol, err)
	}

	fillPrice := applySlippage(quote.Mid(), order.Side, p.slippageBps)
	notional := fillPrice.Mul(order.Quantity)
	fees := notional.Mul(p.feeRate)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check under the lock: a concurrent duplicate may have won the race.
	if ack, ok := p.byRef[order.ClientRef]; ok {
		return ack, nil
	}

	quoteAsset := quoteAssetOf(order.Symbol)
	if order.Side == domain.SideBuy {
		cost := notional.Add(fees)
		if p.balances[quoteAsset].LessThan(cost) {
			return domain.Ack{}, fmt.Errorf("paper fill %s needs %s %s: %w",
				order.ClientRef, cost.String(), quoteAsset, domain.ErrInsufficientFunds)
		}
		p.balances[quoteAsset] = p.balances[quoteAsset].Sub(cost)
		p.balances[baseAssetOf(order.Symbol)] = p.balances[baseAssetOf(order.Symbol)].Add(order.Quantity)
	} else {
		baseAsset := baseAssetOf(order.Symbol)
		if p.balances[baseAsset].LessThan(order.Quantity) {
			return domain.Ack{}, fmt.Errorf("paper fill %s needs %s %s: %w",
				order.ClientRef, order.Quantity.String(), baseAsset, domain.ErrInsufficientFunds)
		}
		p.balances[baseAsset] = p.balances[baseAsset].Sub(order.Quantity)
		p.balances[quoteAsset] = p.balances[quoteAsset].Add(notional.Sub(fees))
	}

	orderID := uuid.NewString()
	ack := domain.Ack{OrderID: orderID}
	p.byRef[order.ClientRef] = ack
	p.orders[orderID] = domain.OrderStatus{
		OrderID: orderID,
		State:   domain.OrderFilled,
		Fill: &domain.Fill{
			Price: fillPrice,
			Qty:   order.Quantity,
			Fees:  fees,
			Ts:    time.Now(),
		},
	}

	p.log.Debug().
		Str("client_ref", order.ClientRef).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("price", fillPrice.String()).
		Msg("Paper order filled")
	return ack, nil
}

// Poll returns the stored status for a paper order.
func (p *PaperExchange) Poll(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.orders[orderID]
	if !ok {
		return domain.OrderStatus{}, fmt.Errorf("unknown paper order %s: %w", orderID, domain.ErrRejected)
	}
	return status, nil
}

// Balance returns the simulated balance for an asset.
func (p *PaperExchange) Balance(ctx context.Context, asset string) (domain.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.balances[asset]
	return domain.Balance{
		Asset:     asset,
		Total:     total,
		Available: total,
		Locked:    decimal.Zero,
	}, nil
}

// applySlippage moves the price against the taker by slippageBps basis points.
func applySlippage(mid decimal.Decimal, side domain.Side, slippageBps decimal.Decimal) decimal.Decimal {
	adj := mid.Mul(slippageBps).Div(decimal.NewFromInt(10000))
	if side == domain.SideBuy {
		return mid.Add(adj)
	}
	return mid.Sub(adj)
}

// Symbols use the BASE-QUOTE convention ("BTC-USD"). A symbol without a
// separator is treated as quoted in USD.
func baseAssetOf(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '-' {
			return symbol[:i]
		}
	}
	return symbol
}

func quoteAssetOf(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '-' {
			return symbol[i+1:]
		}
	}
	return "USD"
}
