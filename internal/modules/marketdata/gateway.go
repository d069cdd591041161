package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/events"
)

// RestSource is the REST-side dependency of the gateway: quote fallback,
// order book reads and candle backfill.
type RestSource interface {
	Ticker(ctx context.Context, symbol string) (domain.Quote, error)
	Depth(ctx context.Context, symbol string, levels int) ([]domain.BookLevel, []domain.BookLevel, error)
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error)
}

// Gateway is the market data entry point. It implements domain.MarketData.
//
// Quotes arrive from the websocket feed through SetQuote and live in an
// in-memory cache. A quote older than the caller's maxAge fails with
// ErrStaleData; a symbol never seen, or any read during a declared outage,
// fails with ErrUnavailable. Neither is ever translated into a trade signal.
type Gateway struct {
	rest   RestSource
	repo   *CandleRepository
	bus    *events.Bus
	log    zerolog.Logger
	window int // bars kept per (symbol, timeframe) in the hot cache

	mu      sync.RWMutex
	quotes  map[string]domain.Quote
	candles map[string][]domain.Candle // keyed by symbol + "/" + timeframe
	outage  bool
}

// NewGateway creates a gateway with the given hot-cache window size.
func NewGateway(rest RestSource, repo *CandleRepository, bus *events.Bus, window int, log zerolog.Logger) *Gateway {
	if window <= 0 {
		window = 500
	}
	return &Gateway{
		rest:    rest,
		repo:    repo,
		bus:     bus,
		log:     log.With().Str("component", "marketdata_gateway").Logger(),
		window:  window,
		quotes:  make(map[string]domain.Quote),
		candles: make(map[string][]domain.Candle),
	}
}

// SetQuote stores the latest quote for a symbol. Called from the websocket
// feed handler; also clears an outage since data is flowing again.
func (g *Gateway) SetQuote(quote domain.Quote) {
	g.mu.Lock()
	g.quotes[quote.Symbol] = quote
	wasOutage := g.outage
	g.outage = false
	g.mu.Unlock()

	if wasOutage {
		g.log.Info().Msg("Feed outage cleared")
	}
	if g.bus != nil {
		g.bus.Publish(events.NewEvent(events.PriceUpdated, map[string]interface{}{
			"symbol": quote.Symbol,
			"last":   quote.Last.String(),
		}))
	}
}

// SetOutage declares a feed outage. All reads fail with ErrUnavailable until
// the next quote arrives.
func (g *Gateway) SetOutage() {
	g.mu.Lock()
	was := g.outage
	g.outage = true
	g.mu.Unlock()
	if !was {
		g.log.Warn().Msg("Feed outage declared")
	}
}

// Price returns the cached quote for a symbol if it is younger than maxAge.
func (g *Gateway) Price(symbol string, maxAge time.Duration) (domain.Quote, error) {
	g.mu.RLock()
	quote, ok := g.quotes[symbol]
	outage := g.outage
	g.mu.RUnlock()

	if outage {
		return domain.Quote{}, fmt.Errorf("price %s: %w", symbol, domain.ErrUnavailable)
	}
	if !ok {
		return domain.Quote{}, fmt.Errorf("price %s: no quote: %w", symbol, domain.ErrUnavailable)
	}
	if maxAge > 0 && time.Since(quote.Ts) > maxAge {
		return domain.Quote{}, fmt.Errorf("price %s: quote age %s: %w",
			symbol, time.Since(quote.Ts).Truncate(time.Millisecond), domain.ErrStaleData)
	}
	return quote, nil
}

// Depth fetches the order book bid side for a symbol. High-frequency
// strategies read imbalance from it; levels is capped by the exchange.
func (g *Gateway) Depth(symbol string, levels int) ([]domain.BookLevel, error) {
	g.mu.RLock()
	outage := g.outage
	g.mu.RUnlock()
	if outage {
		return nil, fmt.Errorf("depth %s: %w", symbol, domain.ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bids, _, err := g.rest.Depth(ctx, symbol, levels)
	if err != nil {
		return nil, err
	}
	return bids, nil
}

// DepthBothSides returns bids and asks; used by the imbalance calculation.
func (g *Gateway) DepthBothSides(symbol string, levels int) ([]domain.BookLevel, []domain.BookLevel, error) {
	g.mu.RLock()
	outage := g.outage
	g.mu.RUnlock()
	if outage {
		return nil, nil, fmt.Errorf("depth %s: %w", symbol, domain.ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.rest.Depth(ctx, symbol, levels)
}

// Candles returns the newest n bars, oldest first. Served from the hot cache
// when the window covers the request, falling through to history.db.
func (g *Gateway) Candles(symbol string, timeframe string, n int) ([]domain.Candle, error) {
	key := candleKey(symbol, timeframe)

	g.mu.RLock()
	cached := g.candles[key]
	g.mu.RUnlock()

	if len(cached) >= n {
		out := make([]domain.Candle, n)
		copy(out, cached[len(cached)-n:])
		return out, nil
	}

	candles, err := g.repo.Recent(symbol, timeframe, n)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("candles %s/%s: no history: %w", symbol, timeframe, domain.ErrUnavailable)
	}
	return candles, nil
}

// AppendCandle adds a closed bar to the hot cache and persists it.
func (g *Gateway) AppendCandle(symbol, timeframe string, candle domain.Candle) error {
	key := candleKey(symbol, timeframe)

	g.mu.Lock()
	window := append(g.candles[key], candle)
	if len(window) > g.window {
		window = window[len(window)-g.window:]
	}
	g.candles[key] = window
	g.mu.Unlock()

	return g.repo.Upsert(symbol, timeframe, []domain.Candle{candle})
}

// Backfill fetches history from the REST API for each symbol/timeframe,
// persists it, and warms the hot cache. Called at startup and by the gap
// repair job after an outage.
func (g *Gateway) Backfill(ctx context.Context, symbols []string, timeframes []string, bars int) error {
	for _, symbol := range symbols {
		for _, timeframe := range timeframes {
			candles, err := g.rest.Candles(ctx, symbol, timeframe, bars)
			if err != nil {
				return fmt.Errorf("backfill %s/%s: %w", symbol, timeframe, err)
			}
			if err := g.repo.Upsert(symbol, timeframe, candles); err != nil {
				return err
			}

			window := candles
			if len(window) > g.window {
				window = window[len(window)-g.window:]
			}
			g.mu.Lock()
			g.candles[candleKey(symbol, timeframe)] = append([]domain.Candle(nil), window...)
			g.mu.Unlock()

			g.log.Debug().
				Str("symbol", symbol).
				Str("timeframe", timeframe).
				Int("bars", len(candles)).
				Msg("Backfilled candles")
		}
	}
	return nil
}

func candleKey(symbol, timeframe string) string {
	return symbol + "/" + timeframe
}
