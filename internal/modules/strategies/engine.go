package strategies

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/darwin/internal/domain"
)

// Instance is the slice of a registry strategy the engine needs: identity,
// family, and the parameter set at a known cycle. The cycle is baked into
// every fingerprint so signals from superseded parameters never collide
// with signals from committed ones.
type Instance struct {
	ID     string
	Type   Type
	Symbol string
	Cycle  int64
	Params Params
}

// ReasonInsufficientData marks hold signals caused by missing inputs.
const ReasonInsufficientData = "insufficient_data"

// Engine evaluates strategy instances against market data. It is safe for
// concurrent use; per-strategy state (HF cooldowns, grid levels) is held
// under a mutex, and the scheduler's single-flight guarantee means no two
// workers evaluate the same strategy concurrently anyway.
type Engine struct {
	market      domain.MarketData
	timeframe   string
	feeRate     float64
	maxQuoteAge time.Duration
	log         zerolog.Logger

	mu           sync.Mutex
	lastSignalAt map[string]time.Time // HF cooldown, keyed by strategy ID
	gridLevel    map[string]int       // last crossed grid level per strategy
}

// EngineConfig configures the signal engine.
type EngineConfig struct {
	Timeframe   string        // candle timeframe evaluated ("5m")
	FeeRate     float64       // taker fee rate, feeds the HF edge estimate
	MaxQuoteAge time.Duration // quote freshness bound for signal pricing
}

// NewEngine creates a signal engine over the given market data source.
func NewEngine(market domain.MarketData, cfg EngineConfig, log zerolog.Logger) *Engine {
	if cfg.Timeframe == "" {
		cfg.Timeframe = "5m"
	}
	if cfg.MaxQuoteAge == 0 {
		cfg.MaxQuoteAge = 30 * time.Second
	}
	return &Engine{
		market:       market,
		timeframe:    cfg.Timeframe,
		feeRate:      cfg.FeeRate,
		maxQuoteAge:  cfg.MaxQuoteAge,
		log:          log.With().Str("component", "signal_engine").Logger(),
		lastSignalAt: make(map[string]time.Time),
		gridLevel:    make(map[string]int),
	}
}

// Fingerprint derives the dedup key for a signal. Identical strategy, cycle,
// symbol, bar and side always produce identical fingerprints, which is what
// collapses duplicate evaluations into one trade.
func Fingerprint(strategyID string, cycle int64, symbol string, barTs time.Time, side domain.Side) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%d|%s", strategyID, cycle, symbol, barTs.Unix(), side)
	return hex.EncodeToString(h.Sum(nil))
}

// Evaluate runs one strategy against current market data and returns exactly
// one signal. Missing inputs (stale quotes, short history) produce a hold
// with reason=insufficient_data — never an error. Errors are reserved for
// invalid parameters and internal faults.
func (e *Engine) Evaluate(inst Instance) (domain.Signal, error) {
	schema, err := SchemaFor(inst.Type)
	if err != nil {
		return domain.Signal{}, err
	}
	if err := schema.Validate(inst.Params); err != nil {
		return domain.Signal{}, err
	}

	candles, err := e.market.Candles(inst.Symbol, e.timeframe, requiredBars(inst.Type, inst.Params))
	if err != nil || len(candles) < requiredBars(inst.Type, inst.Params) {
		return e.hold(inst, time.Now(), ReasonInsufficientData), nil
	}
	barTs := candles[len(candles)-1].Ts

	verdict := e.evaluateFamily(inst, candles)
	if verdict.side == domain.SideHold {
		return e.hold(inst, barTs, verdict.reason), nil
	}

	price, ok := e.signalPrice(inst.Symbol, candles)
	if !ok {
		return e.hold(inst, barTs, ReasonInsufficientData), nil
	}

	return domain.Signal{
		StrategyID:  inst.ID,
		Symbol:      inst.Symbol,
		Side:        verdict.side,
		Price:       price,
		Confidence:  clamp01(verdict.confidence),
		Ts:          barTs,
		Fingerprint: Fingerprint(inst.ID, inst.Cycle, inst.Symbol, barTs, verdict.side),
		Reason:      verdict.reason,
	}, nil
}

// signalPrice prefers a fresh quote mid, falling back to the last close.
func (e *Engine) signalPrice(symbol string, candles []domain.Candle) (decimal.Decimal, bool) {
	if quote, err := e.market.Price(symbol, e.maxQuoteAge); err == nil {
		return quote.Mid(), true
	}
	last := candles[len(candles)-1]
	if last.Close <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(last.Close), true
}

func (e *Engine) hold(inst Instance, barTs time.Time, reason string) domain.Signal {
	return domain.Signal{
		StrategyID:  inst.ID,
		Symbol:      inst.Symbol,
		Side:        domain.SideHold,
		Ts:          barTs,
		Fingerprint: Fingerprint(inst.ID, inst.Cycle, inst.Symbol, barTs, domain.SideHold),
		Reason:      reason,
	}
}

// verdict is a family evaluator's decision before pricing and fingerprinting.
type verdict struct {
	side       domain.Side
	confidence float64
	reason     string
}

func holdVerdict(reason string) verdict {
	return verdict{side: domain.SideHold, reason: reason}
}

func (e *Engine) evaluateFamily(inst Instance, candles []domain.Candle) verdict {
	switch inst.Type {
	case TypeMomentum:
		return evalMomentum(inst.Params, candles)
	case TypeMeanReversion:
		return evalMeanReversion(inst.Params, candles)
	case TypeBreakout:
		return evalBreakout(inst.Params, candles)
	case TypeGridTrading:
		return e.evalGrid(inst, candles)
	case TypeHighFrequency:
		return e.evalHighFrequency(inst, candles)
	case TypeTrendFollow:
		return evalTrendFollowing(inst.Params, candles)
	default:
		return holdVerdict("unknown_type")
	}
}

// requiredBars returns the history length a family needs, with headroom for
// warm-up of the indicators involved.
func requiredBars(t Type, p Params) int {
	switch t {
	case TypeMomentum:
		return int(p["short_period"]) + 2
	case TypeMeanReversion:
		return int(p["lookback_period"]) + 1
	case TypeBreakout:
		return int(p["lookback_period"]) + int(p["confirmation_periods"]) + 1
	case TypeGridTrading:
		return int(p["reference_period"]) + 2
	case TypeHighFrequency:
		return int(p["lookback_period"]) + 2
	case TypeTrendFollow:
		// ADX warm-up needs roughly twice its period on top of the slow EMA.
		n := int(p["slow_period"])
		if n < 2*adxPeriod {
			n = 2 * adxPeriod
		}
		return n + adxPeriod
	default:
		return 1
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
