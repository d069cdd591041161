package settings

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Setting keys, grouped as in the operator documentation. Every tunable of
// the population, scheduler, gate, evolution, risk and feed subsystems lives
// here; defaults are seeded on first startup and edited at runtime.
const (
	// Population
	KeyMaxTotalStrategies   = "max_total_strategies"
	KeyOptimalStrategyCount = "optimal_strategy_count"
	KeyMaxActiveStrategies  = "max_active_strategies"

	// Tier sizes and cadences
	KeyTier2Size            = "tier2_size"
	KeyTier3Size            = "tier3_size"
	KeyTier4Size            = "tier4_size"
	KeyTier1IntervalHours   = "tier1_interval_hours"
	KeyTier2IntervalMinutes = "tier2_interval_minutes"
	KeyTier3IntervalMinutes = "tier3_interval_minutes"

	// Real-trading gate
	KeyRealTradingEnabled = "real_trading_enabled"
	KeyScoreRealGate      = "score_real_gate"
	KeyMinTradesForReal   = "min_trades_for_real"
	KeyMinWinRate         = "min_win_rate"
	KeyMinSimDays         = "min_sim_days"
	KeyMinSimWinRate      = "min_sim_win_rate"
	KeyMinSimPnl          = "min_sim_pnl"

	// Evolution
	KeyMutationRate          = "mutation_rate"
	KeyCrossoverRate         = "crossover_rate"
	KeyMinScoreImprovement   = "min_score_improvement"
	KeyParamValidationTrades = "param_validation_trades"
	KeyTopProtect            = "top_protect"
	KeyProtectWindowHours    = "protect_window_hours"
	KeyEliminationDays       = "elimination_days"
	KeyScoreEliminationFloor = "score_elimination_floor"
	KeyMinTradesForEval      = "min_trades_for_evaluation"

	// Risk
	KeyValidationAmount   = "validation_amount"
	KeyRealTradingAmount  = "real_trading_amount"
	KeyStopLossPct        = "stop_loss_pct"
	KeyTakeProfitPct      = "take_profit_pct"
	KeyMaxPositionPct     = "max_position_pct"
	KeyMaxHoldingMinutes  = "max_holding_minutes"
	KeyMaxOrderRetries    = "max_order_retries"
	KeySlippageBps        = "slippage_bps"
	KeyFeeRate            = "fee_rate"
	KeyMaxDrawdownCap     = "max_drawdown_cap"
	KeyConsecutiveLossCap = "consecutive_loss_cap"

	// Scoring window
	KeyScoreWindowTrades = "score_window_trades"
	KeyScoreWindowDays   = "score_window_days"
	KeyScorePrior        = "score_prior"
	KeyDrawdownMax       = "drawdown_max"

	// Scheduler
	KeyHysteresisBand = "hysteresis_band"
	KeyMaxEvalRetries = "max_eval_retries"

	// Feeds / exchange quotas
	KeyMaxAgeSeconds    = "max_age_seconds"
	KeyExchangeBurst    = "exchange_quota_burst"
	KeyExchangePerSec   = "exchange_quota_per_sec"
	KeyEventLogMaxRows  = "event_log_max_rows"
	KeyEventLogMaxAgeDs = "event_log_max_age_days"
)

// defaultEntry pairs a default value with an operator-facing description
type defaultEntry struct {
	value       string
	description string
}

// defaults holds the seed values for every enumerated setting key.
// The SCS weights and the hysteresis band width were operator decisions
// recorded here rather than constants scattered across files.
var defaults = map[string]defaultEntry{
	KeyMaxTotalStrategies:   {"3000", "Hard cap on total live strategies"},
	KeyOptimalStrategyCount: {"2000", "Population homeostasis target"},
	KeyMaxActiveStrategies:  {"2500", "Max strategies the scheduler will enqueue"},

	KeyTier2Size:            {"2000", "Tier 2 high-frequency pool size (top-K by score)"},
	KeyTier3Size:            {"21", "Tier 3 display/live candidate count"},
	KeyTier4Size:            {"3", "Tier 4 real-trading set size"},
	KeyTier1IntervalHours:   {"24", "Tier 1 full-population sweep interval (hours)"},
	KeyTier2IntervalMinutes: {"30", "Tier 2 evaluation cadence (minutes)"},
	KeyTier3IntervalMinutes: {"5", "Tier 3 evaluation cadence (minutes)"},

	KeyRealTradingEnabled: {"false", "Global real-money switch; off forces all trades to validation"},
	KeyScoreRealGate:      {"65", "Minimum composite score for real-trading eligibility"},
	KeyMinTradesForReal:   {"10", "Minimum recorded trades for real-trading eligibility"},
	KeyMinWinRate:         {"0.6", "Minimum win rate for real-trading eligibility"},
	KeyMinSimDays:         {"3", "Minimum days of simulated history before real trading"},
	KeyMinSimWinRate:      {"0.55", "Minimum observed win rate to commit a parameter proposal"},
	KeyMinSimPnl:          {"0", "Minimum observed PnL to commit a parameter proposal"},

	KeyMutationRate:          {"0.3", "Per-parameter mutation probability"},
	KeyCrossoverRate:         {"0.2", "Probability a proposal is a crossover instead of a mutation"},
	KeyMinScoreImprovement:   {"2", "Minimum predicted score gain to keep a proposal"},
	KeyParamValidationTrades: {"20", "Validation signals required before a commit decision"},
	KeyTopProtect:            {"3", "Top strategies shielded from mutation and retirement"},
	KeyProtectWindowHours:    {"24", "Protection window after promotion (hours)"},
	KeyEliminationDays:       {"7", "Days without improvement before elimination"},
	KeyScoreEliminationFloor: {"30", "Score below which a strategy is eliminated"},
	KeyMinTradesForEval:      {"10", "Minimum trades before negative PnL can eliminate"},

	KeyValidationAmount:   {"100", "Notional per validation trade (quote currency)"},
	KeyRealTradingAmount:  {"50", "Notional per real trade (quote currency)"},
	KeyStopLossPct:        {"0.02", "Stop loss as fraction of entry price"},
	KeyTakeProfitPct:      {"0.04", "Take profit as fraction of entry price"},
	KeyMaxPositionPct:     {"0.1", "Max fraction of available balance per position"},
	KeyMaxHoldingMinutes:  {"240", "Forced close after this holding time"},
	KeyMaxOrderRetries:    {"3", "Max submit retries on transient exchange errors"},
	KeySlippageBps:        {"5", "Modeled slippage for validation fills (basis points)"},
	KeyFeeRate:            {"0.001", "Modeled fee rate for validation fills"},
	KeyMaxDrawdownCap:     {"0.25", "Drawdown triggering emergency demotion"},
	KeyConsecutiveLossCap: {"3", "Consecutive real losses triggering emergency demotion"},

	KeyScoreWindowTrades: {"50", "Rolling scoring window (trades)"},
	KeyScoreWindowDays:   {"30", "Rolling scoring window (days)"},
	KeyScorePrior:        {"0.4", "Prior for sub-scores with insufficient samples"},
	KeyDrawdownMax:       {"0.5", "Drawdown normalization ceiling in the composite score"},

	KeyHysteresisBand: {"0.05", "Promotion/demotion band around tier thresholds"},
	KeyMaxEvalRetries: {"3", "Re-enqueues before an evaluation is marked failed"},

	KeyMaxAgeSeconds:    {"30", "Staleness budget for quotes (seconds)"},
	KeyExchangeBurst:    {"10", "Exchange quota token bucket burst"},
	KeyExchangePerSec:   {"5", "Exchange quota tokens per second"},
	KeyEventLogMaxRows:  {"100000", "Evolution log retention (rows)"},
	KeyEventLogMaxAgeDs: {"30", "Evolution log retention (days)"},
}

// Service provides typed snapshots of the runtime settings.
// Hot loops read a Tuning snapshot once per tick instead of hitting
// config.db per decision.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

// NewService creates a settings service
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("service", "settings").Logger(),
	}
}

// SeedDefaults writes any missing setting keys with their default values.
// Existing values are never overwritten.
func (s *Service) SeedDefaults() error {
	for key, entry := range defaults {
		if err := s.repo.SetDefault(key, entry.value, entry.description); err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", key, err)
		}
	}
	return nil
}

// Repo exposes the underlying repository for the control surface
func (s *Service) Repo() *Repository {
	return s.repo
}

// Tuning is a point-in-time snapshot of all runtime tunables
type Tuning struct {
	// Population
	MaxTotalStrategies   int
	OptimalStrategyCount int
	MaxActiveStrategies  int

	// Tiers
	Tier2Size     int
	Tier3Size     int
	Tier4Size     int
	Tier1Interval time.Duration
	Tier2Interval time.Duration
	Tier3Interval time.Duration

	// Gate
	RealTradingEnabled bool
	ScoreRealGate      float64
	MinTradesForReal   int
	MinWinRate         float64
	MinSimDays         int
	MinSimWinRate      float64
	MinSimPnl          float64

	// Evolution
	MutationRate          float64
	CrossoverRate         float64
	MinScoreImprovement   float64
	ParamValidationTrades int
	TopProtect            int
	ProtectWindow         time.Duration
	EliminationDays       int
	ScoreEliminationFloor float64
	MinTradesForEval      int

	// Risk
	ValidationAmount   float64
	RealTradingAmount  float64
	StopLossPct        float64
	TakeProfitPct      float64
	MaxPositionPct     float64
	MaxHolding         time.Duration
	MaxOrderRetries    int
	SlippageBps        float64
	FeeRate            float64
	MaxDrawdownCap     float64
	ConsecutiveLossCap int

	// Scoring
	ScoreWindowTrades int
	ScoreWindowDays   int
	ScorePrior        float64
	DrawdownMax       float64

	// Scheduler
	HysteresisBand float64
	MaxEvalRetries int

	// Feeds
	MaxAge           time.Duration
	ExchangeBurst    float64
	ExchangePerSec   float64
	EventLogMaxRows  int
	EventLogMaxAge   time.Duration
}

// Load reads a consistent Tuning snapshot. Parse failures fall back to
// defaults per key (the repository logs them), so a bad operator edit can
// not stall the scheduler.
func (s *Service) Load() (*Tuning, error) {
	t := &Tuning{}
	var err error

	geti := func(key string, def int) int {
		v, e := s.repo.GetInt(key, def)
		if e != nil && err == nil {
			err = e
		}
		return v
	}
	getf := func(key string, def float64) float64 {
		v, e := s.repo.GetFloat(key, def)
		if e != nil && err == nil {
			err = e
		}
		return v
	}
	getb := func(key string, def bool) bool {
		v, e := s.repo.GetBool(key, def)
		if e != nil && err == nil {
			err = e
		}
		return v
	}

	t.MaxTotalStrategies = geti(KeyMaxTotalStrategies, 3000)
	t.OptimalStrategyCount = geti(KeyOptimalStrategyCount, 2000)
	t.MaxActiveStrategies = geti(KeyMaxActiveStrategies, 2500)

	t.Tier2Size = geti(KeyTier2Size, 2000)
	t.Tier3Size = geti(KeyTier3Size, 21)
	t.Tier4Size = geti(KeyTier4Size, 3)
	t.Tier1Interval = time.Duration(geti(KeyTier1IntervalHours, 24)) * time.Hour
	t.Tier2Interval = time.Duration(geti(KeyTier2IntervalMinutes, 30)) * time.Minute
	t.Tier3Interval = time.Duration(geti(KeyTier3IntervalMinutes, 5)) * time.Minute

	t.RealTradingEnabled = getb(KeyRealTradingEnabled, false)
	t.ScoreRealGate = getf(KeyScoreRealGate, 65)
	t.MinTradesForReal = geti(KeyMinTradesForReal, 10)
	t.MinWinRate = getf(KeyMinWinRate, 0.6)
	t.MinSimDays = geti(KeyMinSimDays, 3)
	t.MinSimWinRate = getf(KeyMinSimWinRate, 0.55)
	t.MinSimPnl = getf(KeyMinSimPnl, 0)

	t.MutationRate = getf(KeyMutationRate, 0.3)
	t.CrossoverRate = getf(KeyCrossoverRate, 0.2)
	t.MinScoreImprovement = getf(KeyMinScoreImprovement, 2)
	t.ParamValidationTrades = geti(KeyParamValidationTrades, 20)
	t.TopProtect = geti(KeyTopProtect, 3)
	t.ProtectWindow = time.Duration(geti(KeyProtectWindowHours, 24)) * time.Hour
	t.EliminationDays = geti(KeyEliminationDays, 7)
	t.ScoreEliminationFloor = getf(KeyScoreEliminationFloor, 30)
	t.MinTradesForEval = geti(KeyMinTradesForEval, 10)

	t.ValidationAmount = getf(KeyValidationAmount, 100)
	t.RealTradingAmount = getf(KeyRealTradingAmount, 50)
	t.StopLossPct = getf(KeyStopLossPct, 0.02)
	t.TakeProfitPct = getf(KeyTakeProfitPct, 0.04)
	t.MaxPositionPct = getf(KeyMaxPositionPct, 0.1)
	t.MaxHolding = time.Duration(geti(KeyMaxHoldingMinutes, 240)) * time.Minute
	t.MaxOrderRetries = geti(KeyMaxOrderRetries, 3)
	t.SlippageBps = getf(KeySlippageBps, 5)
	t.FeeRate = getf(KeyFeeRate, 0.001)
	t.MaxDrawdownCap = getf(KeyMaxDrawdownCap, 0.25)
	t.ConsecutiveLossCap = geti(KeyConsecutiveLossCap, 3)

	t.ScoreWindowTrades = geti(KeyScoreWindowTrades, 50)
	t.ScoreWindowDays = geti(KeyScoreWindowDays, 30)
	t.ScorePrior = getf(KeyScorePrior, 0.4)
	t.DrawdownMax = getf(KeyDrawdownMax, 0.5)

	t.HysteresisBand = getf(KeyHysteresisBand, 0.05)
	t.MaxEvalRetries = geti(KeyMaxEvalRetries, 3)

	t.MaxAge = time.Duration(geti(KeyMaxAgeSeconds, 30)) * time.Second
	t.ExchangeBurst = getf(KeyExchangeBurst, 10)
	t.ExchangePerSec = getf(KeyExchangePerSec, 5)
	t.EventLogMaxRows = geti(KeyEventLogMaxRows, 100000)
	t.EventLogMaxAge = time.Duration(geti(KeyEventLogMaxAgeDs, 30)) * 24 * time.Hour

	if err != nil {
		return t, fmt.Errorf("failed to load tuning snapshot: %w", err)
	}
	return t, nil
}
