package scheduler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/settings"
)

// LedgerReader reads the trade history the rebalancer needs: real loss
// streaks for the emergency rails, and post-demotion validation activity
// for tier-4 re-entry. Implemented by the trade ledger.
type LedgerReader interface {
	ConsecutiveRealLosses(strategyID string) (int, error)
	CountTradesSince(strategyID string, kind domain.TradeKind, since time.Time) (int, error)
}

// Rebalancer recomputes tier membership from the score ranking. Movement is
// damped by a hysteresis band: a strategy only changes tier when its score
// clears the boundary by the band, so ranking noise at a tier edge doesn't
// churn memberships every pass.
type Rebalancer struct {
	registry *registry.Repository
	ledger   LedgerReader
	settings *settings.Service
	bus      *events.Bus
	log      zerolog.Logger
}

// NewRebalancer creates a tier rebalancer
func NewRebalancer(reg *registry.Repository, ledger LedgerReader, set *settings.Service, bus *events.Bus, log zerolog.Logger) *Rebalancer {
	return &Rebalancer{
		registry: reg,
		ledger:   ledger,
		settings: set,
		bus:      bus,
		log:      log.With().Str("component", "tier_rebalancer").Logger(),
	}
}

// Rebalance ranks all live strategies by score and reassigns tiers: the
// top tier4_size among real-eligible strategies go real, the next
// tier3_size and tier2_size fill the active and warm tiers by rank,
// everyone else drops to the archive tier. Returns the number of tier
// changes applied.
func (r *Rebalancer) Rebalance() (int, error) {
	tuning, err := r.settings.Load()
	if err != nil {
		return 0, fmt.Errorf("failed to load tuning: %w", err)
	}

	enabled, notRetired := true, false
	ranked, err := r.registry.List(registry.Filter{
		Enabled:      &enabled,
		Retired:      &notRetired,
		OrderByScore: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list strategies: %w", err)
	}

	targets := r.planTiers(ranked, tuning)

	changes := 0
	for _, strat := range ranked {
		target := targets[strat.ID]
		if target == strat.Tier {
			continue
		}
		if r.withinHysteresis(ranked, targets, strat, target, tuning) {
			continue
		}
		if err := r.move(strat, target, "rebalance"); err != nil {
			r.log.Error().Err(err).Str("strategy_id", strat.ID).Msg("Failed to move strategy tier")
			continue
		}
		if target == TierMax && !strat.DemotedAt.IsZero() {
			if err := r.registry.ClearDemotion(strat.ID); err != nil {
				r.log.Error().Err(err).Str("strategy_id", strat.ID).Msg("Failed to clear demotion marker")
			}
		}
		changes++
	}

	if changes > 0 {
		r.log.Info().Int("changes", changes).Int("ranked", len(ranked)).Msg("Tier rebalance applied")
		if r.bus != nil {
			r.bus.Publish(events.NewEvent(events.TierRebalanced, map[string]interface{}{
				"changes": changes,
				"ranked":  len(ranked),
			}))
		}
	}
	return changes, nil
}

// planTiers maps every live strategy to its target tier. Tier 4 takes the
// top tier4_size among gate-passing strategies only; rank alone never
// grants real money, and an emergency-demoted strategy stays out until it
// clears re-entry. Everyone else fills tiers 3, 2 and 1 by rank.
func (r *Rebalancer) planTiers(ranked []*registry.Strategy, tuning *settings.Tuning) map[string]int {
	targets := make(map[string]int, len(ranked))

	real := 0
	for _, s := range ranked {
		if real >= tuning.Tier4Size {
			break
		}
		if !s.Metrics.QualifiesForReal {
			continue
		}
		if !s.DemotedAt.IsZero() && !r.reEntryCleared(s, tuning) {
			continue
		}
		targets[s.ID] = TierMax
		real++
	}

	pos := 0
	for _, s := range ranked {
		if _, claimed := targets[s.ID]; claimed {
			continue
		}
		switch {
		case pos < tuning.Tier3Size:
			targets[s.ID] = 3
		case pos < tuning.Tier3Size+tuning.Tier2Size:
			targets[s.ID] = 2
		default:
			targets[s.ID] = 1
		}
		pos++
	}
	return targets
}

// reEntryCleared reports whether an emergency-demoted strategy may hold
// tier 4 again: its score must sit above the real gate's upper hysteresis
// band, and it must have rebuilt a validation record since the demotion.
func (r *Rebalancer) reEntryCleared(strat *registry.Strategy, tuning *settings.Tuning) bool {
	if strat.Metrics.FinalScore < tuning.ScoreRealGate*(1+tuning.HysteresisBand) {
		return false
	}
	trades, err := r.ledger.CountTradesSince(strat.ID, domain.TradeKindValidation, strat.DemotedAt)
	if err != nil {
		r.log.Error().Err(err).Str("strategy_id", strat.ID).Msg("Failed to count post-demotion trades")
		return false
	}
	return trades >= tuning.MinTradesForReal
}

// withinHysteresis reports whether the strategy's score is too close to
// the edge it would cross for the move to stick. A promotion is measured
// against the best-scored strategy the higher tier excludes; a demotion
// against the worst-scored one it keeps. Tier-4 edges only consider
// gate-passing strategies, matching how the tier is filled.
func (r *Rebalancer) withinHysteresis(ranked []*registry.Strategy, targets map[string]int, strat *registry.Strategy, target int, tuning *settings.Tuning) bool {
	if tuning.HysteresisBand <= 0 {
		return false
	}

	higher := target
	promotion := target > strat.Tier
	if !promotion {
		higher = strat.Tier
	}

	var boundary *registry.Strategy
	for _, s := range ranked {
		if s.ID == strat.ID {
			continue
		}
		if higher == TierMax && !s.Metrics.QualifiesForReal {
			continue
		}
		if promotion {
			if targets[s.ID] < higher {
				boundary = s
				break
			}
		} else if targets[s.ID] >= higher {
			boundary = s
		}
	}
	if boundary == nil {
		return false
	}
	boundaryScore := boundary.Metrics.FinalScore
	if boundaryScore <= 0 {
		return false
	}

	gap := strat.Metrics.FinalScore - boundaryScore
	if gap < 0 {
		gap = -gap
	}
	return gap < boundaryScore*tuning.HysteresisBand
}

// EmergencyCheck demotes a tier-4 strategy that breached the real-money
// rails: a run of consecutive real losses at the cap, or drawdown past the
// hard limit. The demotion is stamped on the strategy so the next
// rebalance pass cannot quietly promote it back. Returns true when a
// demotion happened.
func (r *Rebalancer) EmergencyCheck(strategyID string) (bool, error) {
	tuning, err := r.settings.Load()
	if err != nil {
		return false, fmt.Errorf("failed to load tuning: %w", err)
	}

	strat, err := r.registry.Get(strategyID)
	if err != nil {
		return false, err
	}
	if strat == nil || strat.Tier != TierMax || !strat.Live() {
		return false, nil
	}

	reason := ""
	if strat.Metrics.MaxDrawdown > tuning.MaxDrawdownCap {
		reason = fmt.Sprintf("drawdown %.3f over cap %.3f", strat.Metrics.MaxDrawdown, tuning.MaxDrawdownCap)
	} else {
		losses, err := r.ledger.ConsecutiveRealLosses(strategyID)
		if err != nil {
			return false, err
		}
		if losses >= tuning.ConsecutiveLossCap {
			reason = fmt.Sprintf("%d consecutive real losses", losses)
		}
	}
	if reason == "" {
		return false, nil
	}

	if err := r.move(strat, TierMax-1, reason); err != nil {
		return false, err
	}
	if err := r.registry.SetDemoted(strategyID, time.Now()); err != nil {
		return false, err
	}
	r.log.Warn().Str("strategy_id", strategyID).Str("reason", reason).Msg("Emergency demotion")
	if r.bus != nil {
		r.bus.Publish(events.NewStrategyEvent(events.EmergencyDemotion, strategyID, map[string]interface{}{
			"reason": reason,
			"before": strat.Tier,
			"after":  TierMax - 1,
		}))
	}
	return true, nil
}

// move applies a tier change and publishes the lifecycle event.
func (r *Rebalancer) move(strat *registry.Strategy, target int, reason string) error {
	if err := r.registry.SetTier(strat.ID, target); err != nil {
		return err
	}

	eventType := events.StrategyPromoted
	if target < strat.Tier {
		eventType = events.StrategyDemoted
	}
	if r.bus != nil {
		r.bus.Publish(events.NewStrategyEvent(eventType, strat.ID, map[string]interface{}{
			"before": strat.Tier,
			"after":  target,
			"reason": reason,
			"score":  strat.Metrics.FinalScore,
		}))
	}
	return nil
}
