package trading

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/settings"
)

// tier4 is the real-trading tier.
const tier4 = 4

// ValidationHold reports strategies whose latest parameter commit is
// still inside its live validation window. Implemented by the evolution
// service.
type ValidationHold interface {
	PendingValidation(strategyID string) bool
}

// Classifier decides whether a signal trades real money or runs as a
// validation fill. The default is always validation; the real path must
// clear every gate.
type Classifier struct {
	log zerolog.Logger

	mu            sync.Mutex
	hold          ValidationHold
	firstEligible map[string]time.Time // when a strategy first became real-eligible
}

// NewClassifier creates a trade classifier
func NewClassifier(log zerolog.Logger) *Classifier {
	return &Classifier{
		log:           log.With().Str("component", "trade_classifier").Logger(),
		firstEligible: make(map[string]time.Time),
	}
}

// SetValidationHold wires the pending-commit check. Set once at startup.
func (c *Classifier) SetValidationHold(hold ValidationHold) {
	c.mu.Lock()
	c.hold = hold
	c.mu.Unlock()
}

// Classify returns the trade kind for a signal from the given strategy.
// kind = real only when the global switch is on, the strategy sits in tier
// 4 with no parameter commit under validation, it passes the eligibility
// gate, and its post-eligibility cooling window has elapsed.
func (c *Classifier) Classify(strat *registry.Strategy, tuning *settings.Tuning) domain.TradeKind {
	if !tuning.RealTradingEnabled {
		return domain.TradeKindValidation
	}
	if strat.Tier != tier4 {
		return domain.TradeKindValidation
	}
	c.mu.Lock()
	hold := c.hold
	c.mu.Unlock()
	if hold != nil && hold.PendingValidation(strat.ID) {
		return domain.TradeKindValidation
	}
	if !strat.Metrics.QualifiesForReal {
		c.mu.Lock()
		delete(c.firstEligible, strat.ID)
		c.mu.Unlock()
		return domain.TradeKindValidation
	}

	c.mu.Lock()
	first, seen := c.firstEligible[strat.ID]
	if !seen {
		first = time.Now()
		c.firstEligible[strat.ID] = first
	}
	c.mu.Unlock()

	// Newly eligible strategies cool off for the protect window before
	// their first real order.
	if time.Since(first) < tuning.ProtectWindow {
		return domain.TradeKindValidation
	}
	return domain.TradeKindReal
}
