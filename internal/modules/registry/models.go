// Package registry stores the durable strategy population: parameters,
// lineage, tier membership, and scoring metrics. Parameter commits use
// optimistic concurrency on the cycle counter so concurrent evolution
// attempts cannot stomp each other.
package registry

import (
	"time"

	"github.com/aristath/darwin/internal/modules/strategies"
)

// Metrics is the rolling performance summary maintained by the scoring
// subsystem. FinalScore is the 0-100 composite; Provisional marks scores
// computed with priors substituted for missing sub-scores.
type Metrics struct {
	TotalTrades      int     `json:"total_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalReturn      float64 `json:"total_return"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	Sharpe           float64 `json:"sharpe"`
	DailyReturn      float64 `json:"daily_return"`
	FinalScore       float64 `json:"final_score"`
	Provisional      bool    `json:"provisional"`
	QualifiesForReal bool    `json:"qualifies_for_real"`
}

// Strategy is one member of the population.
type Strategy struct {
	ID         string            `json:"id"`
	Type       strategies.Type   `json:"type"`
	Symbol     string            `json:"symbol"`
	Parameters strategies.Params `json:"parameters"`
	Generation int               `json:"generation"`
	Cycle      int64             `json:"cycle"`
	ParentID   *string           `json:"parent_id,omitempty"`
	Enabled    bool              `json:"enabled"`
	Tier       int               `json:"tier"` // 1..4, 0 = unassigned
	Retired    bool              `json:"retired"`
	RetireNote string            `json:"retired_reason,omitempty"`

	Metrics Metrics `json:"metrics"`

	// DemotedAt is set when an emergency demotion pulls the strategy out
	// of the real tier, and cleared when it earns its way back in. Zero
	// means no demotion is in effect.
	DemotedAt time.Time `json:"demoted_at,omitempty"`

	LastEvaluatedAt time.Time `json:"last_evaluated_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Live reports whether the strategy participates in scheduling.
func (s *Strategy) Live() bool {
	return s.Enabled && !s.Retired
}

// Instance converts the strategy to the signal engine's input form.
func (s *Strategy) Instance() strategies.Instance {
	return strategies.Instance{
		ID:     s.ID,
		Type:   s.Type,
		Symbol: s.Symbol,
		Cycle:  s.Cycle,
		Params: s.Parameters,
	}
}

// Filter narrows List queries. Nil pointer fields are ignored.
type Filter struct {
	Type         *strategies.Type
	Symbol       *string
	Tier         *int
	Enabled      *bool
	Retired      *bool
	MinScore     *float64
	RealEligible *bool
	OrderByScore bool // descending final_score, ties by id for stability
	Limit        int
}
