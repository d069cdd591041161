// Package strategies implements the parametric strategy families and the
// signal engine that evaluates them against market data. Each family has a
// typed parameter schema with validated ranges and pairwise ordering
// constraints; evaluation emits at most one signal and degrades to hold
// (never an error) when inputs are missing.
package strategies

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"

	"github.com/aristath/darwin/internal/domain"
)

// Type identifies a strategy family.
type Type string

const (
	TypeMomentum      Type = "momentum"
	TypeMeanReversion Type = "mean_reversion"
	TypeBreakout      Type = "breakout"
	TypeGridTrading   Type = "grid_trading"
	TypeHighFrequency Type = "high_frequency"
	TypeTrendFollow   Type = "trend_following"
)

// AllTypes lists every strategy family, in stable order.
var AllTypes = []Type{
	TypeMomentum,
	TypeMeanReversion,
	TypeBreakout,
	TypeGridTrading,
	TypeHighFrequency,
	TypeTrendFollow,
}

// Params is a strategy's parameter set. All values are numeric; boolean
// parameters are stored as 0/1. JSON serialization is deterministic
// (encoding/json sorts map keys), so serialize/deserialize round-trips
// byte-identically.
type Params map[string]float64

// MarshalParams serializes params to the canonical stored form.
func MarshalParams(p Params) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal parameters: %w", err)
	}
	return string(data), nil
}

// UnmarshalParams parses the stored form back into a parameter set.
func UnmarshalParams(s string) (Params, error) {
	var p Params
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}
	return p, nil
}

// ParamSpec bounds a single parameter. Integer parameters are rounded on
// sampling and mutation; Default doubles as the prior distribution's mode.
type ParamSpec struct {
	Name    string
	Min     float64
	Max     float64
	Default float64
	Integer bool
}

// OrderingConstraint requires params[Lesser] < params[Greater].
type OrderingConstraint struct {
	Lesser  string
	Greater string
}

// Schema is the typed parameter schema for one strategy family.
type Schema struct {
	Type        Type
	Specs       []ParamSpec
	Constraints []OrderingConstraint
}

// schemas is the authoritative schema table. Every parameter read goes
// through Validate, so a stored document can never smuggle an out-of-range
// or unknown parameter into evaluation.
var schemas = map[Type]Schema{
	TypeMomentum: {
		Type: TypeMomentum,
		Specs: []ParamSpec{
			{Name: "short_period", Min: 2, Max: 50, Default: 10, Integer: true},
			{Name: "threshold", Min: 0.001, Max: 0.1, Default: 0.01},
			{Name: "volume_threshold", Min: 1.0, Max: 5.0, Default: 1.5},
		},
	},
	TypeMeanReversion: {
		Type: TypeMeanReversion,
		Specs: []ParamSpec{
			{Name: "lookback_period", Min: 5, Max: 200, Default: 20, Integer: true},
			{Name: "std_multiplier", Min: 0.5, Max: 4.0, Default: 2.0},
			{Name: "min_deviation", Min: 0.001, Max: 0.05, Default: 0.005},
		},
	},
	TypeBreakout: {
		Type: TypeBreakout,
		Specs: []ParamSpec{
			{Name: "lookback_period", Min: 5, Max: 200, Default: 50, Integer: true},
			{Name: "breakout_threshold", Min: 0.001, Max: 0.05, Default: 0.005},
			{Name: "confirmation_periods", Min: 1, Max: 10, Default: 2, Integer: true},
		},
	},
	TypeGridTrading: {
		Type: TypeGridTrading,
		Specs: []ParamSpec{
			{Name: "grid_count", Min: 3, Max: 50, Default: 10, Integer: true},
			{Name: "grid_spacing", Min: 0.001, Max: 0.05, Default: 0.01},
			{Name: "reference_period", Min: 5, Max: 200, Default: 20, Integer: true},
		},
	},
	TypeHighFrequency: {
		Type: TypeHighFrequency,
		Specs: []ParamSpec{
			{Name: "lookback_period", Min: 5, Max: 100, Default: 20, Integer: true},
			{Name: "volatility_threshold", Min: 0.0005, Max: 0.05, Default: 0.002},
			{Name: "min_profit", Min: 0.0001, Max: 0.01, Default: 0.001},
			{Name: "signal_interval", Min: 1, Max: 60, Default: 5, Integer: true},
		},
	},
	TypeTrendFollow: {
		Type: TypeTrendFollow,
		Specs: []ParamSpec{
			{Name: "fast_period", Min: 2, Max: 50, Default: 12, Integer: true},
			{Name: "slow_period", Min: 10, Max: 200, Default: 26, Integer: true},
			{Name: "trend_threshold", Min: 10, Max: 60, Default: 25},
			{Name: "trailing_stop_pct", Min: 0.005, Max: 0.1, Default: 0.02},
		},
		Constraints: []OrderingConstraint{
			{Lesser: "fast_period", Greater: "slow_period"},
		},
	},
}

// SchemaFor returns the schema for a strategy family.
func SchemaFor(t Type) (Schema, error) {
	schema, ok := schemas[t]
	if !ok {
		return Schema{}, domain.Constraintf("unknown strategy type %q", t)
	}
	return schema, nil
}

// spec returns the spec for a named parameter, if the schema has one.
func (s Schema) spec(name string) (ParamSpec, bool) {
	for _, spec := range s.Specs {
		if spec.Name == name {
			return spec, true
		}
	}
	return ParamSpec{}, false
}

// Validate checks a parameter set against the schema: every schema
// parameter present, no unknown parameters, values in range, ordering
// constraints satisfied. Violations fail with a Constraint error.
func (s Schema) Validate(p Params) error {
	for _, spec := range s.Specs {
		v, ok := p[spec.Name]
		if !ok {
			return domain.Constraintf("%s: missing parameter %q", s.Type, spec.Name)
		}
		if v < spec.Min || v > spec.Max {
			return domain.Constraintf("%s: parameter %q = %v outside [%v, %v]",
				s.Type, spec.Name, v, spec.Min, spec.Max)
		}
	}
	for name := range p {
		if _, ok := s.spec(name); !ok {
			return domain.Constraintf("%s: unknown parameter %q", s.Type, name)
		}
	}
	for _, c := range s.Constraints {
		if p[c.Lesser] >= p[c.Greater] {
			return domain.Constraintf("%s: constraint %s < %s violated (%v >= %v)",
				s.Type, c.Lesser, c.Greater, p[c.Lesser], p[c.Greater])
		}
	}
	return nil
}

// Clamp snaps a value into the spec's range, rounding integer parameters.
func (spec ParamSpec) Clamp(v float64) float64 {
	if v < spec.Min {
		v = spec.Min
	}
	if v > spec.Max {
		v = spec.Max
	}
	if spec.Integer {
		v = float64(int64(v + 0.5))
		if v > spec.Max {
			v = float64(int64(spec.Max))
		}
		if v < spec.Min {
			v = float64(int64(spec.Min + 0.999))
		}
	}
	return v
}

// Defaults returns the schema's default parameter set.
func (s Schema) Defaults() Params {
	p := make(Params, len(s.Specs))
	for _, spec := range s.Specs {
		p[spec.Name] = spec.Default
	}
	return p
}

// Sample draws a parameter set from the family's prior: each parameter
// uniform in range, then repaired against ordering constraints. Used by
// homeostasis when creating fresh strategies.
func (s Schema) Sample(rng *rand.Rand) Params {
	p := make(Params, len(s.Specs))
	for _, spec := range s.Specs {
		v := spec.Min + rng.Float64()*(spec.Max-spec.Min)
		p[spec.Name] = spec.Clamp(v)
	}
	s.Repair(p)
	return p
}

// Repair nudges a parameter set until ordering constraints hold, preferring
// to move the lesser parameter down. Mutation and crossover call this after
// recombining values from different parents.
func (s Schema) Repair(p Params) {
	for _, c := range s.Constraints {
		if p[c.Lesser] >= p[c.Greater] {
			lesserSpec, _ := s.spec(c.Lesser)
			v := p[c.Greater] - 1
			if v < lesserSpec.Min {
				v = lesserSpec.Min
				greaterSpec, _ := s.spec(c.Greater)
				p[c.Greater] = greaterSpec.Clamp(v + 1)
			}
			p[c.Lesser] = lesserSpec.Clamp(v)
		}
	}
}

// Names returns the schema's parameter names in stable order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s.Specs))
	for _, spec := range s.Specs {
		names = append(names, spec.Name)
	}
	sort.Strings(names)
	return names
}
