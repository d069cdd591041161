// Package evolution manages the strategy population: mutation and crossover
// of parameter sets, shadow backtesting of candidates, post-commit live
// validation with revert, elimination of persistent losers, and homeostasis
// that keeps the population at its target size.
package evolution

import (
	"math/rand"

	"github.com/aristath/darwin/internal/modules/strategies"
)

// mutationSigma scales the gaussian step to a fraction of each parameter's
// range, so a mutation is a local move rather than a re-roll.
const mutationSigma = 0.1

// Mutate returns a copy of params with each parameter perturbed with
// probability rate. Values are clamped to their spec and the result is
// repaired against ordering constraints, so the output always validates.
func Mutate(schema strategies.Schema, params strategies.Params, rate float64, rng *rand.Rand) strategies.Params {
	child := make(strategies.Params, len(params))
	for k, v := range params {
		child[k] = v
	}

	mutated := false
	for _, spec := range schema.Specs {
		if rng.Float64() >= rate {
			continue
		}
		step := rng.NormFloat64() * mutationSigma * (spec.Max - spec.Min)
		child[spec.Name] = spec.Clamp(child[spec.Name] + step)
		mutated = true
	}

	// A mutation that changes nothing is useless; force one real move.
	// Clamping and integer rounding can swallow a step, so retry.
	if !mutated && len(schema.Specs) > 0 {
		for attempt := 0; attempt < 16; attempt++ {
			spec := schema.Specs[rng.Intn(len(schema.Specs))]
			step := rng.NormFloat64() * mutationSigma * (spec.Max - spec.Min)
			next := spec.Clamp(child[spec.Name] + step)
			if next != child[spec.Name] {
				child[spec.Name] = next
				break
			}
		}
	}

	schema.Repair(child)
	return child
}

// Crossover combines two same-family parameter sets by uniform selection:
// each parameter comes from either parent with equal probability. The
// result is repaired so mixed parents can't produce an invalid ordering.
func Crossover(schema strategies.Schema, a, b strategies.Params, rng *rand.Rand) strategies.Params {
	child := make(strategies.Params, len(schema.Specs))
	for _, spec := range schema.Specs {
		if rng.Float64() < 0.5 {
			child[spec.Name] = spec.Clamp(a[spec.Name])
		} else {
			child[spec.Name] = spec.Clamp(b[spec.Name])
		}
	}
	schema.Repair(child)
	return child
}
