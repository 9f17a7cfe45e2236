// Package decide is the pure decision evaluator: replay-stable scoring of
// action/state outcome matrices under several named algorithms. Evaluation
// touches no I/O and iterates only over the input's ordered slices, so the
// same input always produces the same output bytes.
package decide

import (
	"math"

	"github.com/requiemhq/requiem/pkg/fault"
)

// Algorithm names a scoring rule. Aliases map to the same rule.
type Algorithm string

const (
	AlgorithmMinimaxRegret Algorithm = "minimax_regret"
	AlgorithmMaximin       Algorithm = "maximin"
	AlgorithmWald          Algorithm = "wald"    // alias of maximin
	AlgorithmMinimax       Algorithm = "minimax" // alias of maximin
	AlgorithmWeightedSum   Algorithm = "weighted_sum"
	AlgorithmLaplace       Algorithm = "laplace" // weighted_sum under uniform weights
	AlgorithmStarr         Algorithm = "starr"   // alias of weighted_sum
	AlgorithmSoftmax       Algorithm = "softmax"
	AlgorithmHurwicz       Algorithm = "hurwicz"
	AlgorithmHodgesLehmann Algorithm = "hodges_lehmann"
	AlgorithmPareto        Algorithm = "pareto"
	AlgorithmEpsilonContam Algorithm = "epsilon_contamination"
	AlgorithmTopsis        Algorithm = "topsis"
)

// Defaults for the parameterized algorithms.
const (
	DefaultTemperature = 1.0
	DefaultOptimism    = 0.5
	DefaultEpsilon     = 0.1
	weightTolerance    = 1e-9
)

// Input is the evaluator's domain. Actions and States fix the iteration
// order; Outcomes must be total over Actions x States and finite.
type Input struct {
	Actions   []string                      `json:"actions"`
	States    []string                      `json:"states"`
	Outcomes  map[string]map[string]float64 `json:"outcomes"`
	Algorithm Algorithm                     `json:"algorithm"`
	// Weights are per-state and used by weighted_sum. In strict mode they
	// must sum to exactly 1.0 (tolerance 1e-9) with every value in [0,1];
	// otherwise they are renormalized.
	Weights     map[string]float64 `json:"weights,omitempty"`
	Strict      bool               `json:"strict,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Optimism    *float64           `json:"optimism,omitempty"`
	Epsilon     *float64           `json:"epsilon,omitempty"`
}

// Trace records how an output was computed.
type Trace struct {
	Algorithm        Algorithm          `json:"algorithm"`
	ComputedAt       string             `json:"computed_at"`
	Scores           map[string]float64 `json:"scores"`
	ProcessingTimeMs int64              `json:"processing_time_ms"`
}

// Output is the full evaluation result. RecommendedAction is always the
// first element of Ranking.
type Output struct {
	RecommendedAction string   `json:"recommended_action"`
	Ranking           []string `json:"ranking"`
	Trace             Trace    `json:"trace"`
}

// validate rejects malformed inputs before any scoring runs.
func validate(in Input) error {
	if len(in.Actions) == 0 {
		return fault.New(fault.CodeValidationFailed, "decision input requires at least one action")
	}
	if len(in.States) == 0 {
		return fault.New(fault.CodeValidationFailed, "decision input requires at least one state")
	}

	seen := make(map[string]bool, len(in.Actions))
	for _, a := range in.Actions {
		if seen[a] {
			return fault.Newf(fault.CodeValidationFailed, "duplicate action %q", a)
		}
		seen[a] = true
	}

	for _, a := range in.Actions {
		row, ok := in.Outcomes[a]
		if !ok {
			return fault.Newf(fault.CodeValidationFailed, "missing outcomes for action %q", a)
		}
		for _, s := range in.States {
			v, ok := row[s]
			if !ok {
				return fault.Newf(fault.CodeValidationFailed, "missing outcome for %q in state %q", a, s)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fault.Newf(fault.CodeValidationFailed, "non-finite outcome for %q in state %q", a, s)
			}
		}
	}

	if in.Temperature < 0 {
		return fault.New(fault.CodeValidationFailed, "temperature must not be negative")
	}
	if in.Optimism != nil && (*in.Optimism < 0 || *in.Optimism > 1) {
		return fault.New(fault.CodeValidationFailed, "optimism must be in [0,1]")
	}
	if in.Epsilon != nil && (*in.Epsilon < 0 || *in.Epsilon > 1) {
		return fault.New(fault.CodeValidationFailed, "epsilon must be in [0,1]")
	}
	return nil
}

// stateWeights resolves the per-state weight vector in state order. Strict
// mode enforces the contract exactly; otherwise weights are renormalized and
// a useless total falls back to uniform.
func stateWeights(in Input) ([]float64, error) {
	n := len(in.States)
	uniform := make([]float64, n)
	for i := range uniform {
		uniform[i] = 1.0 / float64(n)
	}
	if len(in.Weights) == 0 {
		if in.Strict && in.Weights != nil {
			return nil, fault.New(fault.CodeValidationFailed, "strict mode requires a weight per state")
		}
		return uniform, nil
	}

	out := make([]float64, n)
	sum := 0.0
	for i, s := range in.States {
		w, ok := in.Weights[s]
		if in.Strict {
			if !ok {
				return nil, fault.Newf(fault.CodeValidationFailed, "strict mode: missing weight for state %q", s)
			}
			if w < 0 || w > 1 {
				return nil, fault.Newf(fault.CodeValidationFailed, "strict mode: weight for state %q out of [0,1]", s)
			}
		}
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fault.Newf(fault.CodeValidationFailed, "non-finite weight for state %q", s)
		}
		out[i] = w
		sum += w
	}

	if in.Strict {
		if math.Abs(sum-1.0) > weightTolerance {
			return nil, fault.Newf(fault.CodeValidationFailed, "strict mode: weights sum to %g, want 1.0", sum)
		}
		return out, nil
	}

	if sum <= 0 {
		return uniform, nil
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}
