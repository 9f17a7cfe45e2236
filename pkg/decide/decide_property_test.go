//go:build property

package decide

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/requiemhq/requiem/pkg/canonical"
	"github.com/requiemhq/requiem/pkg/clock"
)

func matrixInput(vals []float64, alg Algorithm) Input {
	return Input{
		Actions: []string{"a1", "a2", "a3"},
		States:  []string{"s1", "s2"},
		Outcomes: map[string]map[string]float64{
			"a1": {"s1": vals[0], "s2": vals[1]},
			"a2": {"s1": vals[2], "s2": vals[3]},
			"a3": {"s1": vals[4], "s2": vals[5]},
		},
		Algorithm: alg,
	}
}

func TestEvaluatePropertyPure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	algorithms := gen.OneConstOf(
		AlgorithmMinimaxRegret, AlgorithmMaximin, AlgorithmWeightedSum,
		AlgorithmLaplace, AlgorithmSoftmax, AlgorithmHurwicz,
		AlgorithmHodgesLehmann, AlgorithmPareto, AlgorithmEpsilonContam,
		AlgorithmTopsis,
	)
	matrices := gen.SliceOfN(6, gen.Float64Range(-1e6, 1e6))

	properties.Property("same input yields identical output bytes", prop.ForAll(
		func(vals []float64, alg Algorithm) bool {
			in := matrixInput(vals, alg)
			seed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

			first, err := NewEvaluator(clock.Seeded(seed, 0)).Evaluate(in)
			if err != nil {
				return false
			}
			second, err := NewEvaluator(clock.Seeded(seed, 0)).Evaluate(in)
			if err != nil {
				return false
			}
			a, err := canonical.String(first)
			if err != nil {
				return false
			}
			b, err := canonical.String(second)
			if err != nil {
				return false
			}
			return a == b
		},
		matrices, algorithms,
	))

	properties.Property("ranking permutes the action set", prop.ForAll(
		func(vals []float64, alg Algorithm) bool {
			in := matrixInput(vals, alg)
			out, err := NewEvaluator(clock.Seeded(time.Unix(0, 0).UTC(), 0)).Evaluate(in)
			if err != nil {
				return false
			}
			if len(out.Ranking) != len(in.Actions) {
				return false
			}
			seen := map[string]bool{}
			for _, a := range out.Ranking {
				seen[a] = true
			}
			for _, a := range in.Actions {
				if !seen[a] {
					return false
				}
			}
			return out.RecommendedAction == out.Ranking[0]
		},
		matrices, algorithms,
	))

	properties.TestingRun(t)
}
