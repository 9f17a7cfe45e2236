package decide

import (
	"math"
	"sort"

	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
)

// direction says whether a higher or lower score ranks first.
type direction int

const (
	higherFirst direction = iota
	lowerFirst
)

// Evaluator scores decision inputs. All time reads go through the injected
// clock, so a seeded clock yields identical traces run after run.
type Evaluator struct {
	clock clock.Clock
}

// NewEvaluator returns an evaluator on the given clock. A nil clock falls
// back to the system clock.
func NewEvaluator(clk clock.Clock) *Evaluator {
	if clk == nil {
		clk = clock.System()
	}
	return &Evaluator{clock: clk}
}

// Evaluate validates the input, applies the named algorithm, and returns the
// ranking with its trace. Ties rank in input action order. The clock is read
// exactly twice, once before and once after scoring.
func (e *Evaluator) Evaluate(in Input) (*Output, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	start := e.clock.Now()
	scores, dir, err := score(in)
	if err != nil {
		return nil, err
	}
	elapsed := e.clock.NowMillis() - start.UnixMilli()
	if elapsed < 0 {
		elapsed = 0
	}

	ranking := rank(in.Actions, scores, dir)
	traced := make(map[string]float64, len(in.Actions))
	for i, a := range in.Actions {
		traced[a] = scores[i]
	}

	return &Output{
		RecommendedAction: ranking[0],
		Ranking:           ranking,
		Trace: Trace{
			Algorithm:        in.Algorithm,
			ComputedAt:       start.Format("2006-01-02T15:04:05.000Z07:00"),
			Scores:           traced,
			ProcessingTimeMs: elapsed,
		},
	}, nil
}

// rank orders actions by score in the given direction, breaking ties by
// input position.
func rank(actions []string, scores []float64, dir direction) []string {
	idx := make([]int, len(actions))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if dir == lowerFirst {
			return scores[idx[a]] < scores[idx[b]]
		}
		return scores[idx[a]] > scores[idx[b]]
	})
	out := make([]string, len(actions))
	for i, j := range idx {
		out[i] = actions[j]
	}
	return out
}

// score dispatches to the algorithm implementation. Scores are returned in
// action order.
func score(in Input) ([]float64, direction, error) {
	switch in.Algorithm {
	case AlgorithmMinimaxRegret:
		return minimaxRegret(in), lowerFirst, nil
	case AlgorithmMaximin, AlgorithmWald, AlgorithmMinimax:
		return maximin(in), higherFirst, nil
	case AlgorithmWeightedSum, AlgorithmStarr:
		w, err := stateWeights(in)
		if err != nil {
			return nil, higherFirst, err
		}
		return weightedSum(in, w), higherFirst, nil
	case AlgorithmLaplace:
		return laplace(in), higherFirst, nil
	case AlgorithmSoftmax:
		return softmax(in), higherFirst, nil
	case AlgorithmHurwicz:
		return hurwicz(in), higherFirst, nil
	case AlgorithmHodgesLehmann:
		return hodgesLehmann(in), higherFirst, nil
	case AlgorithmPareto:
		return pareto(in), higherFirst, nil
	case AlgorithmEpsilonContam:
		return epsilonContamination(in), higherFirst, nil
	case AlgorithmTopsis:
		return topsis(in), higherFirst, nil
	default:
		return nil, higherFirst, fault.Newf(fault.CodeValidationFailed, "unknown decision algorithm %q", in.Algorithm)
	}
}

// minimaxRegret scores each action by its worst-case regret against the best
// achievable outcome per state. Lower is better.
func minimaxRegret(in Input) []float64 {
	best := make([]float64, len(in.States))
	for si, s := range in.States {
		b := math.Inf(-1)
		for _, a := range in.Actions {
			if v := in.Outcomes[a][s]; v > b {
				b = v
			}
		}
		best[si] = b
	}
	out := make([]float64, len(in.Actions))
	for ai, a := range in.Actions {
		worst := math.Inf(-1)
		for si, s := range in.States {
			if r := best[si] - in.Outcomes[a][s]; r > worst {
				worst = r
			}
		}
		out[ai] = worst
	}
	return out
}

// maximin scores each action by its worst-case outcome.
func maximin(in Input) []float64 {
	out := make([]float64, len(in.Actions))
	for ai, a := range in.Actions {
		worst := math.Inf(1)
		for _, s := range in.States {
			if v := in.Outcomes[a][s]; v < worst {
				worst = v
			}
		}
		out[ai] = worst
	}
	return out
}

// weightedSum scores each action by the weighted sum of its outcomes, with
// weights given in state order.
func weightedSum(in Input, weights []float64) []float64 {
	out := make([]float64, len(in.Actions))
	for ai, a := range in.Actions {
		sum := 0.0
		for si, s := range in.States {
			sum += in.Outcomes[a][s] * weights[si]
		}
		out[ai] = sum
	}
	return out
}

// laplace is the uniform-weight average over states.
func laplace(in Input) []float64 {
	out := make([]float64, len(in.Actions))
	n := float64(len(in.States))
	for ai, a := range in.Actions {
		sum := 0.0
		for _, s := range in.States {
			sum += in.Outcomes[a][s]
		}
		out[ai] = sum / n
	}
	return out
}

// softmax turns the per-action averages into a probability distribution at
// the configured temperature.
func softmax(in Input) []float64 {
	tau := in.Temperature
	if tau == 0 {
		tau = DefaultTemperature
	}
	avg := laplace(in)
	out := make([]float64, len(avg))
	total := 0.0
	for i, v := range avg {
		out[i] = math.Exp(v / tau)
		total += out[i]
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

// hurwicz blends best and worst case by the optimism coefficient.
func hurwicz(in Input) []float64 {
	alpha := DefaultOptimism
	if in.Optimism != nil {
		alpha = *in.Optimism
	}
	out := make([]float64, len(in.Actions))
	for ai, a := range in.Actions {
		hi, lo := math.Inf(-1), math.Inf(1)
		for _, s := range in.States {
			v := in.Outcomes[a][s]
			if v > hi {
				hi = v
			}
			if v < lo {
				lo = v
			}
		}
		out[ai] = alpha*hi + (1-alpha)*lo
	}
	return out
}

// hodgesLehmann rewards average performance and penalizes worst-case regret.
func hodgesLehmann(in Input) []float64 {
	avg := laplace(in)
	regret := minimaxRegret(in)
	out := make([]float64, len(avg))
	for i := range out {
		out[i] = avg[i] - regret[i]
	}
	return out
}

// pareto counts the states in which an action is weakly dominant, i.e. no
// other action does strictly better there.
func pareto(in Input) []float64 {
	out := make([]float64, len(in.Actions))
	for _, s := range in.States {
		top := math.Inf(-1)
		for _, a := range in.Actions {
			if v := in.Outcomes[a][s]; v > top {
				top = v
			}
		}
		for ai, a := range in.Actions {
			if in.Outcomes[a][s] >= top {
				out[ai]++
			}
		}
	}
	return out
}

// epsilonContamination hedges the uniform average with the worst case.
func epsilonContamination(in Input) []float64 {
	eps := DefaultEpsilon
	if in.Epsilon != nil {
		eps = *in.Epsilon
	}
	avg := laplace(in)
	worst := maximin(in)
	out := make([]float64, len(avg))
	for i := range out {
		out[i] = (1-eps)*avg[i] + eps*worst[i]
	}
	return out
}

// topsis ranks by relative closeness to the per-state ideal after Euclidean
// normalization. Identical rows are equidistant and score 0.5.
func topsis(in Input) []float64 {
	na, ns := len(in.Actions), len(in.States)

	norm := make([][]float64, na)
	for ai := range norm {
		norm[ai] = make([]float64, ns)
	}
	for si, s := range in.States {
		sq := 0.0
		for _, a := range in.Actions {
			v := in.Outcomes[a][s]
			sq += v * v
		}
		div := math.Sqrt(sq)
		for ai, a := range in.Actions {
			if div == 0 {
				norm[ai][si] = 0
				continue
			}
			norm[ai][si] = in.Outcomes[a][s] / div
		}
	}

	ideal := make([]float64, ns)
	anti := make([]float64, ns)
	for si := 0; si < ns; si++ {
		hi, lo := math.Inf(-1), math.Inf(1)
		for ai := 0; ai < na; ai++ {
			v := norm[ai][si]
			if v > hi {
				hi = v
			}
			if v < lo {
				lo = v
			}
		}
		ideal[si], anti[si] = hi, lo
	}

	out := make([]float64, na)
	for ai := 0; ai < na; ai++ {
		dIdeal, dAnti := 0.0, 0.0
		for si := 0; si < ns; si++ {
			dIdeal += (norm[ai][si] - ideal[si]) * (norm[ai][si] - ideal[si])
			dAnti += (norm[ai][si] - anti[si]) * (norm[ai][si] - anti[si])
		}
		dIdeal, dAnti = math.Sqrt(dIdeal), math.Sqrt(dAnti)
		if dIdeal+dAnti == 0 {
			out[ai] = 0.5
			continue
		}
		out[ai] = dAnti / (dIdeal + dAnti)
	}
	return out
}
