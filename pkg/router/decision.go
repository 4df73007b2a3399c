package router

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hybridcmd/core/internal/domain"
)

// defaultScore is substituted for any dimension whose evaluator fails,
// per spec §4.3 step 3.
const defaultScore = 0.5

// DecisionEngine scores strategy candidates across the eight
// dimensions in domain.AllDimensions, in parallel, and ranks them.
type DecisionEngine struct {
	weights    map[domain.Dimension]float64
	evaluators map[domain.Dimension]Dimensioner
	cache      *Cache
	metrics    *metrics
}

// NewDecisionEngine builds a DecisionEngine with the default
// heuristic evaluator set. weights must sum to 1; callers load them
// from RouterConfig.Weights. m may be nil to skip metrics.
func NewDecisionEngine(weights map[string]float64, cache *Cache, m *metrics) *DecisionEngine {
	w := make(map[domain.Dimension]float64, len(weights))
	for k, v := range weights {
		w[domain.Dimension(k)] = v
	}
	evaluators := make(map[domain.Dimension]Dimensioner, len(domain.AllDimensions))
	for _, d := range defaultEvaluators() {
		evaluators[d.Dimension()] = d
	}
	if m == nil {
		m = newMetrics(nil)
	}
	return &DecisionEngine{weights: w, evaluators: evaluators, cache: cache, metrics: m}
}

// Evaluate scores one strategy candidate, running every dimension's
// evaluator concurrently. A failing evaluator defaults to 0.5 and its
// dimension name is returned as a warning rather than aborting the
// whole evaluation.
func (e *DecisionEngine) Evaluate(ctx context.Context, analysis domain.CommandAnalysis, strategy Strategy) (domain.StrategyEvaluation, []string, error) {
	start := time.Now()

	if e.cache != nil {
		if cached, ok := e.cache.Get(strategy.Name, analysis); ok {
			e.metrics.cacheHits.Inc()
			return cached, nil, nil
		}
		e.metrics.cacheMisses.Inc()
	}

	scores := make(map[domain.Dimension]float64, len(domain.AllDimensions))

	g, _ := errgroup.WithContext(ctx)
	results := make([]float64, len(domain.AllDimensions))
	warnings := make([]string, len(domain.AllDimensions))

	for i, dim := range domain.AllDimensions {
		i, dim := i, dim
		g.Go(func() error {
			evaluator, ok := e.evaluators[dim]
			if !ok {
				results[i] = defaultScore
				warnings[i] = string(dim)
				return nil
			}
			score, err := evaluator.Score(analysis, strategy)
			if err != nil {
				results[i] = defaultScore
				warnings[i] = string(dim)
				return nil
			}
			results[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.StrategyEvaluation{}, nil, err
	}

	covered := 0
	for i, dim := range domain.AllDimensions {
		scores[dim] = results[i]
		if warnings[i] == "" {
			covered++
		}
	}

	weighted := 0.0
	for dim, score := range scores {
		weighted += score * e.weights[dim]
	}

	coverage := float64(covered) / float64(len(domain.AllDimensions))
	confidence := confidenceScore(weighted, coverage, analysis, strategy)

	eval := domain.StrategyEvaluation{
		Strategy:       strategy.Name,
		Scores:         scores,
		WeightedScore:  weighted,
		Confidence:     confidence,
		Performance:    scores[domain.DimSpeed],
		Risk:           scores[domain.DimRisk],
		Compatibility:  scores[domain.DimCompatibility],
		EvaluationTime: time.Since(start),
	}

	activeWarnings := make([]string, 0)
	for _, w := range warnings {
		if w != "" {
			activeWarnings = append(activeWarnings, w)
		}
	}

	if e.cache != nil {
		e.cache.Put(strategy.Name, analysis, eval)
	}

	return eval, activeWarnings, nil
}

// confidenceScore implements spec §4.3 step 5:
// conf = 0.5 + (score-0.5)*0.5, scaled by evaluator coverage, plus a
// strategy-match bonus capped to [0,1].
func confidenceScore(weighted, coverage float64, analysis domain.CommandAnalysis, strategy Strategy) float64 {
	base := 0.5 + (weighted-0.5)*0.5
	base *= coverage

	bonus := 0.0
	if contains(strategy.CommandTypes, analysis.CommandType) {
		bonus += 0.3
	}
	if analysis.Complexity >= strategy.ComplexityMin && analysis.Complexity <= strategy.ComplexityMax {
		band := strategy.ComplexityMax - strategy.ComplexityMin
		if band > 0 {
			bonus += 0.2 * (1 - band)
		} else {
			bonus += 0.2
		}
	}
	if len(strategy.RequiredActions) > 0 && contains(analysis.Requirements.Actions, strategy.RequiredActions[0]) {
		bonus += 0.2
	}

	return clamp01(base + bonus)
}

// Rank sorts evaluations by weighted score descending, tie-broken by
// the candidate's raw priority.
func Rank(evals []domain.StrategyEvaluation, priority map[string]int) []domain.StrategyEvaluation {
	ranked := make([]domain.StrategyEvaluation, len(evals))
	copy(ranked, evals)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].WeightedScore != ranked[j].WeightedScore {
			return ranked[i].WeightedScore > ranked[j].WeightedScore
		}
		return priority[ranked[i].Strategy] > priority[ranked[j].Strategy]
	})
	return ranked
}
