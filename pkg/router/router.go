package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hybridcmd/core/internal/config"
	"github.com/hybridcmd/core/internal/domain"
)

// decisionBudget is the soft per-decision latency target from spec
// §4.3's performance note. Exceeding it never aborts a decision; it
// only logs a warning.
const decisionBudget = 50 * time.Millisecond

const alternativesKept = 3

// maxDecisionHistory bounds how many completed decisions Explain and
// RecordOutcome/Feedback can still reach, so a long-lived router
// doesn't grow r.decisions without limit. Oldest decisions are evicted
// first, mirroring CircuitBreaker.history's capped-slice approach.
const maxDecisionHistory = 1000

// SmartRouter runs the full routing pipeline: analyze, generate
// candidates, evaluate every candidate's dimensions in parallel, rank,
// and attach a confidence-scored decision plus alternatives.
type SmartRouter struct {
	analyzer   *ContextAnalyzer
	engine     *DecisionEngine
	learning   *LearningModule
	logger     *slog.Logger
	strategies []Strategy
	priority   map[string]int
	metrics    *metrics

	mu            sync.Mutex
	decisions     map[string]domain.RoutingDecision
	decisionOrder []string // FIFO of decision IDs, bounded to maxDecisionHistory
	profile       userProfile
}

// userProfile accumulates per-user routing history so confidence can
// be nudged toward strategies and complexity bands this user tends to
// pick, without ever overriding the evaluator's own ranking.
type userProfile struct {
	strategyCounts   map[string]int
	totalDecisions   int
	complexityPref   float64 // EWMA of routed commands' complexity
	consistencyScore float64 // EWMA of outcome success
}

const personalizationEWMA = 0.2
const personalizationMaxBias = 0.1

// New builds a SmartRouter over a fixed strategy catalog. reg may be
// nil to skip Prometheus registration (tests commonly do).
func New(cfg config.RouterConfig, learningCfg config.LearningConfig, strategies []Strategy, reg prometheus.Registerer, logger *slog.Logger) *SmartRouter {
	if logger == nil {
		logger = slog.Default()
	}
	cache := NewCache(cfg.CacheSize)
	priority := make(map[string]int, len(strategies))
	for _, s := range strategies {
		priority[s.Name] = s.Priority
	}
	m := newMetrics(reg)
	return &SmartRouter{
		analyzer:   NewContextAnalyzer(),
		engine:     NewDecisionEngine(cfg.Weights, cache, m),
		learning:   NewLearningModule(learningCfg),
		logger:     logger,
		strategies: strategies,
		priority:   priority,
		metrics:       m,
		decisions:     make(map[string]domain.RoutingDecision),
		decisionOrder: make([]string, 0, maxDecisionHistory),
		profile:       userProfile{strategyCounts: make(map[string]int), consistencyScore: 0.5},
	}
}

// Route runs the pipeline for one raw command string, returning the
// chosen strategy, its confidence, and the top alternatives.
func (r *SmartRouter) Route(ctx context.Context, command string) (domain.RoutingDecision, error) {
	start := time.Now()
	analysis := r.analyzer.Analyze(command)

	candidates := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		if s.Applicable(analysis) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		r.metrics.routingErrors.Inc()
		return domain.RoutingDecision{}, fmt.Errorf("routing %q: no applicable strategy", command)
	}

	evals := make([]domain.StrategyEvaluation, 0, len(candidates))
	var allWarnings []string
	for _, c := range candidates {
		eval, warnings, err := r.engine.Evaluate(ctx, analysis, c)
		if err != nil {
			r.metrics.routingErrors.Inc()
			return domain.RoutingDecision{}, fmt.Errorf("evaluating strategy %s: %w", c.Name, err)
		}
		evals = append(evals, eval)
		allWarnings = append(allWarnings, warnings...)
	}

	ranked := Rank(evals, r.priority)
	top := ranked[0]

	confidence := r.personalize(top, analysis)

	alternatives := ranked
	if len(alternatives) > alternativesKept+1 {
		alternatives = alternatives[1 : alternativesKept+1]
	} else if len(alternatives) > 1 {
		alternatives = alternatives[1:]
	} else {
		alternatives = nil
	}

	decision := domain.RoutingDecision{
		DecisionID:           uuid.NewString(),
		Command:              command,
		Analysis:             analysis,
		SelectedStrategy:     top.Strategy,
		Confidence:           confidence,
		Alternatives:         alternatives,
		ExecutionPlan:        []string{fmt.Sprintf("execute via %s", top.Strategy)},
		PredictedDuration:    time.Duration(float64(time.Second) * (1 + analysis.Complexity*4)),
		PredictedSuccessRate: top.Scores[domain.DimReliability],
		Timestamp:            time.Now(),
	}

	elapsed := time.Since(start)
	if elapsed > decisionBudget {
		r.logger.Warn("routing decision exceeded budget",
			"elapsed", elapsed, "budget", decisionBudget, "command", command,
		)
	}
	if len(allWarnings) > 0 {
		r.logger.Debug("evaluator fallbacks used", "dimensions", allWarnings)
	}

	r.mu.Lock()
	r.decisions[decision.DecisionID] = decision
	r.decisionOrder = append(r.decisionOrder, decision.DecisionID)
	if len(r.decisionOrder) > maxDecisionHistory {
		evict := r.decisionOrder[0]
		r.decisionOrder = r.decisionOrder[1:]
		delete(r.decisions, evict)
	}
	r.metrics.historySize.Set(float64(len(r.decisionOrder)))
	r.profile.strategyCounts[top.Strategy]++
	r.profile.totalDecisions++
	if r.profile.totalDecisions == 1 {
		r.profile.complexityPref = analysis.Complexity
	} else {
		r.profile.complexityPref += personalizationEWMA * (analysis.Complexity - r.profile.complexityPref)
	}
	r.mu.Unlock()

	r.metrics.routed.Inc()
	return decision, nil
}

// personalize nudges a base confidence by up to +/-10% based on this
// user's historical preference for the strategy and typical command
// complexity, scaled by how consistent their past outcomes have been.
// It never flips the evaluator's own ranking, only shades its score.
func (r *SmartRouter) personalize(eval domain.StrategyEvaluation, analysis domain.CommandAnalysis) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.profile.totalDecisions == 0 {
		return clamp01(eval.Confidence)
	}

	prefShare := float64(r.profile.strategyCounts[eval.Strategy]) / float64(r.profile.totalDecisions)
	complexityMatch := 1 - abs(analysis.Complexity-r.profile.complexityPref)

	bias := personalizationMaxBias * (2*prefShare - 1) * r.profile.consistencyScore
	bias += personalizationMaxBias * (2*complexityMatch - 1) * r.profile.consistencyScore * 0.5
	if bias > personalizationMaxBias {
		bias = personalizationMaxBias
	} else if bias < -personalizationMaxBias {
		bias = -personalizationMaxBias
	}

	return clamp01(eval.Confidence + bias)
}

// Explain renders a short textual justification for a past decision.
func (r *SmartRouter) Explain(decisionID string) (string, error) {
	r.mu.Lock()
	decision, ok := r.decisions[decisionID]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no such routing decision: %s", decisionID)
	}
	return fmt.Sprintf(
		"selected %q for command %q (confidence %.2f, complexity %.2f); %d alternative(s) considered",
		decision.SelectedStrategy, decision.Command, decision.Confidence, decision.Analysis.Complexity, len(decision.Alternatives),
	), nil
}

// RecordOutcome feeds execution telemetry into the learning module as
// a new sample so future decisions can be retrained against it.
func (r *SmartRouter) RecordOutcome(decisionID string, outcome bool, duration time.Duration, rating *int) {
	r.mu.Lock()
	decision, ok := r.decisions[decisionID]
	if ok {
		success := 0.0
		if outcome {
			success = 1.0
		}
		r.profile.consistencyScore += personalizationEWMA * (success - r.profile.consistencyScore)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.learning.RecordSample(LearningSample{
		DecisionID:     decisionID,
		Features:       featureVector(decision.Analysis),
		ChosenStrategy: decision.SelectedStrategy,
		Outcome:        outcome,
		Duration:       duration,
		UserRating:     rating,
		Timestamp:      time.Now(),
	})
	if r.learning.ReadyToTrain() {
		r.learning.Train()
	}
}

// Feedback applies one of the three feedback channels to the learning
// loop, keyed to a prior routing decision.
func (r *SmartRouter) Feedback(decisionID string, fb domain.RoutingFeedback) error {
	r.mu.Lock()
	decision, ok := r.decisions[decisionID]
	if ok && decision.Feedback != nil {
		r.mu.Unlock()
		return fmt.Errorf("routing decision %s already has feedback", decisionID)
	}
	if ok {
		decision.Feedback = &fb
		r.decisions[decisionID] = decision
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such routing decision: %s", decisionID)
	}

	r.learning.ApplyFeedback(RoutingFeedbackInput{
		Type:       fb.Type,
		DecisionID: decisionID,
		Features:   featureVector(decision.Analysis),
		Corrected:  fb.Corrected,
		Rating:     fb.Rating,
		Metric:     fb.Metric,
	})
	return nil
}

func featureVector(a domain.CommandAnalysis) map[string]float64 {
	return map[string]float64{
		"complexity":   a.Complexity,
		"token_count":  float64(len(a.Tokens)),
		"file_count":   float64(len(a.Requirements.Files)),
		"tech_count":   float64(len(a.Requirements.Technologies)),
		"action_count": float64(len(a.Requirements.Actions)),
	}
}

// sortedStrategyNames returns the names in the router's strategy
// catalog in sorted order, for a deterministic ordering.
func (r *SmartRouter) sortedStrategyNames() []string {
	names := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}
