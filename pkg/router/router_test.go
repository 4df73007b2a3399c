package router

import (
	"context"
	"testing"
	"time"

	"github.com/hybridcmd/core/internal/config"
	"github.com/hybridcmd/core/internal/domain"
)

func testWeights() map[string]float64 {
	return map[string]float64{
		"efficiency": 0.2, "accuracy": 0.2, "reliability": 0.15,
		"speed": 0.1, "resource_usage": 0.1, "cost": 0.05,
		"risk": 0.1, "compatibility": 0.1,
	}
}

func testStrategies() []Strategy {
	return []Strategy{
		{Name: "quick-fix", CommandTypes: []string{"fix"}, ComplexityMin: 0, ComplexityMax: 0.4, Priority: 5},
		{Name: "deep-refactor", CommandTypes: []string{"refactor"}, ComplexityMin: 0.2, ComplexityMax: 1.0, Priority: 8},
		{Name: "generic-executor", CommandTypes: nil, ComplexityMin: 0, ComplexityMax: 1.0, Priority: 1},
	}
}

func newTestRouter() *SmartRouter {
	cfg := config.RouterConfig{CacheSize: 64, Weights: testWeights()}
	learningCfg := config.LearningConfig{MinSamples: 4, RetrainThreshold: 0.05, MaxSamples: 100, MaxBackups: 2}
	return New(cfg, learningCfg, testStrategies(), nil, nil)
}

func TestSmartRouter_RouteSelectsApplicableStrategy(t *testing.T) {
	r := newTestRouter()
	decision, err := r.Route(context.Background(), "fix the login bug")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.SelectedStrategy == "" {
		t.Fatal("expected a selected strategy")
	}
	if decision.Confidence < 0 || decision.Confidence > 1 {
		t.Fatalf("confidence out of range: %f", decision.Confidence)
	}
	if decision.DecisionID == "" {
		t.Fatal("expected a decision id")
	}
}

func TestSmartRouter_NoApplicableStrategyErrors(t *testing.T) {
	cfg := config.RouterConfig{CacheSize: 8, Weights: testWeights()}
	learningCfg := config.LearningConfig{MinSamples: 4, RetrainThreshold: 0.05, MaxSamples: 100, MaxBackups: 2}
	strategies := []Strategy{
		{Name: "narrow", CommandTypes: []string{"deploy"}, ComplexityMin: 0.9, ComplexityMax: 1.0},
	}
	r := New(cfg, learningCfg, strategies, nil, nil)

	_, err := r.Route(context.Background(), "hello world")
	if err == nil {
		t.Fatal("expected an error when no strategy applies")
	}
}

func TestSmartRouter_AlternativesExcludeSelected(t *testing.T) {
	r := newTestRouter()
	decision, err := r.Route(context.Background(), "refactor the service layer across docker and go modules")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	for _, alt := range decision.Alternatives {
		if alt.Strategy == decision.SelectedStrategy {
			t.Fatalf("alternative %s duplicates selected strategy", alt.Strategy)
		}
	}
	if len(decision.Alternatives) > alternativesKept {
		t.Fatalf("expected at most %d alternatives, got %d", alternativesKept, len(decision.Alternatives))
	}
}

func TestSmartRouter_ExplainKnownDecision(t *testing.T) {
	r := newTestRouter()
	decision, err := r.Route(context.Background(), "fix bug")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	explanation, err := r.Explain(decision.DecisionID)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if explanation == "" {
		t.Fatal("expected a non-empty explanation")
	}
}

func TestSmartRouter_ExplainUnknownDecisionErrors(t *testing.T) {
	r := newTestRouter()
	if _, err := r.Explain("nonexistent"); err == nil {
		t.Fatal("expected an error for an unknown decision id")
	}
}

func TestSmartRouter_FeedbackManualCorrectionRecordsSample(t *testing.T) {
	r := newTestRouter()
	decision, err := r.Route(context.Background(), "fix bug in build")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	err = r.Feedback(decision.DecisionID, domain.RoutingFeedback{
		Type:      domain.FeedbackManualCorrection,
		Corrected: "deep-refactor",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Feedback: %v", err)
	}

	if len(r.learning.samples) != 1 {
		t.Fatalf("expected 1 recorded sample, got %d", len(r.learning.samples))
	}
	if r.learning.samples[0].ChosenStrategy != "deep-refactor" {
		t.Fatalf("expected corrected strategy recorded, got %s", r.learning.samples[0].ChosenStrategy)
	}
}

func TestSmartRouter_RecordOutcomeFeedsLearning(t *testing.T) {
	r := newTestRouter()
	for i := 0; i < 5; i++ {
		decision, err := r.Route(context.Background(), "fix the bug")
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		r.RecordOutcome(decision.DecisionID, true, 2*time.Second, nil)
	}
	if len(r.learning.samples) != 5 {
		t.Fatalf("expected 5 samples recorded, got %d", len(r.learning.samples))
	}
}

func TestSmartRouter_PersonalizationStaysWithinBounds(t *testing.T) {
	r := newTestRouter()
	for i := 0; i < 20; i++ {
		decision, err := r.Route(context.Background(), "fix the bug")
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		r.RecordOutcome(decision.DecisionID, true, time.Second, nil)
		if decision.Confidence < 0 || decision.Confidence > 1 {
			t.Fatalf("iteration %d: confidence out of [0,1]: %f", i, decision.Confidence)
		}
	}
}

func TestLearningModule_TrainRequiresMinimumSamples(t *testing.T) {
	m := NewLearningModule(config.LearningConfig{MinSamples: 10, MaxSamples: 100, MaxBackups: 2})
	for i := 0; i < 3; i++ {
		m.RecordSample(LearningSample{
			Features:       map[string]float64{"complexity": 0.2},
			ChosenStrategy: "quick-fix",
			Timestamp:      time.Now(),
		})
	}
	if m.ReadyToTrain() {
		t.Fatal("expected not ready to train below MinSamples")
	}
	if m.Train() {
		t.Fatal("expected Train to refuse below MinSamples")
	}
}

func TestLearningModule_TrainSwapsModelOnImprovement(t *testing.T) {
	m := NewLearningModule(config.LearningConfig{MinSamples: 10, MaxSamples: 1000, MaxBackups: 2})
	now := time.Now()
	for i := 0; i < 40; i++ {
		complexity := 0.1
		strategy := "quick-fix"
		if i%2 == 0 {
			complexity = 0.9
			strategy = "deep-refactor"
		}
		m.RecordSample(LearningSample{
			Features:       map[string]float64{"complexity": complexity},
			ChosenStrategy: strategy,
			Outcome:        true,
			Timestamp:      now,
		})
	}
	if !m.Train() {
		t.Fatal("expected first training to install a model")
	}
	if m.Accuracy() <= 0 {
		t.Fatalf("expected positive accuracy after training on a separable dataset, got %f", m.Accuracy())
	}
}

func TestLearningModule_PredictUsesTrainedModel(t *testing.T) {
	m := NewLearningModule(config.LearningConfig{MinSamples: 10, MaxSamples: 1000, MaxBackups: 2})
	now := time.Now()
	for i := 0; i < 40; i++ {
		complexity := 0.1
		strategy := "quick-fix"
		if i%2 == 0 {
			complexity = 0.9
			strategy = "deep-refactor"
		}
		m.RecordSample(LearningSample{
			Features:       map[string]float64{"complexity": complexity},
			ChosenStrategy: strategy,
			Outcome:        true,
			Timestamp:      now,
		})
	}
	m.Train()
	label, ok := m.Predict(map[string]float64{"complexity": 0.85})
	if !ok {
		t.Fatal("expected a prediction once a model is trained")
	}
	if label == "" {
		t.Fatal("expected a non-empty predicted label")
	}
}

func TestLearningModule_UserRatingRescalesWeight(t *testing.T) {
	m := NewLearningModule(config.LearningConfig{MinSamples: 10, MaxSamples: 100, MaxBackups: 2})
	m.RecordSample(LearningSample{
		DecisionID:     "d1",
		Features:       map[string]float64{"complexity": 0.5},
		ChosenStrategy: "quick-fix",
		Timestamp:      time.Now(),
	})

	m.ApplyFeedback(RoutingFeedbackInput{
		Type:       domain.FeedbackUserRating,
		DecisionID: "d1",
		Rating:     5,
	})

	if got, want := m.samples[0].Weight, 1.0; got != want {
		t.Fatalf("expected weight rescaled to %f for a 5-star rating, got %f", want, got)
	}
}

func TestCache_HitsOnIdenticalAnalysis(t *testing.T) {
	c := NewCache(8)
	analysis := domain.CommandAnalysis{
		CommandType: "fix",
		Intent:      "fix",
		Complexity:  0.42,
		Requirements: domain.Requirements{
			Files:        []string{"b.go", "a.go"},
			Technologies: []string{"go"},
		},
	}
	eval := domain.StrategyEvaluation{Strategy: "quick-fix", WeightedScore: 0.7}
	c.Put("quick-fix", analysis, eval)

	reordered := analysis
	reordered.Requirements.Files = []string{"a.go", "b.go"}

	got, ok := c.Get("quick-fix", reordered)
	if !ok {
		t.Fatal("expected a cache hit for a requirements list in different order")
	}
	if got.WeightedScore != eval.WeightedScore {
		t.Fatalf("expected cached evaluation, got %+v", got)
	}
}

func TestContextAnalyzer_ExtractsTechnologyAndAction(t *testing.T) {
	a := NewContextAnalyzer()
	analysis := a.Analyze("fix the docker build for go service main.go")
	if analysis.CommandType != "fix" {
		t.Fatalf("expected commandType fix, got %s", analysis.CommandType)
	}
	if !contains(analysis.Requirements.Technologies, "docker") {
		t.Fatalf("expected docker detected in technologies: %+v", analysis.Requirements.Technologies)
	}
	if !contains(analysis.Requirements.Technologies, "go") {
		t.Fatalf("expected go detected in technologies: %+v", analysis.Requirements.Technologies)
	}
	if len(analysis.Requirements.Files) == 0 {
		t.Fatal("expected main.go detected as a file")
	}
}

func TestDecisionEngine_RankOrdersByWeightedScoreThenPriority(t *testing.T) {
	evals := []domain.StrategyEvaluation{
		{Strategy: "a", WeightedScore: 0.5},
		{Strategy: "b", WeightedScore: 0.8},
		{Strategy: "c", WeightedScore: 0.8},
	}
	priority := map[string]int{"a": 1, "b": 1, "c": 9}
	ranked := Rank(evals, priority)
	if ranked[0].Strategy != "c" {
		t.Fatalf("expected c first (tie broken by priority), got %s", ranked[0].Strategy)
	}
	if ranked[2].Strategy != "a" {
		t.Fatalf("expected a last, got %s", ranked[2].Strategy)
	}
}
