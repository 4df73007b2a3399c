package integrator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/hybridcmd/core/internal/config"
	"github.com/hybridcmd/core/internal/domain"
)

func resultItem(id, source string, score float64, confidence float64) domain.ResultItem {
	return domain.ResultItem{
		ID:         id,
		SourceTag:  source,
		Data:       map[string]interface{}{"score": score},
		Confidence: confidence,
		Timestamp:  time.Now(),
	}
}

func TestWeightedFusion_MatchesConfidenceWeightedAverage(t *testing.T) {
	items := []domain.ResultItem{
		resultItem("r1", "A", 80, 0.9),
		resultItem("r2", "B", 70, 0.8),
		resultItem("r3", "C", 60, 0.7),
	}
	fused := WeightedFusion{}.Fuse(items)

	w1, w2, w3 := 0.9, 0.8, 0.7
	total := w1 + w2 + w3
	want := (w1*80 + w2*70 + w3*60) / total

	got, ok := fused["score"].(float64)
	if !ok {
		t.Fatalf("expected numeric score field, got %+v", fused)
	}
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected weighted score %f, got %f", want, got)
	}
}

func TestConsensusFusion_NonNumericTakesHighestConfidence(t *testing.T) {
	items := []domain.ResultItem{
		{ID: "r1", SourceTag: "A", Data: map[string]interface{}{"verdict": "pass"}, Confidence: 0.6},
		{ID: "r2", SourceTag: "B", Data: map[string]interface{}{"verdict": "fail"}, Confidence: 0.9},
	}
	fused := ConsensusFusion{}.Fuse(items)
	if fused["verdict"] != "fail" {
		t.Fatalf("expected highest-confidence value 'fail', got %v", fused["verdict"])
	}
}

func TestConsensusFusion_NumericUsesConfidenceWeightedMean(t *testing.T) {
	items := []domain.ResultItem{
		resultItem("r1", "A", 100, 1.0),
		resultItem("r2", "B", 50, 1.0),
	}
	fused := ConsensusFusion{}.Fuse(items)
	got, ok := fused["score"].(float64)
	if !ok {
		t.Fatalf("expected numeric score, got %+v", fused)
	}
	if math.Abs(got-75) > 1e-9 {
		t.Fatalf("expected mean 75 for equal confidence, got %f", got)
	}
}

func TestDetectConflicts_FlagsDivergentNumericValue(t *testing.T) {
	items := []domain.ResultItem{
		resultItem("r1", "A", 80, 0.9),
		resultItem("r2", "B", 40, 0.8),
	}
	conflicts := DetectConflicts(items)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d: %+v", len(conflicts), conflicts)
	}
	if conflicts[0].Type != ConflictValue {
		t.Fatalf("expected ConflictValue, got %s", conflicts[0].Type)
	}
}

func TestDetectConflicts_LogicalWhenTypesDiffer(t *testing.T) {
	items := []domain.ResultItem{
		{ID: "r1", SourceTag: "A", Data: map[string]interface{}{"status": "ok"}, Confidence: 0.9},
		{ID: "r2", SourceTag: "B", Data: map[string]interface{}{"status": 1.0}, Confidence: 0.8},
	}
	conflicts := DetectConflicts(items)
	if len(conflicts) != 1 || conflicts[0].Type != ConflictLogical {
		t.Fatalf("expected a logical conflict, got %+v", conflicts)
	}
}

func TestResolveConflicts_SourceWinsPicksSourceValue(t *testing.T) {
	items := []domain.ResultItem{
		resultItem("r1", "A", 80, 0.9),
		resultItem("r2", "B", 40, 0.8),
	}
	conflicts := DetectConflicts(items)
	resolutions := ResolveConflicts(conflicts, "source_wins", nil)
	if len(resolutions) != 1 {
		t.Fatalf("expected 1 resolution, got %d", len(resolutions))
	}
	if resolutions[0].Value != 80.0 {
		t.Fatalf("expected source value 80, got %v", resolutions[0].Value)
	}
}

func TestDetectStatistical_FlagsOutlier(t *testing.T) {
	items := []domain.ResultItem{
		resultItem("r1", "A", 10, 0.9),
		resultItem("r2", "B", 11, 0.9),
		resultItem("r3", "C", 12, 0.9),
		resultItem("r4", "D", 10, 0.9),
		resultItem("r6", "F", 11, 0.9),
		resultItem("r7", "G", 12, 0.9),
		resultItem("r8", "H", 10, 0.9),
		resultItem("r9", "I", 11, 0.9),
		resultItem("r5", "E", 1000, 0.5),
	}
	anomalies := DetectStatistical(items, 2.0)
	if len(anomalies) == 0 {
		t.Fatal("expected at least one statistical anomaly for a clear outlier")
	}
	found := false
	for _, a := range anomalies {
		if a.ItemID == "r5" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected r5 flagged as the outlier, got %+v", anomalies)
	}
}

func TestDetectStatistical_NoOutlierWithinThreshold(t *testing.T) {
	items := []domain.ResultItem{
		resultItem("r1", "A", 80, 0.9),
		resultItem("r2", "B", 70, 0.8),
		resultItem("r3", "C", 60, 0.7),
	}
	anomalies := DetectStatistical(items, 2.0)
	if len(anomalies) != 0 {
		t.Fatalf("expected no anomalies for a tight cluster, got %+v", anomalies)
	}
}

func TestSession_AddResultRejectedAfterFusingStarts(t *testing.T) {
	s := NewSession(200 * time.Millisecond)
	if err := s.AddResult(resultItem("r1", "A", 10, 0.9)); err != nil {
		t.Fatalf("AddResult: %v", err)
	}
	s.advance(domain.IntegrationFusing)
	if err := s.AddResult(resultItem("r2", "B", 20, 0.9)); err == nil {
		t.Fatal("expected AddResult to be rejected once fusing has started")
	}
}

func TestEngine_ExecuteProducesFusedReport(t *testing.T) {
	e := New(config.IntegratorConfig{ProcessTimeout: config.NewDuration(int64(200 * time.Millisecond))}, nil)
	s := e.OpenSession()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("AddResult: %v", err)
		}
	}
	must(e.AddResult(s.ID(), resultItem("r1", "A", 80, 0.9)))
	must(e.AddResult(s.ID(), resultItem("r2", "B", 70, 0.8)))
	must(e.AddResult(s.ID(), resultItem("r3", "C", 60, 0.7)))

	report, err := e.Execute(context.Background(), s.ID(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.ItemCount != 3 {
		t.Fatalf("expected 3 items, got %d", report.ItemCount)
	}
	if s.Status() != domain.IntegrationCompleted {
		t.Fatalf("expected session Completed, got %s", s.Status())
	}
	fused, ok := report.FusedByCategory["default"]
	if !ok {
		t.Fatalf("expected a default category, got %+v", report.FusedByCategory)
	}
	if _, ok := fused["score"]; !ok {
		t.Fatalf("expected fused score field, got %+v", fused)
	}
}

func TestEngine_ExecuteUnknownSessionErrors(t *testing.T) {
	e := New(config.IntegratorConfig{ProcessTimeout: config.NewDuration(int64(200 * time.Millisecond))}, nil)
	_, err := e.Execute(context.Background(), "nonexistent", ExecuteOptions{})
	if err == nil {
		t.Fatal("expected an error for an unknown session id")
	}
}

func TestEngine_ExecuteUnknownFusionStrategyFailsSession(t *testing.T) {
	e := New(config.IntegratorConfig{ProcessTimeout: config.NewDuration(int64(200 * time.Millisecond))}, nil)
	s := e.OpenSession()
	if err := e.AddResult(s.ID(), resultItem("r1", "A", 10, 0.9)); err != nil {
		t.Fatalf("AddResult: %v", err)
	}

	_, err := e.Execute(context.Background(), s.ID(), ExecuteOptions{FusionStrategy: "nonexistent"})
	if err == nil {
		t.Fatal("expected an error for an unknown fusion strategy")
	}
	if s.Status() != domain.IntegrationFailed {
		t.Fatalf("expected session Failed, got %s", s.Status())
	}
}
