package integrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hybridcmd/core/internal/config"
	"github.com/hybridcmd/core/internal/domain"
	"github.com/hybridcmd/core/pkg/statesync"
)

// Report is the consolidated output of one Execute run.
type Report struct {
	SessionID         string
	FusedByCategory   map[string]map[string]interface{}
	Conflicts         []domain.Conflict
	Resolutions       []statesync.Resolution
	Anomalies         []Anomaly
	DeadlineBreached  bool
	ItemCount         int
}

// Engine runs Integration Sessions, grounded on internal/core's
// StrategyManager registry pattern: FusionStrategy implementations are
// registered by name and selected directly (the caller always names
// its fusion mode rather than asking the engine to infer one, unlike
// StrategyManager.SelectOptimal's scored selection).
type Engine struct {
	cfg    config.IntegratorConfig
	logger *slog.Logger

	fusionStrategies map[string]FusionStrategy

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds an Engine with the default Weighted/Consensus/Semantic
// fusion strategies registered.
func New(cfg config.IntegratorConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:              cfg,
		logger:           logger,
		fusionStrategies: make(map[string]FusionStrategy),
		sessions:         make(map[string]*Session),
	}
	e.Register(WeightedFusion{})
	e.Register(ConsensusFusion{})
	e.Register(SemanticFusion{})
	return e
}

// Register adds or replaces a named fusion strategy.
func (e *Engine) Register(strategy FusionStrategy) {
	e.fusionStrategies[strategy.Name()] = strategy
}

// OpenSession starts a new Integration Session using the configured
// process timeout as its deadline.
func (e *Engine) OpenSession() *Session {
	s := NewSession(e.processTimeout())
	e.mu.Lock()
	e.sessions[s.ID()] = s
	e.mu.Unlock()
	return s
}

func (e *Engine) processTimeout() time.Duration {
	d := e.cfg.ProcessTimeout.Duration
	if d <= 0 {
		return 200 * time.Millisecond
	}
	return d
}

// Session looks up a previously opened session.
func (e *Engine) Session(sessionID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("no such integration session: %s", sessionID)
	}
	return s, nil
}

// AddResult appends a result to an open session.
func (e *Engine) AddResult(sessionID string, item domain.ResultItem) error {
	s, err := e.Session(sessionID)
	if err != nil {
		return err
	}
	return s.AddResult(item)
}

// ExecuteOptions configures one Execute run.
type ExecuteOptions struct {
	FusionStrategy   string // defaults to "weighted"
	ResolutionStrategy statesync.Strategy // defaults to AutoMerge
	Weights          map[string]float64
	ZThreshold       float64 // statistical anomaly threshold, default 2.0
	SimilarityThreshold float64 // contextual/semantic threshold, default 0.8
	CollectiveThreshold float64 // default 0.25
}

// Execute runs the full pipeline once: Fusing -> Analyzing ->
// Generating -> Completed. A deadline breach is recorded in the
// report but never aborts the run.
func (e *Engine) Execute(ctx context.Context, sessionID string, opts ExecuteOptions) (Report, error) {
	s, err := e.Session(sessionID)
	if err != nil {
		return Report{}, err
	}

	strategy := opts.FusionStrategy
	if strategy == "" {
		strategy = "weighted"
	}
	fusion, ok := e.fusionStrategies[strategy]
	if !ok {
		s.fail(fmt.Errorf("unknown fusion strategy %q", strategy))
		return Report{}, fmt.Errorf("unknown fusion strategy %q", strategy)
	}

	resolutionStrategy := opts.ResolutionStrategy
	if resolutionStrategy == "" {
		resolutionStrategy = statesync.AutoMerge
	}
	zThreshold := opts.ZThreshold
	if zThreshold == 0 {
		zThreshold = 2.0
	}
	similarityThreshold := opts.SimilarityThreshold
	if similarityThreshold == 0 {
		similarityThreshold = 0.8
	}
	collectiveThreshold := opts.CollectiveThreshold
	if collectiveThreshold == 0 {
		collectiveThreshold = 0.25
	}

	items := s.Results()

	s.advance(domain.IntegrationFusing)
	categories := categorize(items)
	fused := make(map[string]map[string]interface{}, len(categories))
	for category, group := range categories {
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			return Report{}, ctx.Err()
		default:
		}
		fused[category] = fusion.Fuse(group)
	}

	s.advance(domain.IntegrationAnalyzing)
	var conflicts []domain.Conflict
	var anomalies []Anomaly
	for _, group := range categories {
		conflicts = append(conflicts, DetectConflicts(group)...)
		anomalies = append(anomalies, DetectStatistical(group, zThreshold)...)
		anomalies = append(anomalies, DetectContextual(group, similarityThreshold)...)
	}
	anomalies = append(anomalies, DetectCollective(items, collectiveThreshold)...)
	resolutions := ResolveConflicts(conflicts, resolutionStrategy, opts.Weights)

	s.advance(domain.IntegrationGenerating)
	breached := s.DeadlineExceeded()
	if breached {
		e.logger.Warn("integration session exceeded process timeout",
			"session_id", sessionID, "item_count", len(items))
	}

	report := Report{
		SessionID:        sessionID,
		FusedByCategory:  fused,
		Conflicts:        conflicts,
		Resolutions:      resolutions,
		Anomalies:        anomalies,
		DeadlineBreached: breached,
		ItemCount:        len(items),
	}

	s.setOutputs(map[string]interface{}{
		"fused":     fused,
		"conflicts": len(conflicts),
		"anomalies": len(anomalies),
	})

	return report, nil
}

// categorize groups items by Data["category"] when present, falling
// back to a single "default" group. This is the "inferred semantic
// category" grouping step of spec §4.5; a richer classifier can
// replace this heuristic without changing the fusion/conflict/anomaly
// stages that consume its output.
func categorize(items []domain.ResultItem) map[string][]domain.ResultItem {
	groups := make(map[string][]domain.ResultItem)
	for _, it := range items {
		category := "default"
		if raw, ok := it.Data["category"]; ok {
			if s, ok := raw.(string); ok && s != "" {
				category = s
			}
		}
		groups[category] = append(groups[category], it)
	}
	return groups
}

// sortedCategories returns the category names of fused in sorted
// order, for deterministic iteration.
func sortedCategories(fused map[string]map[string]interface{}) []string {
	names := make([]string, 0, len(fused))
	for k := range fused {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
