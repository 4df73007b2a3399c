package router

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hybridcmd/core/internal/config"
	"github.com/hybridcmd/core/internal/domain"
)

const (
	treeMaxDepth      = 4
	treeMinSamplesLeaf = 5
	qualityDecayDays  = 30.0
)

// LearningSample is one recorded routing outcome, per spec §4.3's
// learning loop.
type LearningSample struct {
	DecisionID     string
	Features       map[string]float64
	ChosenStrategy string
	Outcome        bool // true = successful execution
	Duration       time.Duration
	UserRating     *int
	Weight         float64
	Quality        float64
	Timestamp      time.Time
}

// LearningModule trains a decision-tree classifier over operational
// telemetry and predicts a strategy for new feature vectors. Model
// swaps are guarded by an RWMutex so predictions never block on
// retraining.
type LearningModule struct {
	cfg config.LearningConfig

	mu       sync.RWMutex
	samples  []LearningSample
	byID     map[string]int // DecisionID -> index in samples
	model    *decisionTree
	accuracy float64
	backups  []*decisionTree
}

// NewLearningModule builds an untrained LearningModule.
func NewLearningModule(cfg config.LearningConfig) *LearningModule {
	return &LearningModule{cfg: cfg, byID: make(map[string]int)}
}

// RecordSample appends a new outcome, computing its quality from
// context richness and age decay, and evicts the oldest sample past
// MaxSamples.
func (m *LearningModule) RecordSample(s LearningSample) {
	if s.Weight == 0 {
		s.Weight = 1.0
	}
	s.Quality = sampleQuality(s)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.DecisionID != "" {
		m.byID[s.DecisionID] = len(m.samples)
	}
	m.samples = append(m.samples, s)
	if m.cfg.MaxSamples > 0 && len(m.samples) > m.cfg.MaxSamples {
		drop := len(m.samples) - m.cfg.MaxSamples
		m.samples = m.samples[drop:]
		m.reindexLocked()
	}
}

func (m *LearningModule) reindexLocked() {
	m.byID = make(map[string]int, len(m.samples))
	for i, s := range m.samples {
		if s.DecisionID != "" {
			m.byID[s.DecisionID] = i
		}
	}
}

// sampleQuality blends context richness (feature count) with
// exponential age decay over 30 days.
func sampleQuality(s LearningSample) float64 {
	richness := clamp01(float64(len(s.Features)) / 8.0)
	age := time.Since(s.Timestamp).Hours() / 24.0
	decay := math.Exp(-age / qualityDecayDays)
	return clamp01(0.5*richness + 0.5*decay)
}

// ApplyFeedback routes one of the three feedback channels into the
// sample set, per spec §4.3.
func (m *LearningModule) ApplyFeedback(fb RoutingFeedbackInput) {
	switch fb.Type {
	case domain.FeedbackManualCorrection:
		m.RecordSample(LearningSample{
			DecisionID:     fb.DecisionID,
			Features:       fb.Features,
			ChosenStrategy: fb.Corrected,
			Outcome:        true,
			Weight:         1.0,
			Timestamp:      time.Now(),
		})

	case domain.FeedbackUserRating:
		m.mu.Lock()
		if idx, ok := m.byID[fb.DecisionID]; ok {
			m.samples[idx].Weight = float64(fb.Rating-1) / 4.0
		}
		m.mu.Unlock()

	case domain.FeedbackPerformanceMetric:
		m.mu.RLock()
		recorded := m.accuracy
		m.mu.RUnlock()
		if recorded-fb.Metric > m.cfg.RetrainThreshold {
			m.Train()
		}
	}
}

// RoutingFeedbackInput is the payload SmartRouter hands the learning
// module for each of the three feedback channels, carrying the extra
// context (the original decision's features) domain.RoutingFeedback
// itself doesn't need to persist.
type RoutingFeedbackInput struct {
	Type       domain.RoutingFeedbackType
	DecisionID string
	Features   map[string]float64
	Corrected  string
	Rating     int
	Metric     float64
}

// ReadyToTrain reports whether enough samples exist to train.
func (m *LearningModule) ReadyToTrain() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples) >= m.cfg.MinSamples
}

// Train builds a candidate decision tree from the current sample set
// and swaps it in only if its held-out accuracy beats the current
// model by at least 0.01.
func (m *LearningModule) Train() bool {
	m.mu.RLock()
	samples := append([]LearningSample(nil), m.samples...)
	m.mu.RUnlock()

	if len(samples) < m.cfg.MinSamples {
		return false
	}

	split := len(samples) * 4 / 5
	if split == 0 {
		split = len(samples)
	}
	train, holdout := samples[:split], samples[split:]

	candidate := buildTree(train, 0)
	candidateAccuracy := evaluate(candidate, holdout)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil || candidateAccuracy-m.accuracy >= 0.01 {
		if m.model != nil {
			m.backups = append(m.backups, m.model)
			if m.cfg.MaxBackups > 0 && len(m.backups) > m.cfg.MaxBackups {
				m.backups = m.backups[len(m.backups)-m.cfg.MaxBackups:]
			}
		}
		m.model = candidate
		m.accuracy = candidateAccuracy
		return true
	}
	return false
}

// Predict walks the current model for features, returning false if no
// model has been trained yet.
func (m *LearningModule) Predict(features map[string]float64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return "", false
	}
	return m.model.predict(features), true
}

// Accuracy returns the current model's held-out accuracy.
func (m *LearningModule) Accuracy() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accuracy
}

// decisionTree is a small CART-style binary tree splitting on a
// single numeric feature threshold at each internal node.
type decisionTree struct {
	isLeaf    bool
	label     string
	feature   string
	threshold float64
	left      *decisionTree
	right     *decisionTree
}

func (t *decisionTree) predict(features map[string]float64) string {
	node := t
	for !node.isLeaf {
		if features[node.feature] <= node.threshold {
			node = node.left
		} else {
			node = node.right
		}
	}
	return node.label
}

func buildTree(samples []LearningSample, depth int) *decisionTree {
	if len(samples) == 0 {
		return &decisionTree{isLeaf: true, label: ""}
	}
	if depth >= treeMaxDepth || len(samples) < treeMinSamplesLeaf*2 || isPure(samples) {
		return &decisionTree{isLeaf: true, label: majorityLabel(samples)}
	}

	feature, threshold, gain := bestSplit(samples)
	if gain <= 0 {
		return &decisionTree{isLeaf: true, label: majorityLabel(samples)}
	}

	var left, right []LearningSample
	for _, s := range samples {
		if s.Features[feature] <= threshold {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}
	if len(left) < treeMinSamplesLeaf || len(right) < treeMinSamplesLeaf {
		return &decisionTree{isLeaf: true, label: majorityLabel(samples)}
	}

	return &decisionTree{
		feature:   feature,
		threshold: threshold,
		left:      buildTree(left, depth+1),
		right:     buildTree(right, depth+1),
	}
}

func isPure(samples []LearningSample) bool {
	if len(samples) == 0 {
		return true
	}
	first := samples[0].ChosenStrategy
	for _, s := range samples[1:] {
		if s.ChosenStrategy != first {
			return false
		}
	}
	return true
}

func majorityLabel(samples []LearningSample) string {
	counts := make(map[string]float64)
	for _, s := range samples {
		counts[s.ChosenStrategy] += s.Weight
	}
	best, bestCount := "", -1.0
	for label, count := range counts {
		if count > bestCount {
			best, bestCount = label, count
		}
	}
	return best
}

func entropy(samples []LearningSample) float64 {
	counts := make(map[string]float64)
	var total float64
	for _, s := range samples {
		counts[s.ChosenStrategy] += s.Weight
		total += s.Weight
	}
	if total == 0 {
		return 0
	}
	var h float64
	for _, c := range counts {
		p := c / total
		if p > 0 {
			h -= p * math.Log2(p)
		}
	}
	return h
}

// bestSplit scans every feature's candidate thresholds for the split
// with the highest information gain.
func bestSplit(samples []LearningSample) (string, float64, float64) {
	featureNames := make(map[string]bool)
	for _, s := range samples {
		for f := range s.Features {
			featureNames[f] = true
		}
	}

	baseEntropy := entropy(samples)
	bestFeature, bestThreshold, bestGain := "", 0.0, 0.0

	for feature := range featureNames {
		values := make([]float64, 0, len(samples))
		for _, s := range samples {
			values = append(values, s.Features[feature])
		}
		sort.Float64s(values)

		for i := 0; i < len(values)-1; i++ {
			threshold := (values[i] + values[i+1]) / 2
			var left, right []LearningSample
			for _, s := range samples {
				if s.Features[feature] <= threshold {
					left = append(left, s)
				} else {
					right = append(right, s)
				}
			}
			if len(left) == 0 || len(right) == 0 {
				continue
			}
			wLeft := float64(len(left)) / float64(len(samples))
			wRight := float64(len(right)) / float64(len(samples))
			gain := baseEntropy - wLeft*entropy(left) - wRight*entropy(right)
			if gain > bestGain {
				bestFeature, bestThreshold, bestGain = feature, threshold, gain
			}
		}
	}

	return bestFeature, bestThreshold, bestGain
}

func evaluate(tree *decisionTree, holdout []LearningSample) float64 {
	if len(holdout) == 0 {
		return 0
	}
	correct := 0
	for _, s := range holdout {
		if tree.predict(s.Features) == s.ChosenStrategy {
			correct++
		}
	}
	return float64(correct) / float64(len(holdout))
}
