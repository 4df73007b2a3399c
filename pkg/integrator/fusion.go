// Package integrator implements the ResultIntegrator: a session
// pipeline that fans in heterogeneous ResultItems from multiple
// sources, fuses them per field, flags cross-result conflicts and
// anomalies, and emits a consolidated report.
package integrator

import (
	"math"
	"sort"

	"github.com/hybridcmd/core/internal/domain"
)

// FusionStrategy reconciles one group of same-category ResultItems
// into a single fused field map. Implementations are registered by
// name the same way internal/core's StrategyManager selects a
// Strategy by CanHandle/EstimateEffectiveness: here selection is a
// direct name lookup since the caller always names its fusion mode
// explicitly rather than asking the engine to infer one.
type FusionStrategy interface {
	Name() string
	Fuse(items []domain.ResultItem) map[string]interface{}
}

// WeightedFusion averages each numeric field across items, weighting
// by confidence_i * 1/(1+errorCount_i), normalized.
type WeightedFusion struct{}

func (WeightedFusion) Name() string { return "weighted" }

func (WeightedFusion) Fuse(items []domain.ResultItem) map[string]interface{} {
	weights := itemWeights(items)
	return fuseNumericFields(items, weights)
}

// ConsensusFusion votes per field: numeric fields take a
// confidence-weighted mean, non-numeric fields take the
// highest-confidence item's value.
type ConsensusFusion struct{}

func (ConsensusFusion) Name() string { return "consensus" }

func (ConsensusFusion) Fuse(items []domain.ResultItem) map[string]interface{} {
	if len(items) == 0 {
		return map[string]interface{}{}
	}

	fields := fieldUnion(items)
	out := make(map[string]interface{}, len(fields))

	for _, field := range fields {
		numeric, allNumeric := numericValues(items, field)
		if allNumeric && len(numeric) > 0 {
			weights := itemWeights(itemsWithField(items, field))
			out[field] = weightedMean(numeric, weights)
			continue
		}
		out[field] = highestConfidenceValue(items, field)
	}
	return out
}

// SemanticFusion clusters items by cosine similarity over their
// Data["_vector"] feature vector (falling back to a single cluster
// when no vectors are present), then applies WeightedFusion within
// each cluster and merges clusters back with a weighted average keyed
// by cluster size.
type SemanticFusion struct {
	SimilarityThreshold float64
}

func (SemanticFusion) Name() string { return "semantic" }

func (s SemanticFusion) Fuse(items []domain.ResultItem) map[string]interface{} {
	threshold := s.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	hasVectors := false
	for _, it := range items {
		if featureVector(it) != nil {
			hasVectors = true
			break
		}
	}
	if !hasVectors {
		return WeightedFusion{}.Fuse(items)
	}
	clusters := clusterBySimilarity(items, threshold)

	if len(clusters) <= 1 {
		return WeightedFusion{}.Fuse(items)
	}

	merged := make(map[string]interface{})
	fieldTotals := make(map[string]float64)
	fieldWeights := make(map[string]float64)

	for _, cluster := range clusters {
		fused := WeightedFusion{}.Fuse(cluster)
		weight := float64(len(cluster))
		for field, v := range fused {
			if num, ok := asFloat(v); ok {
				fieldTotals[field] += num * weight
				fieldWeights[field] += weight
			} else if _, exists := merged[field]; !exists {
				merged[field] = v
			}
		}
	}
	for field, total := range fieldTotals {
		if fieldWeights[field] > 0 {
			merged[field] = total / fieldWeights[field]
		}
	}
	return merged
}

func itemWeights(items []domain.ResultItem) []float64 {
	raw := make([]float64, len(items))
	var total float64
	for i, it := range items {
		raw[i] = it.Confidence * (1.0 / (1.0 + float64(it.ErrorCount)))
		total += raw[i]
	}
	if total == 0 {
		return raw
	}
	for i := range raw {
		raw[i] /= total
	}
	return raw
}

func fuseNumericFields(items []domain.ResultItem, weights []float64) map[string]interface{} {
	out := make(map[string]interface{})
	fields := fieldUnion(items)
	for _, field := range fields {
		var sum, weightSum float64
		var sawNumeric bool
		for i, it := range items {
			v, ok := it.Data[field]
			if !ok {
				continue
			}
			num, isNum := asFloat(v)
			if !isNum {
				if _, exists := out[field]; !exists {
					out[field] = v
				}
				continue
			}
			sawNumeric = true
			sum += num * weights[i]
			weightSum += weights[i]
		}
		if sawNumeric {
			if weightSum > 0 {
				sum /= weightSum
			}
			out[field] = sum
		}
	}
	return out
}

func fieldUnion(items []domain.ResultItem) []string {
	seen := make(map[string]bool)
	var fields []string
	for _, it := range items {
		for field := range it.Data {
			if field == "_vector" {
				continue
			}
			if !seen[field] {
				seen[field] = true
				fields = append(fields, field)
			}
		}
	}
	sort.Strings(fields)
	return fields
}

func itemsWithField(items []domain.ResultItem, field string) []domain.ResultItem {
	out := make([]domain.ResultItem, 0, len(items))
	for _, it := range items {
		if _, ok := it.Data[field]; ok {
			out = append(out, it)
		}
	}
	return out
}

func numericValues(items []domain.ResultItem, field string) ([]float64, bool) {
	var out []float64
	for _, it := range items {
		v, ok := it.Data[field]
		if !ok {
			continue
		}
		num, isNum := asFloat(v)
		if !isNum {
			return nil, false
		}
		out = append(out, num)
	}
	return out, true
}

func weightedMean(values, weights []float64) float64 {
	var sum, total float64
	for i, v := range values {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		sum += v * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

func highestConfidenceValue(items []domain.ResultItem, field string) interface{} {
	var best interface{}
	bestConfidence := -1.0
	for _, it := range items {
		v, ok := it.Data[field]
		if !ok {
			continue
		}
		if it.Confidence > bestConfidence {
			bestConfidence = it.Confidence
			best = v
		}
	}
	return best
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// clusterBySimilarity groups items greedily: each item joins the
// first existing cluster whose centroid vector has cosine similarity
// above threshold, else starts a new cluster.
func clusterBySimilarity(items []domain.ResultItem, threshold float64) [][]domain.ResultItem {
	var clusters [][]domain.ResultItem
	var centroids [][]float64

	for _, it := range items {
		vec := featureVector(it)
		placed := false
		for i, centroid := range centroids {
			if vec == nil || centroid == nil {
				continue
			}
			if cosineSimilarity(vec, centroid) >= threshold {
				clusters[i] = append(clusters[i], it)
				centroids[i] = averageVectors(centroids[i], vec, len(clusters[i]))
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []domain.ResultItem{it})
			centroids = append(centroids, vec)
		}
	}
	return clusters
}

func featureVector(it domain.ResultItem) []float64 {
	raw, ok := it.Data["_vector"]
	if !ok {
		return nil
	}
	list, ok := raw.([]float64)
	if !ok {
		return nil
	}
	return list
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func averageVectors(centroid, v []float64, newCount int) []float64 {
	if newCount <= 1 {
		return v
	}
	out := make([]float64, len(centroid))
	for i := range centroid {
		out[i] = centroid[i] + (v[i]-centroid[i])/float64(newCount)
	}
	return out
}
