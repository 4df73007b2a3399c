package integrator

import (
	"math"

	"github.com/hybridcmd/core/internal/domain"
)

// AnomalyKind distinguishes the three detection methods spec.md §4.5
// names.
type AnomalyKind string

const (
	AnomalyStatistical AnomalyKind = "statistical"
	AnomalyContextual  AnomalyKind = "contextual"
	AnomalyCollective  AnomalyKind = "collective"
)

// Anomaly is one flagged item, with severity derived from its
// confidence rather than the deviation magnitude itself.
type Anomaly struct {
	Kind       AnomalyKind
	Field      string
	ItemID     string
	Value      float64
	Deviation  float64
	Severity   domain.Severity
}

// DetectStatistical flags values more than zThreshold standard
// deviations from the group mean, per field.
func DetectStatistical(items []domain.ResultItem, zThreshold float64) []Anomaly {
	var anomalies []Anomaly
	for _, field := range fieldUnion(items) {
		values, ids := numericFieldWithIDs(items, field)
		if len(values) < 2 {
			continue
		}
		mean, stddev := meanStddev(values)
		if stddev == 0 {
			continue
		}
		for i, v := range values {
			z := (v - mean) / stddev
			if math.Abs(z) > zThreshold {
				anomalies = append(anomalies, Anomaly{
					Kind:      AnomalyStatistical,
					Field:     field,
					ItemID:    ids[i],
					Value:     v,
					Deviation: z,
					Severity:  confidenceSeverity(items, ids[i]),
				})
			}
		}
	}
	return anomalies
}

// DetectContextual flags items whose feature-vector similarity to
// their assigned cluster's centroid falls below threshold.
func DetectContextual(items []domain.ResultItem, threshold float64) []Anomaly {
	clusters := clusterBySimilarity(items, threshold)
	var anomalies []Anomaly
	for _, cluster := range clusters {
		if len(cluster) < 2 {
			continue
		}
		centroid := clusterCentroid(cluster)
		for _, it := range cluster {
			vec := featureVector(it)
			if vec == nil || centroid == nil {
				continue
			}
			sim := cosineSimilarity(vec, centroid)
			if sim < threshold {
				anomalies = append(anomalies, Anomaly{
					Kind:      AnomalyContextual,
					ItemID:    it.ID,
					Deviation: 1 - sim,
					Severity:  confidenceSeverityOf(it),
				})
			}
		}
	}
	return anomalies
}

// DetectCollective flags entire source groups whose mean differs from
// the overall group mean by more than threshold, per field.
func DetectCollective(items []domain.ResultItem, threshold float64) []Anomaly {
	var anomalies []Anomaly
	bySource := make(map[string][]domain.ResultItem)
	for _, it := range items {
		bySource[it.SourceTag] = append(bySource[it.SourceTag], it)
	}
	if len(bySource) < 2 {
		return nil
	}

	for _, field := range fieldUnion(items) {
		overallValues, _ := numericFieldWithIDs(items, field)
		if len(overallValues) == 0 {
			continue
		}
		overallMean, _ := meanStddev(overallValues)

		for source, group := range bySource {
			groupValues, _ := numericFieldWithIDs(group, field)
			if len(groupValues) == 0 {
				continue
			}
			groupMean, _ := meanStddev(groupValues)
			deviation := math.Abs(groupMean - overallMean)
			if deviation > threshold {
				anomalies = append(anomalies, Anomaly{
					Kind:      AnomalyCollective,
					Field:     field,
					ItemID:    source,
					Value:     groupMean,
					Deviation: deviation,
					Severity:  confidenceSeverity(group, ""),
				})
			}
		}
	}
	return anomalies
}

func numericFieldWithIDs(items []domain.ResultItem, field string) ([]float64, []string) {
	var values []float64
	var ids []string
	for _, it := range items {
		v, ok := it.Data[field]
		if !ok {
			continue
		}
		num, isNum := asFloat(v)
		if !isNum {
			continue
		}
		values = append(values, num)
		ids = append(ids, it.ID)
	}
	return values, ids
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func clusterCentroid(items []domain.ResultItem) []float64 {
	var centroid []float64
	count := 0
	for _, it := range items {
		vec := featureVector(it)
		if vec == nil {
			continue
		}
		if centroid == nil {
			centroid = append([]float64(nil), vec...)
			count = 1
			continue
		}
		count++
		for i := range centroid {
			centroid[i] += (vec[i] - centroid[i]) / float64(count)
		}
	}
	return centroid
}

// confidenceSeverity mirrors severityFor's bands, applied to whichever
// item in items matches id (or the group average when id is empty, as
// for a collective-anomaly's source group).
func confidenceSeverity(items []domain.ResultItem, id string) domain.Severity {
	if id == "" {
		var sum float64
		for _, it := range items {
			sum += it.Confidence
		}
		return severityFromConfidence(sum / float64(len(items)))
	}
	for _, it := range items {
		if it.ID == id {
			return confidenceSeverityOf(it)
		}
	}
	return domain.SeverityMedium
}

func confidenceSeverityOf(it domain.ResultItem) domain.Severity {
	return severityFromConfidence(it.Confidence)
}

func severityFromConfidence(confidence float64) domain.Severity {
	switch {
	case confidence >= 0.8:
		return domain.SeverityLow
	case confidence >= 0.5:
		return domain.SeverityMedium
	case confidence >= 0.2:
		return domain.SeverityHigh
	default:
		return domain.SeverityCritical
	}
}
