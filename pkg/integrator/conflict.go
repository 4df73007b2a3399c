package integrator

import (
	"time"

	"github.com/hybridcmd/core/internal/domain"
	"github.com/hybridcmd/core/pkg/statesync"
)

// The four cross-result conflict categories spec.md §4.5 names,
// expressed as domain.ConflictType values so resolution can reuse
// StateSynchronizer's catalog unmodified.
const (
	ConflictValue    domain.ConflictType = "value_conflict"
	ConflictLogical  domain.ConflictType = "logical_conflict"
	ConflictTemporal domain.ConflictType = "temporal_conflict"
	ConflictSource   domain.ConflictType = "source_conflict"
)

// temporalSkewThreshold is how far apart two results' timestamps must
// be, for the same field, to count as a temporal conflict rather than
// ordinary clock jitter between collectors.
const temporalSkewThreshold = 2 * time.Second

// DetectConflicts compares every pair of items in a group field by
// field and classifies each divergence it finds.
func DetectConflicts(items []domain.ResultItem) []domain.Conflict {
	var conflicts []domain.Conflict
	fields := fieldUnion(items)

	for _, field := range fields {
		present := itemsWithField(items, field)
		if len(present) < 2 {
			continue
		}
		conflicts = append(conflicts, classifyField(field, present)...)
	}
	return conflicts
}

func classifyField(field string, items []domain.ResultItem) []domain.Conflict {
	var conflicts []domain.Conflict

	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			a, b := items[i], items[j]
			va, vb := a.Data[field], b.Data[field]

			conflictType, ok := diffType(a, b, va, vb)
			if !ok {
				continue
			}
			conflicts = append(conflicts, domain.Conflict{
				Type:        conflictType,
				Field:       field,
				SourceValue: va,
				TargetValue: vb,
				HasBase:     false,
				Severity:    severityFor(conflictType, a, b),
				Resolvable:  conflictType != ConflictSource,
			})
		}
	}
	return conflicts
}

func diffType(a, b domain.ResultItem, va, vb interface{}) (domain.ConflictType, bool) {
	an, aIsNum := asFloat(va)
	bn, bIsNum := asFloat(vb)

	if aIsNum != bIsNum {
		return ConflictLogical, true
	}

	if aIsNum && bIsNum {
		if an == bn {
			return "", false
		}
		return ConflictValue, true
	}

	if va != vb {
		if a.SourceTag != b.SourceTag {
			return ConflictSource, true
		}
		return ConflictLogical, true
	}

	if a.Timestamp.Sub(b.Timestamp).Abs() > temporalSkewThreshold {
		return ConflictTemporal, true
	}

	return "", false
}

func minConfidence(a, b domain.ResultItem) float64 {
	if a.Confidence < b.Confidence {
		return a.Confidence
	}
	return b.Confidence
}

// severityFor derives severity from the pair's confidence rather than
// the fixed StateSynchronizer table, per spec §4.5's "severity is
// derived from confidence".
func severityFor(t domain.ConflictType, a, b domain.ResultItem) domain.Severity {
	return severityFromConfidence(minConfidence(a, b))
}

// ResolveConflicts adapts StateSynchronizer's resolution catalog to
// result scope: conflicts become Resolutions under the requested
// strategy. Cross-result conflicts have no source/target version
// timestamps of their own, so NewestWins degenerates to TargetWins
// here; callers wanting true recency ordering should prefer a
// strategy other than NewestWins for result-scoped resolution.
func ResolveConflicts(conflicts []domain.Conflict, strategy statesync.Strategy, weights map[string]float64) []statesync.Resolution {
	return statesync.Resolve(conflicts, strategy, time.Now(), time.Now(), weights)
}
