package statesync

import (
	"reflect"
	"time"

	"github.com/hybridcmd/core/internal/domain"
)

// Strategy names a resolution strategy, selected per spec §4.2 either
// from sync options or StateSyncConfig.DefaultStrategy.
type Strategy string

const (
	AutoMerge     Strategy = "auto_merge"
	SourceWins    Strategy = "source_wins"
	TargetWins    Strategy = "target_wins"
	NewestWins    Strategy = "newest_wins"
	ThreeWayMerge Strategy = "three_way_merge"
	Manual        Strategy = "manual"
)

// Resolution is the outcome of resolving a single conflict.
type Resolution struct {
	Conflict domain.Conflict
	Strategy Strategy
	Value    interface{}
	Resolved bool
}

// Resolve applies strategy to every conflict, returning one Resolution
// per input conflict. sourceTS/targetTS feed NewestWins; weights feeds
// AutoMerge's numeric averaging.
func Resolve(conflicts []domain.Conflict, strategy Strategy, sourceTS, targetTS time.Time, weights map[string]float64) []Resolution {
	resolutions := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		resolutions = append(resolutions, resolveOne(c, strategy, sourceTS, targetTS, weights))
	}
	return resolutions
}

func resolveOne(c domain.Conflict, strategy Strategy, sourceTS, targetTS time.Time, weights map[string]float64) Resolution {
	switch strategy {
	case SourceWins:
		return Resolution{Conflict: c, Strategy: strategy, Value: c.SourceValue, Resolved: true}

	case TargetWins:
		return Resolution{Conflict: c, Strategy: strategy, Value: c.TargetValue, Resolved: true}

	case NewestWins:
		// Ties go to target, per spec §4.2.
		if sourceTS.After(targetTS) {
			return Resolution{Conflict: c, Strategy: strategy, Value: c.SourceValue, Resolved: true}
		}
		return Resolution{Conflict: c, Strategy: strategy, Value: c.TargetValue, Resolved: true}

	case ThreeWayMerge:
		return resolveThreeWay(c, strategy)

	case AutoMerge:
		return resolveAutoMerge(c, strategy, weights)

	case Manual:
		return Resolution{Conflict: c, Strategy: strategy, Resolved: false}

	default:
		return Resolution{Conflict: c, Strategy: strategy, Resolved: false}
	}
}

// resolveThreeWay: if base matches source, target changed it alone so
// target wins; if base matches target, source changed it alone so
// source wins; otherwise both sides diverged and it escalates to a
// deep value merge attempt, falling back to target.
func resolveThreeWay(c domain.Conflict, strategy Strategy) Resolution {
	if !c.HasBase {
		return Resolution{Conflict: c, Strategy: strategy, Value: c.TargetValue, Resolved: true}
	}
	if reflect.DeepEqual(c.BaseValue, c.SourceValue) {
		return Resolution{Conflict: c, Strategy: strategy, Value: c.TargetValue, Resolved: true}
	}
	if reflect.DeepEqual(c.BaseValue, c.TargetValue) {
		return Resolution{Conflict: c, Strategy: strategy, Value: c.SourceValue, Resolved: true}
	}

	if merged, ok := deepMerge(c.SourceValue, c.TargetValue); ok {
		return Resolution{Conflict: c, Strategy: strategy, Value: merged, Resolved: true}
	}
	return Resolution{Conflict: c, Strategy: strategy, Value: c.TargetValue, Resolved: true}
}

// resolveAutoMerge shallow-unions preferring target, with numeric
// fields averaged by weight when weights are provided for the field.
func resolveAutoMerge(c domain.Conflict, strategy Strategy, weights map[string]float64) Resolution {
	sNum, sOk := asFloat(c.SourceValue)
	tNum, tOk := asFloat(c.TargetValue)
	if sOk && tOk {
		w, hasWeight := weights[c.Field]
		if hasWeight {
			merged := sNum*(1-w) + tNum*w
			return Resolution{Conflict: c, Strategy: strategy, Value: merged, Resolved: true}
		}
		return Resolution{Conflict: c, Strategy: strategy, Value: (sNum + tNum) / 2, Resolved: true}
	}

	if merged, ok := deepMerge(c.SourceValue, c.TargetValue); ok {
		return Resolution{Conflict: c, Strategy: strategy, Value: merged, Resolved: true}
	}
	// Non-mergeable scalars: target wins, matching "shallow union
	// preferring target" for non-object leaves.
	return Resolution{Conflict: c, Strategy: strategy, Value: c.TargetValue, Resolved: true}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// deepMerge unions two maps, preferring target's value on key
// collision, recursing into nested maps. Non-map inputs can't be
// merged this way.
func deepMerge(source, target interface{}) (interface{}, bool) {
	sm, sok := source.(map[string]interface{})
	tm, tok := target.(map[string]interface{})
	if !sok || !tok {
		return nil, false
	}

	out := make(map[string]interface{}, len(sm)+len(tm))
	for k, v := range sm {
		out[k] = v
	}
	for k, tv := range tm {
		if sv, exists := out[k]; exists {
			if merged, ok := deepMerge(sv, tv); ok {
				out[k] = merged
				continue
			}
		}
		out[k] = tv
	}
	return out, true
}
