package statesync

import (
	"reflect"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/hybridcmd/core/internal/domain"
)

// Changes is the result of a structural diff between two payloads.
type Changes struct {
	Added    []string
	Removed  []string
	Modified []string
}

// HasChanges reports whether any field differs.
func (c Changes) HasChanges() bool {
	return len(c.Added) > 0 || len(c.Removed) > 0 || len(c.Modified) > 0
}

// DetectChanges walks source and target, flattening nested objects
// into dotted field paths, and buckets every differing path into
// added/removed/modified. Used directly by the StateSynchronizer's
// detectDifferences operation.
func DetectChanges(source, target map[string]interface{}) Changes {
	var c Changes
	sflat := flatten("", source)
	tflat := flatten("", target)

	for path := range sflat {
		if _, ok := tflat[path]; !ok {
			c.Added = append(c.Added, path)
		}
	}
	for path, tv := range tflat {
		sv, ok := sflat[path]
		if !ok {
			c.Removed = append(c.Removed, path)
			continue
		}
		if !reflect.DeepEqual(sv, tv) {
			c.Modified = append(c.Modified, path)
		}
	}

	sort.Strings(c.Added)
	sort.Strings(c.Removed)
	sort.Strings(c.Modified)
	return c
}

func flatten(prefix string, m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range flatten(path, nested) {
				out[nk] = nv
			}
			continue
		}
		out[path] = v
	}
	return out
}

// MergePatchDigest computes the RFC 7396 merge patch describing how to
// turn source into target. Synchronizer.Sync calls this on every
// reconciliation to size the change (SyncResult.PatchSize) without
// needing its own JSON diff.
func MergePatchDigest(source, target []byte) ([]byte, error) {
	return jsonpatch.CreateMergePatch(source, target)
}

// ClassifyConflicts compares source and target snapshots (optionally
// against a common base) and returns one Conflict per divergent field,
// per the five-way classification in spec §4.2.
func ClassifyConflicts(source, target map[string]interface{}, base map[string]interface{}, hasBase bool) []domain.Conflict {
	changes := DetectChanges(source, target)
	if len(changes.Modified) == 0 {
		return nil
	}

	sflat := flatten("", source)
	tflat := flatten("", target)
	var bflat map[string]interface{}
	if hasBase {
		bflat = flatten("", base)
	}

	conflicts := make([]domain.Conflict, 0, len(changes.Modified))
	for _, field := range changes.Modified {
		sv, tv := sflat[field], tflat[field]
		conflict := domain.Conflict{
			Field:       field,
			SourceValue: sv,
			TargetValue: tv,
			Resolvable:  true,
		}

		switch {
		case reflect.TypeOf(sv) != reflect.TypeOf(tv):
			conflict.Type = domain.ConflictTypeConflict
		case isDependencyField(field):
			conflict.Type = domain.ConflictDependencyConflict
		case hasBase:
			bv, bok := bflat[field]
			conflict.BaseValue = bv
			conflict.HasBase = bok
			if bok && !reflect.DeepEqual(bv, sv) && !reflect.DeepEqual(bv, tv) {
				conflict.Type = domain.ConflictConcurrentMod
			} else {
				conflict.Type = domain.ConflictValidationError
			}
		default:
			conflict.Type = domain.ConflictValidationError
		}

		conflict.Severity = domain.SeverityForConflict(conflict.Type)
		conflicts = append(conflicts, conflict)
	}
	return conflicts
}

// isDependencyField flags fields that represent dependency/technology
// lists, the one case spec §4.2 calls out as its own classification
// rather than a generic value conflict.
func isDependencyField(field string) bool {
	base := field
	if idx := lastSegment(field); idx != "" {
		base = idx
	}
	switch base {
	case "dependencies", "technologies", "requirements":
		return true
	default:
		return false
	}
}

func lastSegment(field string) string {
	for i := len(field) - 1; i >= 0; i-- {
		if field[i] == '.' {
			return field[i+1:]
		}
	}
	return field
}
