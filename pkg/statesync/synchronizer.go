package statesync

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hybridcmd/core/internal/corerr"
	"github.com/hybridcmd/core/internal/domain"
)

// SyncOptions configures a single Sync call.
type SyncOptions struct {
	Strategy Strategy // zero value means "use the synchronizer's default"
}

// SyncResult is the outcome of one reconciliation.
type SyncResult struct {
	OK          bool
	StateID     string
	Conflicts   []domain.Conflict
	Resolutions []Resolution
	// PatchSize is the byte length of the RFC 7396 merge patch from
	// source to target, via MergePatchDigest. Lets an operator gauge
	// how much a reconciliation actually changed without inspecting
	// the full payload.
	PatchSize int
}

type pairKey struct {
	source string
	target string
}

// pairState tracks the registration and running base snapshot for one
// (sourceType, targetType) pair.
type pairState struct {
	mode SyncMode
	base map[string]interface{}
	hasBase bool
}

// Synchronizer is the StateSynchronizer: it owns the snapshot store,
// the registered source/target pairs, and the batch/scheduled timing
// strategies layered on top of Sync.
type Synchronizer struct {
	store           *Store
	defaultStrategy Strategy
	weights         map[string]float64
	logger          *slog.Logger
	history         *HistoryLog

	mu    sync.Mutex
	pairs map[pairKey]*pairState

	batch     *batcher
	scheduler *scheduler
}

// New builds a Synchronizer. weights feeds AutoMerge's numeric
// averaging; pass nil for unweighted averaging. history may be nil, in
// which case sync outcomes are not recorded for sync:history/conflicts.
func New(store *Store, defaultStrategy Strategy, weights map[string]float64, logger *slog.Logger, history *HistoryLog) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:           store,
		defaultStrategy: defaultStrategy,
		weights:         weights,
		logger:          logger,
		history:         history,
		pairs:           make(map[pairKey]*pairState),
	}
}

// PairInfo describes one registered source/target relationship for
// sync:status.
type PairInfo struct {
	Source string
	Target string
	Mode   SyncMode
}

// Pairs lists every registered (source, target) relationship.
func (s *Synchronizer) Pairs() []PairInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PairInfo, 0, len(s.pairs))
	for k, state := range s.pairs {
		out = append(out, PairInfo{Source: k.source, Target: k.target, Mode: state.mode})
	}
	return out
}

// Status is the synchronizer status and store statistics sync:status
// reports.
type Status struct {
	RegisteredPairs int
	BatchEnabled    bool
	ScheduledEnabled bool
	DefaultStrategy Strategy
}

func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	n := len(s.pairs)
	s.mu.Unlock()
	return Status{
		RegisteredPairs:  n,
		BatchEnabled:     s.batch != nil,
		ScheduledEnabled: s.scheduler != nil,
		DefaultStrategy:  s.defaultStrategy,
	}
}

// History returns up to limit recorded sync outcomes, most recent
// first, with their aggregate conflict stats.
func (s *Synchronizer) History(limit int) ([]HistoryRecord, ConflictStats) {
	if s.history == nil {
		return nil, ConflictStats{BySeverity: make(map[domain.Severity]int)}
	}
	records := s.history.Recent(limit)
	return records, s.history.Stats(records)
}

// RegisterPair declares a (sourceType, targetType) relationship and
// its sync timing mode. forceSync reconciles every registered pair.
func (s *Synchronizer) RegisterPair(sourceType, targetType string, mode SyncMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pairKey{sourceType, targetType}] = &pairState{mode: mode}
}

// EnableBatching configures the coalescing batch queue used by pairs
// registered with ModeBatch.
func (s *Synchronizer) EnableBatching(ctx context.Context, maxSize int, interval, maxWait time.Duration) {
	s.batch = newBatcher(maxSize, interval, maxWait, func(ctx context.Context, changes []*pendingChange) {
		for _, c := range changes {
			if _, err := s.Sync(ctx, c.sourceType, c.targetType, SyncOptions{}); err != nil {
				s.logger.Error("batched sync failed", "source", c.sourceType, "target", c.targetType, "error", err)
			}
		}
	})
}

// EnableScheduled starts the fixed-interval scheduler used by pairs
// registered with ModeScheduled.
func (s *Synchronizer) EnableScheduled(ctx context.Context, interval time.Duration, skipIfNoChanges bool) {
	s.scheduler = newScheduler(interval, skipIfNoChanges, s.hasRecentChange, func(ctx context.Context, skipped bool) {
		if skipped {
			s.logger.Debug("scheduled sync tick skipped, no recent changes")
			return
		}
		if _, err := s.ForceSync(ctx, SyncOptions{}); err != nil {
			s.logger.Error("scheduled sync failed", "error", err)
		}
	})
	s.scheduler.Start(ctx)
}

func (s *Synchronizer) hasRecentChange() bool {
	s.mu.Lock()
	pairs := make([]pairKey, 0, len(s.pairs))
	for k := range s.pairs {
		pairs = append(pairs, k)
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, p := range pairs {
		changes, err := s.DetectDifferences(ctx, p.source, p.target)
		if err == nil && changes.HasChanges() {
			return true
		}
	}
	return false
}

// NotifyChange routes an observed change through the pair's
// configured timing strategy: immediate pairs sync right away, batch
// pairs coalesce, scheduled pairs wait for the next tick.
func (s *Synchronizer) NotifyChange(ctx context.Context, sourceType, targetType string) {
	s.mu.Lock()
	state, ok := s.pairs[pairKey{sourceType, targetType}]
	s.mu.Unlock()
	if !ok {
		return
	}

	switch state.mode {
	case ModeImmediate:
		if _, err := s.Sync(ctx, sourceType, targetType, SyncOptions{}); err != nil {
			s.logger.Error("immediate sync failed", "source", sourceType, "target", targetType, "error", err)
		}
	case ModeBatch:
		if s.batch != nil {
			source, _, err := s.latestPair(ctx, sourceType, targetType)
			if err == nil {
				s.batch.Enqueue(ctx, sourceType, targetType, source.Payload)
			}
		}
	case ModeScheduled:
		// Reconciled on the next scheduler tick.
	}
}

func (s *Synchronizer) latestPair(ctx context.Context, sourceType, targetType string) (domain.Snapshot, domain.Snapshot, error) {
	source, ok, err := s.store.Latest(ctx, sourceType)
	if err != nil {
		return domain.Snapshot{}, domain.Snapshot{}, err
	}
	if !ok {
		return domain.Snapshot{}, domain.Snapshot{}, corerr.NotFound("statesync.sync", sourceType, corerr.ErrNoSuchSource)
	}
	target, ok, err := s.store.Latest(ctx, targetType)
	if err != nil {
		return domain.Snapshot{}, domain.Snapshot{}, err
	}
	if !ok {
		// No prior target snapshot: seed an empty one so the first sync
		// becomes a plain adoption of source with no conflicts.
		target = domain.Snapshot{TypeKey: targetType, Payload: map[string]interface{}{}}
	}
	return source, target, nil
}

// DetectDifferences reports the structural diff between the latest
// source and target snapshots.
func (s *Synchronizer) DetectDifferences(ctx context.Context, sourceType, targetType string) (Changes, error) {
	source, target, err := s.latestPair(ctx, sourceType, targetType)
	if err != nil {
		return Changes{}, err
	}
	return DetectChanges(source.Payload, target.Payload), nil
}

// Sync reconciles one (sourceType, targetType) pair per spec §4.2's
// reconciliation algorithm.
func (s *Synchronizer) Sync(ctx context.Context, sourceType, targetType string, opts SyncOptions) (SyncResult, error) {
	source, target, err := s.latestPair(ctx, sourceType, targetType)
	if err != nil {
		return SyncResult{}, err
	}

	s.mu.Lock()
	state, registered := s.pairs[pairKey{sourceType, targetType}]
	if !registered {
		state = &pairState{}
		s.pairs[pairKey{sourceType, targetType}] = state
	}
	base, hasBase := state.base, state.hasBase
	s.mu.Unlock()

	conflicts := ClassifyConflicts(source.Payload, target.Payload, base, hasBase)

	strategy := opts.Strategy
	if strategy == "" {
		strategy = s.defaultStrategy
	}

	merged := mergeAddedAndRemoved(source.Payload, target.Payload)
	resolutions := Resolve(conflicts, strategy, source.Timestamp, target.Timestamp, s.weights)
	for _, r := range resolutions {
		if r.Resolved {
			setField(merged, r.Conflict.Field, r.Value)
		}
	}

	unresolvedCritical := false
	for _, r := range resolutions {
		if !r.Resolved && r.Conflict.Severity == domain.SeverityHigh {
			unresolvedCritical = true
		}
	}

	result := SyncResult{Conflicts: conflicts, Resolutions: resolutions}
	if sj, err := json.Marshal(source.Payload); err == nil {
		if tj, err := json.Marshal(target.Payload); err == nil {
			if patch, err := MergePatchDigest(sj, tj); err == nil {
				result.PatchSize = len(patch)
			}
		}
	}

	if unresolvedCritical {
		result.OK = false
		return result, corerr.Conflict("statesync.sync", targetType, corerr.ErrConflictUnresolved)
	}

	allResolved := true
	for _, r := range resolutions {
		if !r.Resolved {
			allResolved = false
		}
	}

	newSnap := domain.Snapshot{
		StateID:   uuid.NewString(),
		TypeKey:   targetType,
		Payload:   merged,
		Timestamp: time.Now(),
	}
	saved, err := s.store.Append(ctx, newSnap)
	if err != nil {
		return SyncResult{}, err
	}

	s.mu.Lock()
	state.base = merged
	state.hasBase = true
	s.mu.Unlock()

	result.OK = allResolved
	result.StateID = saved.StateID

	if s.history != nil {
		if err := s.history.Append(ctx, HistoryRecord{
			Timestamp:   time.Now(),
			Source:      sourceType,
			Target:      targetType,
			Conflicts:   conflicts,
			Resolutions: resolutions,
		}); err != nil {
			s.logger.Error("recording sync history failed", "source", sourceType, "target", targetType, "error", err)
		}
	}

	return result, nil
}

// Conflicts enumerates currently pending conflicts for one pair (or,
// when sourceType/targetType are both empty, across every registered
// pair) without applying any resolution.
func (s *Synchronizer) Conflicts(ctx context.Context, sourceType, targetType string) ([]domain.Conflict, error) {
	pairs := []pairKey{{sourceType, targetType}}
	if sourceType == "" && targetType == "" {
		s.mu.Lock()
		pairs = pairs[:0]
		for k := range s.pairs {
			pairs = append(pairs, k)
		}
		s.mu.Unlock()
	}

	var all []domain.Conflict
	for _, p := range pairs {
		source, target, err := s.latestPair(ctx, p.source, p.target)
		if err != nil {
			continue
		}
		s.mu.Lock()
		state, ok := s.pairs[p]
		s.mu.Unlock()
		var base map[string]interface{}
		var hasBase bool
		if ok {
			base, hasBase = state.base, state.hasBase
		}
		all = append(all, ClassifyConflicts(source.Payload, target.Payload, base, hasBase)...)
	}
	return all, nil
}

// ForceSync performs a manual full reconciliation across every
// registered source/target pair.
func (s *Synchronizer) ForceSync(ctx context.Context, opts SyncOptions) ([]SyncResult, error) {
	s.mu.Lock()
	pairs := make([]pairKey, 0, len(s.pairs))
	for k := range s.pairs {
		pairs = append(pairs, k)
	}
	s.mu.Unlock()

	results := make([]SyncResult, 0, len(pairs))
	var firstErr error
	for _, p := range pairs {
		result, err := s.Sync(ctx, p.source, p.target, opts)
		results = append(results, result)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

// Stop releases the scheduler goroutine, if one is running.
func (s *Synchronizer) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.batch != nil {
		s.batch.Flush(context.Background())
	}
}

// mergeAddedAndRemoved builds the post-sync payload before conflict
// resolutions are applied: it's target plus every field source added
// that target doesn't have. Fields present in both are left as
// target's value here; ClassifyConflicts + Resolve decide the final
// value for anything that actually diverged.
func mergeAddedAndRemoved(source, target map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(target))
	for k, v := range target {
		out[k] = v
	}
	sflat := flatten("", source)
	tflat := flatten("", target)
	for path, v := range sflat {
		if _, ok := tflat[path]; !ok {
			setField(out, path, v)
		}
	}
	return out
}

// setField writes value at a dotted path inside m, creating
// intermediate maps as needed.
func setField(m map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	cur := m
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[seg] = next
		}
		cur = next
	}
}
