package statesync

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridcmd/core/internal/domain"
	"github.com/hybridcmd/core/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "statesync-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return NewStore(storage.NewFileSystem(dir))
}

func TestSynchronizer_FirstSyncAdoptsSourceWithoutConflicts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sync := New(store, AutoMerge, nil, nil, nil)

	_, err := store.Append(ctx, domain.Snapshot{TypeKey: "pm.task", Payload: map[string]interface{}{"title": "write tests", "done": false}})
	require.NoError(t, err)

	result, err := sync.Sync(ctx, "pm.task", "agent.task", SyncOptions{})
	require.NoError(t, err)
	assert.True(t, result.OK, "expected ok=true for a conflict-free first sync, got conflicts=%v", result.Conflicts)

	target, ok, err := store.Latest(ctx, "agent.task")
	require.NoError(t, err)
	require.True(t, ok, "expected target snapshot to exist")
	assert.Equal(t, "write tests", target.Payload["title"])
}

func TestSynchronizer_SourceWinsStrategyPrefersSource(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sync := New(store, SourceWins, nil, nil, nil)

	store.Append(ctx, domain.Snapshot{TypeKey: "src", Payload: map[string]interface{}{"status": "in_progress"}})
	store.Append(ctx, domain.Snapshot{TypeKey: "dst", Payload: map[string]interface{}{"status": "todo"}})

	result, err := sync.Sync(ctx, "src", "dst", SyncOptions{})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)

	target, _, _ := store.Latest(ctx, "dst")
	assert.Equal(t, "in_progress", target.Payload["status"])
}

func TestSynchronizer_AutoMergeAveragesWeightedNumerics(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sync := New(store, AutoMerge, map[string]float64{"progress": 0.75}, nil, nil)

	store.Append(ctx, domain.Snapshot{TypeKey: "src", Payload: map[string]interface{}{"progress": 40.0}})
	store.Append(ctx, domain.Snapshot{TypeKey: "dst", Payload: map[string]interface{}{"progress": 80.0}})

	result, err := sync.Sync(ctx, "src", "dst", SyncOptions{})
	require.NoError(t, err)
	require.True(t, result.OK, "expected auto_merge to resolve a numeric conflict, got %v", result.Conflicts)

	target, _, _ := store.Latest(ctx, "dst")
	want := 40.0*0.25 + 80.0*0.75
	assert.Equal(t, want, target.Payload["progress"].(float64))
}

func TestSynchronizer_ThreeWayMergeUsesCommonBase(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sync := New(store, ThreeWayMerge, nil, nil, nil)

	// First sync establishes the common base.
	store.Append(ctx, domain.Snapshot{TypeKey: "src", Payload: map[string]interface{}{"owner": "alice"}})
	store.Append(ctx, domain.Snapshot{TypeKey: "dst", Payload: map[string]interface{}{"owner": "alice"}})
	_, err := sync.Sync(ctx, "src", "dst", SyncOptions{})
	require.NoError(t, err)

	// Only target changes afterward: source alone diverges from base should
	// not apply, source wins iff base matches target.
	store.Append(ctx, domain.Snapshot{TypeKey: "dst", Payload: map[string]interface{}{"owner": "bob"}})

	result, err := sync.Sync(ctx, "src", "dst", SyncOptions{})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)

	target, _, _ := store.Latest(ctx, "dst")
	assert.Equal(t, "bob", target.Payload["owner"])
}

func TestSynchronizer_DetectDifferences(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sync := New(store, AutoMerge, nil, nil, nil)

	store.Append(ctx, domain.Snapshot{TypeKey: "src", Payload: map[string]interface{}{"a": 1, "b": 2}})
	store.Append(ctx, domain.Snapshot{TypeKey: "dst", Payload: map[string]interface{}{"b": 3, "c": 4}})

	changes, err := sync.DetectDifferences(ctx, "src", "dst")
	require.NoError(t, err)
	require.True(t, changes.HasChanges())
	assert.Equal(t, []string{"a"}, changes.Added)
	assert.Equal(t, []string{"c"}, changes.Removed)
	assert.Equal(t, []string{"b"}, changes.Modified)
}

func TestSynchronizer_ForceSyncReconcilesEveryRegisteredPair(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sync := New(store, TargetWins, nil, nil, nil)

	sync.RegisterPair("src1", "dst1", ModeImmediate)
	sync.RegisterPair("src2", "dst2", ModeImmediate)

	for _, tk := range []string{"src1", "dst1", "src2", "dst2"} {
		store.Append(ctx, domain.Snapshot{TypeKey: tk, Payload: map[string]interface{}{"v": tk}})
	}

	results, err := sync.ForceSync(ctx, SyncOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSynchronizer_NoSuchSourceFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sync := New(store, AutoMerge, nil, nil, nil)

	_, err := sync.Sync(ctx, "missing", "dst", SyncOptions{})
	assert.Error(t, err)
}

func TestSynchronizer_StatusReportsRegisteredPairsAndDefaults(t *testing.T) {
	store := newTestStore(t)
	sync := New(store, NewestWins, nil, nil, nil)
	sync.RegisterPair("src", "dst", ModeImmediate)

	status := sync.Status()
	assert.Equal(t, 1, status.RegisteredPairs)
	assert.Equal(t, NewestWins, status.DefaultStrategy)
	assert.False(t, status.BatchEnabled)
	assert.False(t, status.ScheduledEnabled)

	pairs := sync.Pairs()
	require.Len(t, pairs, 1)
	assert.Equal(t, "src", pairs[0].Source)
	assert.Equal(t, "dst", pairs[0].Target)
}

func TestSynchronizer_HistoryRecordsSyncOutcomes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fs := store.fs
	history := NewHistoryLog(fs)
	sync := New(store, SourceWins, nil, nil, history)

	store.Append(ctx, domain.Snapshot{TypeKey: "src", Payload: map[string]interface{}{"status": "in_progress"}})
	store.Append(ctx, domain.Snapshot{TypeKey: "dst", Payload: map[string]interface{}{"status": "todo"}})

	_, err := sync.Sync(ctx, "src", "dst", SyncOptions{})
	require.NoError(t, err)

	records, stats := sync.History(10)
	require.Len(t, records, 1)
	assert.Equal(t, "src", records[0].Source)
	assert.Equal(t, "dst", records[0].Target)
	assert.Equal(t, 1, stats.Total)
}

func TestSynchronizer_ConflictsEnumeratesWithoutResolving(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sync := New(store, Manual, nil, nil, nil)

	store.Append(ctx, domain.Snapshot{TypeKey: "src", Payload: map[string]interface{}{"status": "in_progress"}})
	store.Append(ctx, domain.Snapshot{TypeKey: "dst", Payload: map[string]interface{}{"status": "todo"}})

	conflicts, err := sync.Conflicts(ctx, "src", "dst")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	// target must be untouched: Conflicts never calls Resolve or Append.
	target, _, _ := store.Latest(ctx, "dst")
	assert.Equal(t, "todo", target.Payload["status"])
}

func TestBatcher_CoalescesRepeatedChangesToSameKey(t *testing.T) {
	var flushed []*pendingChange
	b := newBatcher(10, time.Hour, time.Hour, func(ctx context.Context, changes []*pendingChange) {
		flushed = append(flushed, changes...)
	})

	ctx := context.Background()
	b.Enqueue(ctx, "src", "dst", map[string]interface{}{"a": 1})
	b.Enqueue(ctx, "src", "dst", map[string]interface{}{"b": 2})
	b.Flush(ctx)

	require.Len(t, flushed, 1, "expected changes to the same key to coalesce into 1 entry")
	assert.True(t, flushed[0].merged, "expected merged flag to be set")
	assert.Equal(t, 1, flushed[0].payload["a"])
	assert.Equal(t, 2, flushed[0].payload["b"])
}
