package statesync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hybridcmd/core/internal/corerr"
	"github.com/hybridcmd/core/internal/domain"
	"github.com/hybridcmd/core/internal/storage"
)

const conflictHistoryPath = "conflicts/history.json"

// conflictHistoryCap bounds the in-memory rolling window kept for
// sync:history; the on-disk log keeps every record.
const conflictHistoryCap = 1000

// HistoryRecord is one reconciliation's conflict/resolution outcome,
// persisted to conflicts/history.json per spec §6's file layout.
type HistoryRecord struct {
	Timestamp   time.Time    `json:"timestamp"`
	Source      string       `json:"source"`
	Target      string       `json:"target"`
	Conflicts   []domain.Conflict `json:"conflicts"`
	Resolutions []Resolution `json:"resolutions"`
}

// HistoryLog is the rolling window of resolution records backing
// sync:history and sync:conflicts, grounded on the eventbus Store's
// append-only file idiom.
type HistoryLog struct {
	fs *storage.FileSystem

	mu      sync.Mutex
	recent  []HistoryRecord
}

// NewHistoryLog builds a HistoryLog writing through fs.
func NewHistoryLog(fs *storage.FileSystem) *HistoryLog {
	return &HistoryLog{fs: fs}
}

// Append records one sync's outcome, persisting it and trimming the
// in-memory window to conflictHistoryCap.
func (h *HistoryLog) Append(ctx context.Context, rec HistoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return corerr.Internal("statesync.history.append", rec.Target, err)
	}

	h.mu.Lock()
	h.recent = append(h.recent, rec)
	if len(h.recent) > conflictHistoryCap {
		h.recent = h.recent[len(h.recent)-conflictHistoryCap:]
	}
	h.mu.Unlock()

	if h.fs == nil {
		return nil
	}
	if err := h.fs.AppendLine(ctx, conflictHistoryPath, data); err != nil {
		return corerr.Storage("statesync.history.append", rec.Target, err)
	}
	return nil
}

// Recent returns up to limit records, most recent first. limit <= 0
// means "all kept in memory".
func (h *HistoryLog) Recent(limit int) []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HistoryRecord, n)
	for i := 0; i < n; i++ {
		out[i] = h.recent[len(h.recent)-1-i]
	}
	return out
}

// ConflictStats summarizes severity counts across a set of records,
// feeding sync:history's "conflict stats" requirement.
type ConflictStats struct {
	Total    int
	BySeverity map[domain.Severity]int
	Unresolved int
}

func (h *HistoryLog) Stats(records []HistoryRecord) ConflictStats {
	stats := ConflictStats{BySeverity: make(map[domain.Severity]int)}
	for _, rec := range records {
		for _, c := range rec.Conflicts {
			stats.Total++
			stats.BySeverity[c.Severity]++
		}
		for _, r := range rec.Resolutions {
			if !r.Resolved {
				stats.Unresolved++
			}
		}
	}
	return stats
}
