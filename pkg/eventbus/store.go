package eventbus

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/hybridcmd/core/internal/storage"
)

// Store persists published events to an append-only log, one JSON
// record per line, laid out under <dataDir>/events/YYYY/MM/DD/*.log
// per spec §6. It is also the source replay() reads from.
type Store struct {
	fs         *storage.FileSystem
	serializer *Serializer
}

// NewStore builds a Store rooted at dataDir (the FileSystem already
// sanitizes every path it's given).
func NewStore(fs *storage.FileSystem, serializer *Serializer) *Store {
	if serializer == nil {
		serializer = NewSerializer()
	}
	return &Store{fs: fs, serializer: serializer}
}

func logPath(ts time.Time) string {
	return path.Join("events",
		ts.Format("2006"), ts.Format("01"), ts.Format("02"), "events.log")
}

// Append writes one event to its day's log file.
func (s *Store) Append(ctx context.Context, evt Event) error {
	data, err := s.serializer.Encode(evt)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return s.fs.AppendLine(ctx, logPath(evt.Timestamp), data)
}

// ReplayFilter narrows which stored events Replay visits.
type ReplayFilter struct {
	FromTS    time.Time
	ToTS      time.Time
	TypeFilter string // empty matches every type
}

func (f ReplayFilter) matches(evt Event) bool {
	if !f.FromTS.IsZero() && evt.Timestamp.Before(f.FromTS) {
		return false
	}
	if !f.ToTS.IsZero() && evt.Timestamp.After(f.ToTS) {
		return false
	}
	if f.TypeFilter != "" && evt.Type != f.TypeFilter {
		return false
	}
	return true
}

// Replay reads every stored event matching filter, in store order,
// invoking cb for each. It stops at the first error cb returns.
func (s *Store) Replay(ctx context.Context, filter ReplayFilter, cb func(Event) error) error {
	days := daysInRange(filter.FromTS, filter.ToTS)
	for _, day := range days {
		data, err := s.fs.Load(ctx, logPath(day))
		if err != nil {
			continue // no events that day
		}
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			evt, err := s.serializer.Decode(line)
			if err != nil {
				continue
			}
			if !filter.matches(evt) {
				continue
			}
			if err := cb(evt); err != nil {
				return err
			}
		}
	}
	return nil
}

// daysInRange enumerates every calendar day touched by [from, to]. A
// zero from/to defaults to "all of history" bounded to the last 365
// days, which is enough for any realistic replay window while keeping
// the directory walk bounded.
func daysInRange(from, to time.Time) []time.Time {
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() {
		from = to.AddDate(-1, 0, 0)
	}
	from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	to = time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, to.Location())

	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
