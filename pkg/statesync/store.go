// Package statesync implements the StateSynchronizer described in
// spec.md §4.2: versioned snapshot storage, conflict detection and
// resolution, and three sync-timing strategies (immediate, batch,
// scheduled).
package statesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hybridcmd/core/internal/corerr"
	"github.com/hybridcmd/core/internal/domain"
	"github.com/hybridcmd/core/internal/storage"
)

// Store persists versioned Snapshots to
// <dataDir>/states/<typeKey>/v<N>.json. History is append-only: Save
// never overwrites an existing version.
type Store struct {
	fs *storage.FileSystem

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewStore builds a Store rooted at the FileSystem's base directory.
func NewStore(fs *storage.FileSystem) *Store {
	return &Store{fs: fs, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(typeKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[typeKey]
	if !ok {
		l = &sync.Mutex{}
		s.locks[typeKey] = l
	}
	return l
}

func versionPath(typeKey string, version int) string {
	return fmt.Sprintf("states/%s/v%d.json", typeKey, version)
}

// Versions lists every stored version number for typeKey, ascending.
func (s *Store) Versions(ctx context.Context, typeKey string) ([]int, error) {
	matches, err := s.fs.List(ctx, fmt.Sprintf("states/%s/v*.json", typeKey))
	if err != nil {
		return nil, corerr.Storage("statesync.versions", typeKey, err)
	}
	var versions []int
	for _, m := range matches {
		base := strings.TrimSuffix(m[strings.LastIndex(m, "/v")+2:], ".json")
		n, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		versions = append(versions, n)
	}
	sort.Ints(versions)
	return versions, nil
}

// Latest returns the highest-versioned snapshot stored for typeKey.
func (s *Store) Latest(ctx context.Context, typeKey string) (domain.Snapshot, bool, error) {
	versions, err := s.Versions(ctx, typeKey)
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	if len(versions) == 0 {
		return domain.Snapshot{}, false, nil
	}
	snap, err := s.Load(ctx, typeKey, versions[len(versions)-1])
	return snap, err == nil, err
}

// Load reads one specific version of a typeKey's snapshot history.
func (s *Store) Load(ctx context.Context, typeKey string, version int) (domain.Snapshot, error) {
	data, err := s.fs.Load(ctx, versionPath(typeKey, version))
	if err != nil {
		return domain.Snapshot{}, corerr.NotFound("statesync.load", typeKey, err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, corerr.Internal("statesync.load", typeKey, err)
	}
	return snap, nil
}

// Append stores a new snapshot as the next version for its typeKey.
// Per §4.2's "store write failures abort the sync atomically", a
// single failed write here must not leave a half-written file: the
// caller sees the error and nothing else is touched.
func (s *Store) Append(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, error) {
	lock := s.lockFor(snap.TypeKey)
	lock.Lock()
	defer lock.Unlock()

	versions, err := s.Versions(ctx, snap.TypeKey)
	if err != nil {
		return domain.Snapshot{}, err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}
	snap.Version = next

	data, err := json.Marshal(snap)
	if err != nil {
		return domain.Snapshot{}, corerr.Internal("statesync.append", snap.TypeKey, err)
	}
	if err := s.fs.Save(ctx, versionPath(snap.TypeKey, next), data); err != nil {
		return domain.Snapshot{}, corerr.Storage("statesync.append", snap.TypeKey, err)
	}
	return snap, nil
}

// TypeKeys lists every typeKey with at least one stored snapshot.
func (s *Store) TypeKeys(ctx context.Context) ([]string, error) {
	matches, err := s.fs.List(ctx, "states/*/v*.json")
	if err != nil {
		return nil, corerr.Storage("statesync.typekeys", "", err)
	}
	seen := make(map[string]bool)
	var keys []string
	for _, m := range matches {
		parts := strings.SplitN(m, "/", 3)
		if len(parts) < 2 {
			continue
		}
		typeKey := parts[1]
		if !seen[typeKey] {
			seen[typeKey] = true
			keys = append(keys, typeKey)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Cleanup prunes stored snapshots per typeKey down to maxVersions most
// recent versions (0 means unlimited) and, when maxAge > 0, additionally
// deletes any version older than maxAge regardless of count, always
// keeping the latest version for each typeKey. It returns the number of
// files removed.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration, maxVersions int) (int, error) {
	typeKeys, err := s.TypeKeys(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	now := time.Now()
	for _, typeKey := range typeKeys {
		versions, err := s.Versions(ctx, typeKey)
		if err != nil || len(versions) == 0 {
			continue
		}
		latest := versions[len(versions)-1]

		for _, v := range versions {
			if v == latest {
				continue
			}
			prune := false
			if maxVersions > 0 && len(versions)-indexOf(versions, v) > maxVersions {
				prune = true
			}
			if maxAge > 0 {
				snap, err := s.Load(ctx, typeKey, v)
				if err == nil && now.Sub(snap.Timestamp) > maxAge {
					prune = true
				}
			}
			if !prune {
				continue
			}
			if err := s.fs.Delete(ctx, versionPath(typeKey, v)); err != nil {
				return removed, corerr.Storage("statesync.cleanup", typeKey, err)
			}
			removed++
		}
	}
	return removed, nil
}

func indexOf(versions []int, v int) int {
	for i, n := range versions {
		if n == v {
			return i
		}
	}
	return -1
}
