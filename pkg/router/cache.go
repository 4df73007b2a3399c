package router

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hybridcmd/core/internal/domain"
)

// Cache memoizes StrategyEvaluation results keyed by (strategyName,
// commandType, complexityBucket, intent, requirementsDigest), per
// spec §4.3's cache key. Eviction is plain LRU at cacheSize.
type Cache struct {
	lru *lru.Cache[string, domain.StrategyEvaluation]
}

// NewCache builds a Cache holding at most size entries.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = 1
	}
	c, _ := lru.New[string, domain.StrategyEvaluation](size)
	return &Cache{lru: c}
}

// Get looks up a previously cached evaluation for this (strategy,
// analysis) pair.
func (c *Cache) Get(strategyName string, analysis domain.CommandAnalysis) (domain.StrategyEvaluation, bool) {
	return c.lru.Get(cacheKey(strategyName, analysis))
}

// Put stores an evaluation result under its canonical key.
func (c *Cache) Put(strategyName string, analysis domain.CommandAnalysis, eval domain.StrategyEvaluation) {
	c.lru.Add(cacheKey(strategyName, analysis), eval)
}

// cacheKey buckets complexity to the nearest 0.1 and digests the
// requirements structurally so key order never produces spurious
// misses.
func cacheKey(strategyName string, analysis domain.CommandAnalysis) string {
	bucket := int(analysis.Complexity*10 + 0.5)
	return fmt.Sprintf("%s|%s|%d|%s|%s", strategyName, analysis.CommandType, bucket, analysis.Intent, requirementsDigest(analysis.Requirements))
}

// requirementsDigest hashes a canonicalized (sorted) view of the
// requirements so {files:[a,b]} and {files:[b,a]} collide on the same
// cache entry.
func requirementsDigest(r domain.Requirements) string {
	files := append([]string(nil), r.Files...)
	tech := append([]string(nil), r.Technologies...)
	actions := append([]string(nil), r.Actions...)
	sort.Strings(files)
	sort.Strings(tech)
	sort.Strings(actions)

	canonical := strings.Join(files, ",") + "|" + strings.Join(tech, ",") + "|" + strings.Join(actions, ",")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}
