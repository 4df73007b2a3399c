package resilience

import "time"

// bucket aggregates request outcomes for one fixed-width slice of the
// sliding window.
type bucket struct {
	start             time.Time
	total             int64
	success           int64
	failures          int64
	totalResponseTime time.Duration
	max               time.Duration
	min               time.Duration
}

// window is a ring of buckets covering windowDuration, used to compute
// the rolling (total, success, failures, avgResponseTime, max, min)
// tuple the trip strategies read from.
type window struct {
	bucketWidth time.Duration
	maxBuckets  int
	buckets     []bucket
}

func newWindow(maxBuckets int, windowDuration time.Duration) *window {
	width := windowDuration / time.Duration(maxBuckets)
	if width <= 0 {
		width = time.Second
	}
	return &window{bucketWidth: width, maxBuckets: maxBuckets}
}

// currentBucket returns the bucket for "now", evicting any buckets
// that have aged out of the window.
func (w *window) currentBucket(now time.Time) *bucket {
	bucketStart := now.Truncate(w.bucketWidth)

	cutoff := bucketStart.Add(-w.bucketWidth * time.Duration(w.maxBuckets-1))
	for len(w.buckets) > 0 && w.buckets[0].start.Before(cutoff) {
		w.buckets = w.buckets[1:]
	}

	if len(w.buckets) > 0 && w.buckets[len(w.buckets)-1].start.Equal(bucketStart) {
		return &w.buckets[len(w.buckets)-1]
	}

	w.buckets = append(w.buckets, bucket{start: bucketStart})
	if len(w.buckets) > w.maxBuckets {
		w.buckets = w.buckets[len(w.buckets)-w.maxBuckets:]
	}
	return &w.buckets[len(w.buckets)-1]
}

func (w *window) record(success bool, elapsed time.Duration) {
	now := time.Now()
	b := w.currentBucket(now)
	b.total++
	b.totalResponseTime += elapsed
	if success {
		b.success++
	} else {
		b.failures++
	}
	if b.max == 0 || elapsed > b.max {
		b.max = elapsed
	}
	if b.min == 0 || elapsed < b.min {
		b.min = elapsed
	}
}

// summary aggregates every live bucket into the tuple trip strategies
// and observability both read.
func (w *window) summary() (total, success, failures int64, avgResponseTime, max, min time.Duration) {
	var totalRT time.Duration
	for _, b := range w.buckets {
		total += b.total
		success += b.success
		failures += b.failures
		totalRT += b.totalResponseTime
		if b.max > max {
			max = b.max
		}
		if min == 0 || (b.min > 0 && b.min < min) {
			min = b.min
		}
	}
	if total > 0 {
		avgResponseTime = totalRT / time.Duration(total)
	}
	return total, success, failures, avgResponseTime, max, min
}
