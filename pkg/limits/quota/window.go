package quota

import (
	"sync"
	"time"
)

// Window is a sliding window counter over fixed-size buckets. Buckets older
// than the window are pruned on every read and write, so Sum never sees a
// reset spike the way a fixed window would.
//
// A one-minute window with one-second buckets holds 60 buckets.
type Window[T int64 | float64] struct {
	window     time.Duration
	bucketSize time.Duration
	buckets    []windowBucket[T]
	head       int
	mu         sync.Mutex
}

type windowBucket[T int64 | float64] struct {
	start time.Time
	value T
}

// NewWindow creates a sliding window of the given span and granularity.
func NewWindow[T int64 | float64](window, bucketSize time.Duration) *Window[T] {
	n := int(window / bucketSize)
	if n == 0 {
		n = 1
	}
	return &Window[T]{
		window:     window,
		bucketSize: bucketSize,
		buckets:    make([]windowBucket[T], n),
	}
}

// Add adds v to the bucket containing now.
func (w *Window[T]) Add(now time.Time, v T) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	w.bucketLocked(now).value += v
}

// Sum returns the total over the window ending at now.
func (w *Window[T]) Sum(now time.Time) T {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	var sum T
	for _, b := range w.buckets {
		if !b.start.IsZero() {
			sum += b.value
		}
	}
	return sum
}

// Reset clears every bucket.
func (w *Window[T]) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	clear(w.buckets)
	w.head = 0
}

func (w *Window[T]) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	for i := range w.buckets {
		if !w.buckets[i].start.IsZero() && !w.buckets[i].start.After(cutoff) {
			w.buckets[i] = windowBucket[T]{}
		}
	}
}

// bucketLocked returns the bucket for now, recycling an empty or the
// oldest slot when none exists.
func (w *Window[T]) bucketLocked(now time.Time) *windowBucket[T] {
	start := now.Truncate(w.bucketSize)

	if w.buckets[w.head].start.Equal(start) {
		return &w.buckets[w.head]
	}
	for i := range w.buckets {
		if w.buckets[i].start.Equal(start) {
			w.head = i
			return &w.buckets[i]
		}
	}

	target := -1
	for i := range w.buckets {
		if w.buckets[i].start.IsZero() {
			target = i
			break
		}
	}
	if target == -1 {
		target = 0
		for i := 1; i < len(w.buckets); i++ {
			if w.buckets[i].start.Before(w.buckets[target].start) {
				target = i
			}
		}
	}

	w.buckets[target] = windowBucket[T]{start: start}
	w.head = target
	return &w.buckets[target]
}
