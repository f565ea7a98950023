// Package reliability tracks the rolling error-class counters and the
// flush-error-rate saturation alert the admin surface reports (spec.md
// section 7): counts of errors by class over a trailing 5-minute window,
// and whether the flush error rate over that window exceeds 10%.
package reliability

import (
	"sync"
	"time"
)

// ErrorClass is one of the taxonomy buckets spec.md section 7 names.
type ErrorClass string

const (
	ClassConfig            ErrorClass = "config"
	ClassTransientStorage   ErrorClass = "transient_storage"
	ClassTransientExternal ErrorClass = "transient_external"
	ClassPermanentExternal ErrorClass = "permanent_external"
	ClassLogicFault        ErrorClass = "logic_fault"
)

const (
	windowSize            = 5 * time.Minute
	flushSaturationThreshold = 0.10
)

type event struct {
	class ErrorClass
	at    time.Time
}

// flushOutcome records one flush attempt's pass/fail for the saturation
// ratio, independent of the per-class error counters above.
type flushOutcome struct {
	failed bool
	at     time.Time
}

// Tracker is a rolling 5-minute window of error events and flush outcomes.
// All methods are safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	events []event
	flushes []flushOutcome
	now    func() time.Time
}

// New creates a Tracker. now defaults to time.Now if nil (tests can
// substitute a controllable clock).
func New(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// RecordError appends one error of class c at the current time.
func (t *Tracker) RecordError(class ErrorClass) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event{class: class, at: t.now()})
	t.prune()
}

// RecordFlush appends one flush outcome; failed indicates the flush's
// transaction was cancelled and its buffers cleared.
func (t *Tracker) RecordFlush(failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushes = append(t.flushes, flushOutcome{failed: failed, at: t.now()})
	t.prune()
}

// prune drops events and flushes older than windowSize. Callers must hold
// t.mu.
func (t *Tracker) prune() {
	cutoff := t.now().Add(-windowSize)
	t.events = dropBefore(t.events, cutoff, func(e event) time.Time { return e.at })
	t.flushes = dropBefore(t.flushes, cutoff, func(f flushOutcome) time.Time { return f.at })
}

func dropBefore[T any](xs []T, cutoff time.Time, at func(T) time.Time) []T {
	i := 0
	for i < len(xs) && at(xs[i]).Before(cutoff) {
		i++
	}
	if i == 0 {
		return xs
	}
	return append([]T{}, xs[i:]...)
}

// Status is the snapshot the admin surface's /api/system/status endpoint
// reports.
type Status struct {
	ErrorsByClass    map[ErrorClass]int
	FlushErrorRate   float64
	SaturationAlert  bool
	WindowSeconds    int
}

// Snapshot computes the current window's per-class counts and flush
// saturation state.
func (t *Tracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()

	byClass := make(map[ErrorClass]int)
	for _, e := range t.events {
		byClass[e.class]++
	}

	rate := 0.0
	if len(t.flushes) > 0 {
		failed := 0
		for _, f := range t.flushes {
			if f.failed {
				failed++
			}
		}
		rate = float64(failed) / float64(len(t.flushes))
	}

	return Status{
		ErrorsByClass:   byClass,
		FlushErrorRate:  rate,
		SaturationAlert: rate > flushSaturationThreshold,
		WindowSeconds:   int(windowSize.Seconds()),
	}
}
