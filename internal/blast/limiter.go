// Package blast enforces the global blast-radius cap: the fraction of all
// traffic affected by chaos, across every experiment combined, must stay at
// or below the configured maximum. The cap is statistical, not per-request
// exact; over a steady stream of traffic the observed affected ratio
// converges below the limit.
package blast

import "sync"

// DefaultWindow is the number of observations after which the counters reset.
// A bounded window keeps the limiter responsive to recent traffic instead of
// averaging over the whole process lifetime, and makes tests deterministic.
const DefaultWindow = 10000

// Limiter tracks how much traffic chaos has affected and gates new
// injections. It is the only shared mutable state on the hot path; every
// operation is a single short critical section.
type Limiter struct {
	mu         sync.Mutex
	maxPercent int
	window     uint64
	seen       uint64
	affected   uint64
}

// NewLimiter creates a limiter capping the affected fraction at
// maxPercent/100, counted over DefaultWindow-sized windows.
func NewLimiter(maxPercent int) *Limiter {
	return NewLimiterWindow(maxPercent, DefaultWindow)
}

// NewLimiterWindow creates a limiter with an explicit window size.
func NewLimiterWindow(maxPercent int, window uint64) *Limiter {
	if window == 0 {
		window = DefaultWindow
	}
	return &Limiter{maxPercent: maxPercent, window: window}
}

// Record counts a request that passed through without any fault. Pass-through
// traffic still widens the denominator, which is what lets later injections
// proceed.
func (l *Limiter) Record() {
	l.mu.Lock()
	l.observe(false)
	l.mu.Unlock()
}

// Observe asks permission to affect the current request. It returns true and
// commits the injection when the observed affected ratio is still below the
// cap; otherwise it returns false and the request only counts as seen.
func (l *Limiter) Observe() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxPercent <= 0 {
		l.observe(false)
		return false
	}
	if l.maxPercent >= 100 {
		l.observe(true)
		return true
	}
	// Ratio check uses the counts before this request. seen==0 means a fresh
	// window with the whole budget available.
	if l.seen > 0 && l.affected*100 >= uint64(l.maxPercent)*l.seen {
		l.observe(false)
		return false
	}
	l.observe(true)
	return true
}

// observe updates the counters and rolls the window. Callers hold mu.
func (l *Limiter) observe(affected bool) {
	if l.seen >= l.window {
		l.seen = 0
		l.affected = 0
	}
	l.seen++
	if affected {
		l.affected++
	}
}

// Counts returns the (seen, affected) counters of the current window.
func (l *Limiter) Counts() (seen, affected uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen, l.affected
}

// MaxPercent returns the configured cap.
func (l *Limiter) MaxPercent() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxPercent
}

// SetMaxPercent updates the cap, used on configuration reload. Counters are
// kept so a reload does not grant a fresh budget mid-window.
func (l *Limiter) SetMaxPercent(maxPercent int) {
	l.mu.Lock()
	l.maxPercent = maxPercent
	l.mu.Unlock()
}
