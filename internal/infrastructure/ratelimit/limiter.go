package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SlidingWindow allows at most limit calls in any trailing window.
//
// Every Reserve is assigned a slot immediately: now, or the moment the call
// limit places back leaves the window. Slots are handed out in call order so
// no waiter can be overtaken indefinitely.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time
	onWait func(time.Duration)

	mu    sync.Mutex
	slots []time.Time // ascending
}

type Option func(*SlidingWindow)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *SlidingWindow) { l.now = now }
}

// WithWaitObserver is called with the delay of every call that had to wait.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(l *SlidingWindow) { l.onWait = fn }
}

// New creates a limiter for limit calls per window. A non-positive limit
// disables limiting.
func New(limit int, window time.Duration, opts ...Option) *SlidingWindow {
	l := &SlidingWindow{limit: limit, window: window, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reserve blocks until the caller may proceed. If ctx ends first the slot is
// released and ctx.Err() returned.
func (l *SlidingWindow) Reserve(ctx context.Context) error {
	if l.limit <= 0 {
		return ctx.Err()
	}
	now := l.now()
	at := l.reserve(now)
	wait := at.Sub(now)
	if wait <= 0 {
		return nil
	}
	if l.onWait != nil {
		l.onWait(wait)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.release(at)
		return ctx.Err()
	}
}

// reserve records and returns the slot for a call arriving at now.
func (l *SlidingWindow) reserve(now time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	at := now
	if n := len(l.slots); n >= l.limit {
		if free := l.slots[n-l.limit].Add(l.window); free.After(at) {
			at = free
		}
	}
	i := sort.Search(len(l.slots), func(i int) bool { return l.slots[i].After(at) })
	l.slots = append(l.slots, time.Time{})
	copy(l.slots[i+1:], l.slots[i:])
	l.slots[i] = at
	return at
}

func (l *SlidingWindow) release(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.slots) - 1; i >= 0; i-- {
		if l.slots[i].Equal(at) {
			l.slots = append(l.slots[:i], l.slots[i+1:]...)
			return
		}
	}
}

// prune drops slots that have left the window ending at now.
func (l *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.slots) && !l.slots[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.slots = append(l.slots[:0], l.slots[i:]...)
	}
}

// InWindow returns the number of recorded calls in (at-window, at].
func (l *SlidingWindow) InWindow(at time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := at.Add(-l.window)
	n := 0
	for _, s := range l.slots {
		if s.After(cutoff) && !s.After(at) {
			n++
		}
	}
	return n
}
