package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MergeFunc combines a pending value with a newer one for the same key.
type MergeFunc[T any] func(old, upd T) T

// FlushFunc writes one drained window. It must be idempotent by key.
type FlushFunc[K comparable, T any] func(ctx context.Context, batch map[K]T) error

// Replace is the default merge: the newest value wins.
func Replace[T any](_, upd T) T { return upd }

// Stats 批量写入统计
type Stats struct {
	Flushes  int64
	Failures int64
	Items    int64
}

// Batcher coalesces keyed updates over a time window and flushes them in
// one call. Add never blocks on the flush; a flush works on a detached map
// so values added meanwhile start the next window.
type Batcher[K comparable, T any] struct {
	name     string
	interval time.Duration
	merge    MergeFunc[T]
	flushFn  FlushFunc[K, T]
	observer func(name string, items int, dur time.Duration, err error)

	mu      sync.Mutex
	pending map[K]T
	stats   Stats

	// flushMu keeps the timer, manual Flush and Stop from writing concurrently
	flushMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a batcher. A nil merge replaces pending values.
func New[K comparable, T any](name string, interval time.Duration, merge MergeFunc[T], flush FlushFunc[K, T]) *Batcher[K, T] {
	if merge == nil {
		merge = Replace[T]
	}
	return &Batcher[K, T]{
		name:     name,
		interval: interval,
		merge:    merge,
		flushFn:  flush,
		pending:  make(map[K]T),
	}
}

// SetObserver installs a hook called after every non-empty flush (metrics).
func (b *Batcher[K, T]) SetObserver(fn func(name string, items int, dur time.Duration, err error)) {
	b.observer = fn
}

func (b *Batcher[K, T]) Name() string { return b.name }

// Start launches the periodic flush loop.
func (b *Batcher[K, T]) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.flushLoop()
	log.Info().Str("batch", b.name).Dur("interval", b.interval).Msg("batcher started")
}

// Add merges v into the pending window under key.
func (b *Batcher[K, T]) Add(key K, v T) {
	b.mu.Lock()
	if old, ok := b.pending[key]; ok {
		v = b.merge(old, v)
	}
	b.pending[key] = v
	b.mu.Unlock()
}

// Pending returns the number of keys waiting for the next flush.
func (b *Batcher[K, T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher[K, T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Batcher[K, T]) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			// failures are logged inside; the timer keeps running
			_ = b.Flush(b.ctx)
		}
	}
}

// Flush drains the pending window and writes it. The error is also logged
// and counted; a failed window is discarded, the next update repopulates it.
func (b *Batcher[K, T]) Flush(ctx context.Context) (err error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	window := b.pending
	b.pending = make(map[K]T, len(window))
	b.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush %s panicked: %v", b.name, r)
		}
		dur := time.Since(start)

		b.mu.Lock()
		b.stats.Flushes++
		if err != nil {
			b.stats.Failures++
		} else {
			b.stats.Items += int64(len(window))
		}
		b.mu.Unlock()

		if err != nil {
			log.Warn().Err(err).Str("batch", b.name).Int("items", len(window)).Msg("batch flush failed")
		} else {
			log.Debug().Str("batch", b.name).Int("items", len(window)).Dur("took", dur).Msg("batch flushed")
		}
		if b.observer != nil {
			b.observer(b.name, len(window), dur, err)
		}
	}()

	return b.flushFn(ctx, window)
}

// Stop halts the timer and performs one final flush.
func (b *Batcher[K, T]) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		_ = b.Flush(ctx)
		log.Info().Str("batch", b.name).Msg("batcher stopped")
	})
}
