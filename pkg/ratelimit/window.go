package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow はキーごとに直近windowの要求時刻を保持するスライディングログ方式の Limiter。
type SlidingWindow struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	hits      map[string][]time.Time
	lastSweep time.Time
}

var _ Limiter = (*SlidingWindow)(nil)

// NewSlidingWindow はwindowあたりlimit件まで許可する Limiter を生成する。
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		max:    limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Take はnow時点の要求を判定する。拒否された要求は記録しない。
func (w *SlidingWindow) Take(key string, now time.Time) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sweepLocked(now)

	cutoff := now.Add(-w.window)
	hits := w.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	dec := Decision{Limit: w.max}
	if len(hits) < w.max {
		hits = append(hits, now)
		dec.Allowed = true
	}
	w.hits[key] = hits

	dec.Remaining = w.max - len(hits)
	if len(hits) > 0 {
		dec.Reset = hits[0].Add(w.window).Sub(now)
	}
	if !dec.Allowed {
		dec.RetryAfter = dec.Reset
	}
	return dec
}

// Keys は状態を保持しているキーの数を返す。
func (w *SlidingWindow) Keys() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hits)
}

// sweepLocked はwindowごとに1回、全要求が期限切れになったキーを削除する。
func (w *SlidingWindow) sweepLocked(now time.Time) {
	if now.Sub(w.lastSweep) < w.window {
		return
	}
	w.lastSweep = now

	cutoff := now.Add(-w.window)
	for k, hits := range w.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(w.hits, k)
		}
	}
}
