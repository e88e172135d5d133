package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket は golang.org/x/time/rate によるトークンバケット方式の Limiter。
// windowあたりlimit件の速度で補充し、最大limit件まで連続して許可する。
type TokenBucket struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	every     time.Duration
	entries   map[string]*bucketEntry
	lastSweep time.Time
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

var _ Limiter = (*TokenBucket)(nil)

// NewTokenBucket はwindowあたりlimit件の速度のトークンバケットを生成する。
func NewTokenBucket(limit int, window time.Duration) *TokenBucket {
	limit = max(limit, 1)
	return &TokenBucket{
		max:     limit,
		window:  window,
		every:   window / time.Duration(limit),
		entries: make(map[string]*bucketEntry),
	}
}

// Take はnow時点の要求を判定する。
func (b *TokenBucket) Take(key string, now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sweepLocked(now)

	ent, ok := b.entries[key]
	if !ok {
		ent = &bucketEntry{lim: rate.NewLimiter(rate.Every(b.every), b.max)}
		b.entries[key] = ent
	}
	ent.lastSeen = now

	dec := Decision{Limit: b.max, Allowed: ent.lim.AllowN(now, 1)}
	tokens := ent.lim.TokensAt(now)
	dec.Remaining = max(int(tokens), 0)
	dec.Reset = time.Duration((float64(b.max) - tokens) * float64(b.every))
	if !dec.Allowed {
		dec.RetryAfter = time.Duration((1 - tokens) * float64(b.every))
	}
	return dec
}

// Keys は状態を保持しているキーの数を返す。
func (b *TokenBucket) Keys() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// sweepLocked はwindowごとに1回、window以上アクセスの無いキーを削除する。
// その時点でバケットは満杯に戻っているため、削除しても判定は変わらない。
func (b *TokenBucket) sweepLocked(now time.Time) {
	if now.Sub(b.lastSweep) < b.window {
		return
	}
	b.lastSweep = now

	cutoff := now.Add(-b.window)
	for k, ent := range b.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(b.entries, k)
		}
	}
}
