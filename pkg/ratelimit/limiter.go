package ratelimit

import (
	"context"
	"log"
	"time"
)

// Decision は1回の要求に対する判定結果。
type Decision struct {
	// Allowed は要求を通してよいかどうか。
	Allowed bool
	// Limit はウィンドウあたりの上限。
	Limit int
	// Remaining はこの判定後に残っている要求数。
	Remaining int
	// Reset は枠が回復するまでの時間。
	Reset time.Duration
	// RetryAfter は拒否時に再試行を勧める時間。許可時は0。
	RetryAfter time.Duration
}

// Limiter はキーごとに要求の可否を判定する。
type Limiter interface {
	// Take はnow時点の要求を1件消費して判定する。
	Take(key string, now time.Time) Decision
}

// Service は判定と統計記録をまとめる。HTTPには依存しない。
type Service struct {
	// Limiter は判定に使う戦略。nilなら常に許可する。
	Limiter Limiter
	// Stats は判定結果の記録先。nilなら記録しない。
	Stats StatsStore
	// Now は現在時刻の取得関数。nilなら time.Now を使う。
	Now func() time.Time
}

// Decide はkeyの要求を判定し、統計を記録する。routeは統計の集計単位。
func (s Service) Decide(ctx context.Context, key, method, route string) Decision {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if s.Limiter == nil {
		return Decision{Allowed: true}
	}

	dec := s.Limiter.Take(key, now)
	if s.Stats != nil {
		if err := s.Stats.Record(ctx, StatsEvent{
			Key:     key,
			Allowed: dec.Allowed,
			Method:  method,
			Route:   route,
			At:      now,
		}); err != nil {
			log.Printf("[RATELIMIT] 統計の記録に失敗: %v", err)
		}
	}
	return dec
}
