package ratelimit

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// AsyncStatsStore は判定結果をバッファに積み、別のゴルーチンで下位の StatsStore に記録する。
// 記録先が遅くても要求の処理は待たない。バッファが埋まっている間の判定結果は捨てる。
type AsyncStatsStore struct {
	next    StatsStore
	events  chan StatsEvent
	timeout time.Duration
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

var _ StatsStore = (*AsyncStatsStore)(nil)

// NewAsyncStatsStore は next への記録を非同期にする AsyncStatsStore を生成し、記録用のゴルーチンを起動する。
// timeout は1件の記録と Totals の上限時間。
func NewAsyncStatsStore(next StatsStore, buffer int, timeout time.Duration) *AsyncStatsStore {
	if buffer < 1 {
		buffer = 1
	}
	s := &AsyncStatsStore{
		next:    next,
		events:  make(chan StatsEvent, buffer),
		timeout: timeout,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Record は判定結果をバッファに積む。ブロックせず、常にnilを返す。
func (s *AsyncStatsStore) Record(_ context.Context, ev StatsEvent) error {
	select {
	case <-s.quit:
		return nil
	default:
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Totals は下位の StatsStore から累計を読み出す。
func (s *AsyncStatsStore) Totals(ctx context.Context) (Counters, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.next.Totals(ctx)
}

// Dropped はバッファが埋まっていたため捨てた判定結果の件数を返す。
func (s *AsyncStatsStore) Dropped() int64 {
	return s.dropped.Load()
}

// Close は受付を止め、バッファに残った判定結果を記録し終えるまで待つ。
func (s *AsyncStatsStore) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

func (s *AsyncStatsStore) run() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.events:
			s.record(ev)
		case <-s.quit:
			for {
				select {
				case ev := <-s.events:
					s.record(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncStatsStore) record(ev StatsEvent) {
	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()
	if err := s.next.Record(ctx, ev); err != nil {
		log.Printf("[RATELIMIT] 統計の記録に失敗: %v", err)
	}
}

func (s *AsyncStatsStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
