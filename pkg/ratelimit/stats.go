package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// 集計先のルートが決まらない場合の名前。
const (
	// UnmatchedRoute はルートテンプレートに一致しなかった要求の集計先。
	UnmatchedRoute = "unmatched"
	// OtherRoute はルート数の上限を超えた後の要求の集計先。
	OtherRoute = "other"
	// DefaultMaxRoutes は MemoryStatsStore が個別に数えるルート数の上限。
	DefaultMaxRoutes = 256
)

// StatsEvent は1回の判定結果。
// Route は生のパスではなくルートテンプレートや転送先など有限個の値にする。
type StatsEvent struct {
	Key     string
	Allowed bool
	Method  string
	Route   string
	At      time.Time
}

// Counters は許可数と拒否数。
type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// StatsStore は判定結果の記録先。
type StatsStore interface {
	// Record は判定結果を1件記録する。
	Record(ctx context.Context, ev StatsEvent) error
	// Totals は累計の許可数と拒否数を返す。
	Totals(ctx context.Context) (Counters, error)
}

// MemoryStatsStore はプロセス内に累計を保持する StatsStore。
// ルートごとの集計は maxRoutes 件までで、以降の新しいルートは OtherRoute にまとめる。
type MemoryStatsStore struct {
	mu        sync.Mutex
	total     Counters
	byRoute   map[string]Counters
	maxRoutes int
}

var _ StatsStore = (*MemoryStatsStore)(nil)

// NewMemoryStatsStore は空の MemoryStatsStore を生成する。
func NewMemoryStatsStore() *MemoryStatsStore {
	return NewMemoryStatsStoreWithLimit(DefaultMaxRoutes)
}

// NewMemoryStatsStoreWithLimit はルートごとの集計件数の上限を指定して MemoryStatsStore を生成する。
func NewMemoryStatsStoreWithLimit(maxRoutes int) *MemoryStatsStore {
	if maxRoutes < 1 {
		maxRoutes = 1
	}
	return &MemoryStatsStore{byRoute: make(map[string]Counters), maxRoutes: maxRoutes}
}

// Record は判定結果を累計に加える。
func (s *MemoryStatsStore) Record(_ context.Context, ev StatsEvent) error {
	route := routeName(ev)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byRoute[route]; !ok && len(s.byRoute) >= s.maxRoutes {
		route = OtherRoute
	}
	c := s.byRoute[route]
	if ev.Allowed {
		s.total.Allowed++
		c.Allowed++
	} else {
		s.total.Denied++
		c.Denied++
	}
	s.byRoute[route] = c
	return nil
}

// Totals は累計を返す。
func (s *MemoryStatsStore) Totals(_ context.Context) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, nil
}

// ByRoute はメソッドとルートごとの累計を返す。
func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

// RedisStatsStore はRedisのハッシュに累計と分単位の集計を記録する StatsStore。
// 記録するのは統計だけで、制限の判定はプロセス内で行う。
type RedisStatsStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ StatsStore = (*RedisStatsStore)(nil)

// RedisStatsOption は RedisStatsStore の設定を変更する。
type RedisStatsOption func(*RedisStatsStore)

// WithStatsPrefix はRedisキーの接頭辞を設定する。
func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithStatsTTL は分単位の集計キーの保持期間を設定する。
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

// NewRedisStatsStore はRedisクライアントから RedisStatsStore を生成する。
func NewRedisStatsStore(rdb *redis.Client, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "carhub:ratelimit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record は判定結果をパイプラインでまとめて加算する。
func (s *RedisStatsStore) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := counterField(ev.Allowed)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.totalKey(), field, 1)

	minuteKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, minuteKey, s.ttl)
	}

	routeKey := s.prefix + ":route"
	pipe.HIncrBy(ctx, routeKey, routeName(ev)+":"+field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, routeKey, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redisへの統計記録に失敗: %w", err)
	}
	return nil
}

// Totals は累計を読み出す。
func (s *RedisStatsStore) Totals(ctx context.Context) (Counters, error) {
	if s == nil || s.rdb == nil {
		return Counters{}, nil
	}

	vals, err := s.rdb.HGetAll(ctx, s.totalKey()).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("Redisからの統計取得に失敗: %w", err)
	}
	return parseCounters(vals), nil
}

// routeName は集計に使うルート名を返す。ルートが空なら UnmatchedRoute とする。
func routeName(ev StatsEvent) string {
	route := ev.Route
	if route == "" {
		route = UnmatchedRoute
	}
	return strings.TrimSpace(ev.Method + " " + route)
}

func (s *RedisStatsStore) totalKey() string {
	return s.prefix + ":total"
}

func counterField(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

// parseCounters はRedisハッシュの値を Counters に変換する。解析できない値は0とする。
func parseCounters(vals map[string]string) Counters {
	var c Counters
	c.Allowed, _ = strconv.ParseInt(vals["allowed"], 10, 64)
	c.Denied, _ = strconv.ParseInt(vals["denied"], 10, 64)
	return c
}
