package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/carhub/pkg/httpclient"
	"github.com/nao1215/carhub/pkg/middleware"
	"github.com/nao1215/carhub/pkg/ratelimit"
	"github.com/nao1215/carhub/pkg/serve"
	"github.com/redis/go-redis/v9"
)

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg は起動設定。
	cfg Config
	// authClient はセッション検証とログアウトに使う認証サービスのクライアント。
	authClient *httpclient.Client
	// loginClient はフォームログインに使う認証サービスのクライアント。
	loginClient *httpclient.Client
	// carClient はフォーム操作に使う車両サービスのクライアント。
	carClient *httpclient.Client
	// table はプレフィックスによる転送先の表。
	table *Table
	// probes は /gateway/services で状態を確認するサービス。
	probes []probe
	// stats は制限の判定結果の記録先。
	stats ratelimit.StatsStore
	// rdb は統計を記録するRedisクライアント。未設定ならnil。
	rdb *redis.Client
	// asyncStats はRedisへの記録を要求の処理から切り離す。rdb が未設定ならnil。
	asyncStats *ratelimit.AsyncStatsStore
	// startedAt は起動時刻。
	startedAt time.Time
}

const (
	// redisTimeout はRedisへの接続と1回の読み書きの上限時間。
	redisTimeout = 200 * time.Millisecond
	// statsBuffer は記録待ちにできる判定結果の件数。
	statsBuffer = 1024
)

// NewServer は設定から新しいGatewayサーバーを生成する。
// RedisAddr が設定されていれば制限の統計をRedisに非同期で記録する。
// Redisが応答しなくても要求の処理は待たない。
func NewServer(cfg Config) (*Server, error) {
	if cfg.RedisAddr == "" {
		return newServer(cfg, ratelimit.NewMemoryStatsStore())
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  redisTimeout,
		ReadTimeout:  redisTimeout,
		WriteTimeout: redisTimeout,
		MaxRetries:   -1,
	})
	async := ratelimit.NewAsyncStatsStore(
		ratelimit.NewRedisStatsStore(rdb, ratelimit.WithStatsTTL(cfg.RateLimitWindow*4)),
		statsBuffer, 2*redisTimeout)
	log.Printf("[GATEWAY] 制限の統計をRedisに記録します: %s", cfg.RedisAddr)

	s, err := newServer(cfg, async)
	if err != nil {
		async.Close()
		_ = rdb.Close()
		return nil, err
	}
	s.rdb = rdb
	s.asyncStats = async
	return s, nil
}

// newServer は統計の記録先を注入してサーバーを組み立てる。
func newServer(cfg Config, stats ratelimit.StatsStore) (*Server, error) {
	limiter, err := newLimiter(cfg)
	if err != nil {
		return nil, err
	}
	table, err := newProxyTable(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		authClient:  httpclient.New(cfg.AuthURL, cfg.AuthTimeout),
		loginClient: httpclient.New(cfg.AuthURL, cfg.LoginTimeout),
		carClient:   httpclient.New(cfg.CarURL, cfg.BackendTimeout),
		table:       table,
		stats:       stats,
		startedAt:   time.Now(),
	}
	s.probes = []probe{
		{name: "Auth Service", client: httpclient.New(cfg.AuthURL, cfg.ProbeTimeout)},
		{name: "Car Service", client: httpclient.New(cfg.CarURL, cfg.ProbeTimeout)},
	}
	if cfg.FrontendURL != "" {
		s.probes = append([]probe{
			{name: "Frontend Service", client: httpclient.New(cfg.FrontendURL, cfg.ProbeTimeout)},
		}, s.probes...)
	}

	router := gin.New()
	router.RedirectTrailingSlash = false
	router.Use(middleware.Recovery("API Gateway"))
	router.Use(middleware.RequestID())
	router.Use(gin.Logger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(ratelimit.Middleware(ratelimit.Options{
		Service:            ratelimit.Service{Limiter: limiter, Stats: stats},
		RouteFn:            s.statsRoute,
		TrustXForwardedFor: cfg.TrustXFF,
		RetryAfterText:     ratelimit.WindowText(cfg.RateLimitWindow),
	}))
	router.Use(middleware.MethodOverride(isAPIPath))
	router.Use(s.authGate())
	s.router = router
	s.setupRoutes()

	return s, nil
}

// newLimiter は設定された戦略の制限器を生成する。
func newLimiter(cfg Config) (ratelimit.Limiter, error) {
	switch cfg.RateLimitStrategy {
	case StrategyWindow, "":
		return ratelimit.NewSlidingWindow(cfg.RateLimitMax, cfg.RateLimitWindow), nil
	case StrategyBucket:
		return ratelimit.NewTokenBucket(cfg.RateLimitMax, cfg.RateLimitWindow), nil
	default:
		return nil, fmt.Errorf("未知の制限戦略です: %q", cfg.RateLimitStrategy)
	}
}

// newProxyTable は設定から転送先の表を組み立てる。
func newProxyTable(cfg Config) (*Table, error) {
	targets := []Target{
		{Name: "Auth service", Prefix: "/api/auth", BaseURL: cfg.AuthURL, Route: "/api/auth/*"},
		{Name: "Car service", Prefix: "/api/cars", BaseURL: cfg.CarURL, Replace: "/cars", InjectIdentity: true, Route: "/api/cars/*"},
		{Name: "Car service", Prefix: "/api/stats", BaseURL: cfg.CarURL, Replace: "/stats", InjectIdentity: true, Route: "/api/stats"},
	}
	if cfg.FrontendURL != "" {
		targets = append(targets, Target{Name: "Frontend service", Prefix: "/", BaseURL: cfg.FrontendURL, InjectIdentity: true, Route: "/*"})
	}
	return NewTable(cfg.BackendTimeout, targets...)
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまでブロックする。
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			log.Printf("[GATEWAY] Redisに接続できません。統計は記録されません: %v", err)
		}
	}
	return serve.Run(ctx, fmt.Sprintf(":%s", s.cfg.Port), s.router)
}

// Close は統計の記録を止め、Redisとの接続を閉じる。
func (s *Server) Close() {
	if s.asyncStats != nil {
		s.asyncStats.Close()
	}
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
}

// statsRoute は制限の統計の集計単位を返す。
// Gatewayが応答するルートはそのテンプレート、転送するパスは転送先のルート表記を使う。
func (s *Server) statsRoute(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	if tg, ok := s.table.Match(c.Request.URL.Path); ok && tg.Route != "" {
		return tg.Route
	}
	return ratelimit.UnmatchedRoute
}

// setupRoutes はルーティングを設定する。
// Gateway自身が応答するパス以外は dispatch でフォーム操作か転送に振り分ける。
func (s *Server) setupRoutes() {
	gw := s.router.Group("/gateway")
	{
		gw.GET("/health", s.handleHealth())
		gw.GET("/services", s.handleServices())
		gw.GET("/ratelimit", s.handleRateLimitStats())
	}

	// ブラウザのログインフォーム
	s.router.POST("/login", s.handleFormLogin())
	s.router.POST("/logout", s.handleFormLogout())

	s.router.NoRoute(s.dispatch)
}

// dispatch は画面からのフォーム操作を処理し、それ以外をプレフィックス表に従って転送する。
func (s *Server) dispatch(c *gin.Context) {
	path := c.Request.URL.Path
	if !isAPIPath(path) {
		if act, ok := matchFormAction(c.Request.Method, path); ok {
			s.handleFormAction(c, act)
			return
		}
	}

	tg, ok := s.table.Match(path)
	if !ok {
		c.JSON(http.StatusNotFound, notFoundBody(c.Request.Method, c.Request.URL.RequestURI(), s.table.Routes()))
		return
	}

	middleware.StripIdentityHeaders(c.Request.Header)
	if id, ok := middleware.GetIdentity(c); ok && tg.InjectIdentity {
		if err := middleware.ApplyIdentity(c.Request.Header, id, s.cfg.IdentitySecret); err != nil {
			log.Printf("[PROXY] 本人情報の付与に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Internal server error",
				"message": "Something went wrong in the API Gateway",
			})
			return
		}
	}
	tg.proxy.ServeHTTP(c.Writer, c.Request)
}
