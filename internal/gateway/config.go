package gateway

import (
	"time"

	"github.com/nao1215/carhub/pkg/env"
)

// 制限戦略の名前。
const (
	StrategyWindow = "window"
	StrategyBucket = "bucket"
)

// Config はGatewayの起動設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// AuthURL は認証サービスのベースURL。
	AuthURL string
	// CarURL は車両サービスのベースURL。
	CarURL string
	// FrontendURL は画面を描画するフロントエンドサービスのベースURL。空なら既定の転送先を持たない。
	FrontendURL string

	// AuthTimeout はセッション検証とログアウト呼び出しの上限時間。
	AuthTimeout time.Duration
	// LoginTimeout はフォームログイン呼び出しの上限時間。
	LoginTimeout time.Duration
	// ProbeTimeout はサービス状態確認1件あたりの上限時間。
	ProbeTimeout time.Duration
	// BackendTimeout は転送先が応答ヘッダーを返すまでの上限時間。
	BackendTimeout time.Duration

	// RateLimitMax はウィンドウあたりの最大リクエスト数。
	RateLimitMax int
	// RateLimitWindow は制限のウィンドウ幅。
	RateLimitWindow time.Duration
	// RateLimitStrategy は window または bucket。
	RateLimitStrategy string
	// TrustXFF はX-Forwarded-Forをクライアントアドレスとして信頼するかどうか。
	TrustXFF bool
	// RedisAddr は制限の統計を記録するRedisのアドレス。空ならメモリに記録する。
	RedisAddr string
	// RedisPassword はRedisのパスワード。
	RedisPassword string

	// IdentitySecret は本人情報トークンの署名鍵。空ならトークンを付与しない。
	IdentitySecret string
	// AllowedOrigins はCORSで許可するオリジン。空ならリクエストのOriginを許可する。
	AllowedOrigins []string
	// CookieSecure はセッションCookieにSecure属性を付けるかどうか。
	CookieSecure bool
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() Config {
	return Config{
		Port:              env.GetOr("PORT", "4000"),
		AuthURL:           env.GetOr("AUTH_SERVICE_URL", "http://localhost:4001"),
		CarURL:            env.GetOr("CAR_SERVICE_URL", "http://localhost:4002"),
		FrontendURL:       env.GetOr("FRONTEND_SERVICE_URL", "http://localhost:4003"),
		AuthTimeout:       env.Duration("AUTH_TIMEOUT", 3*time.Second),
		LoginTimeout:      env.Duration("LOGIN_TIMEOUT", 5*time.Second),
		ProbeTimeout:      env.Duration("PROBE_TIMEOUT", 3*time.Second),
		BackendTimeout:    env.Duration("BACKEND_TIMEOUT", 30*time.Second),
		RateLimitMax:      env.Int("RATE_LIMIT_MAX", 1000),
		RateLimitWindow:   env.Duration("RATE_LIMIT_WINDOW", 15*time.Minute),
		RateLimitStrategy: env.GetOr("RATE_LIMIT_STRATEGY", StrategyWindow),
		TrustXFF:          env.Bool("TRUST_XFF", false),
		RedisAddr:         env.GetOr("RATE_STATS_REDIS_ADDR", ""),
		RedisPassword:     env.GetOr("RATE_STATS_REDIS_PASSWORD", ""),
		IdentitySecret:    env.GetOr("IDENTITY_SECRET", ""),
		AllowedOrigins:    env.List("ALLOWED_ORIGINS", nil),
		CookieSecure:      env.Bool("COOKIE_SECURE", false),
	}
}
