package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// KeyFunc はリクエストから制限単位のキーを取り出す。
type KeyFunc func(r *http.Request) string

// RouteFunc はリクエストから統計の集計単位となるルート名を取り出す。
// 値の種類が有限になるよう、生のパスではなくルートテンプレートなどを返す。
type RouteFunc func(c *gin.Context) string

// Options は Middleware の設定。
type Options struct {
	// Service は判定を行うサービス。
	Service Service
	// KeyFn はキーの取り出し方。nilなら ClientIP(TrustXForwardedFor) を使う。
	KeyFn KeyFunc
	// RouteFn は統計のルート名の取り出し方。nilなら FullRoute を使う。
	RouteFn RouteFunc
	// TrustXForwardedFor はX-Forwarded-Forの先頭をクライアントアドレスとして信頼するかどうか。
	TrustXForwardedFor bool
	// Message は拒否時のエラーメッセージ。
	Message string
	// RetryAfterText は拒否時のボディに含める再試行の目安。
	RetryAfterText string
}

// ClientIP はクライアントアドレスをキーにする KeyFunc を返す。
func ClientIP(trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// FullRoute はGinに登録されたルートテンプレートを返す。未登録のパスは UnmatchedRoute とする。
func FullRoute(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return UnmatchedRoute
}

// Middleware は要求数を制限するGinミドルウェアを返す。
// すべての応答に RateLimit-Limit、RateLimit-Remaining、RateLimit-Reset を付与し、
// 上限を超えた要求は後続に渡さず429で拒否する。
func Middleware(opts Options) gin.HandlerFunc {
	if opts.KeyFn == nil {
		opts.KeyFn = ClientIP(opts.TrustXForwardedFor)
	}
	if opts.RouteFn == nil {
		opts.RouteFn = FullRoute
	}
	if opts.Message == "" {
		opts.Message = "Too many requests from this IP, please try again later."
	}

	return func(c *gin.Context) {
		key := opts.KeyFn(c.Request)
		dec := opts.Service.Decide(c.Request.Context(), key, c.Request.Method, opts.RouteFn(c))
		if dec.Limit > 0 {
			c.Header("RateLimit-Limit", strconv.Itoa(dec.Limit))
			c.Header("RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			c.Header("RateLimit-Reset", seconds(dec.Reset))
		}

		if !dec.Allowed {
			c.Header("Retry-After", seconds(dec.RetryAfter))
			body := gin.H{"error": opts.Message}
			if opts.RetryAfterText != "" {
				body["retryAfter"] = opts.RetryAfterText
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
			return
		}
		c.Next()
	}
}

// seconds は時間を切り上げた秒数の文字列にする。
func seconds(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}

// WindowText は "15 minutes" のような再試行目安の文字列を返す。
func WindowText(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return plural(int(d/time.Minute), "minute")
	default:
		return plural(int(math.Ceil(d.Seconds())), "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
