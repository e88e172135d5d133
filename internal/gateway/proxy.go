package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Target はプレフィックスで選ばれる転送先。
type Target struct {
	// Name はエラーメッセージに使うサービス名（例: "Car service"）。
	Name string
	// Prefix は一致させるパスのプレフィックス。"/" は既定の転送先を表す。
	Prefix string
	// BaseURL は転送先のベースURL。
	BaseURL string
	// Replace はプレフィックスを置き換える文字列。空ならプレフィックスを取り除く。
	Replace string
	// InjectIdentity は本人情報ヘッダーを付与するかどうか。
	InjectIdentity bool
	// Route は404応答で案内するルートの表記。
	Route string

	proxy *httputil.ReverseProxy
}

// RewritePath は転送先でのパスを返す。既定の転送先ではパスを変えない。
func (t *Target) RewritePath(path string) string {
	if t.Prefix == "/" {
		return path
	}
	out := t.Replace + strings.TrimPrefix(path, t.Prefix)
	if out == "" {
		return "/"
	}
	return out
}

// matches はパスがプレフィックスにセグメント単位で一致するかを返す。
func (t *Target) matches(path string) bool {
	if t.Prefix == "/" {
		return true
	}
	return path == t.Prefix || strings.HasPrefix(path, t.Prefix+"/")
}

// Table は最長一致で転送先を選ぶプレフィックス表。
type Table struct {
	targets []*Target
}

// NewTable は転送先の一覧から表を生成し、各転送先のリバースプロキシを構築する。
// backendTimeoutは転送先が応答ヘッダーを返すまでの上限時間。
func NewTable(backendTimeout time.Duration, targets ...Target) (*Table, error) {
	t := &Table{}
	for _, tg := range targets {
		base, err := url.Parse(tg.BaseURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("転送先 %s のURLが不正です: %q", tg.Name, tg.BaseURL)
		}
		tg.proxy = newReverseProxy(&tg, base, backendTimeout)
		t.targets = append(t.targets, &tg)
	}

	slices.SortStableFunc(t.targets, func(a, b *Target) int {
		return len(b.Prefix) - len(a.Prefix)
	})
	for _, tg := range t.targets {
		if tg.Prefix == "/" {
			tg.proxy.ModifyResponse = apiNotFound(t.Routes())
		}
	}
	return t, nil
}

// Match はパスに最長一致する転送先を返す。
func (t *Table) Match(path string) (*Target, bool) {
	for _, tg := range t.targets {
		if tg.matches(path) {
			return tg, true
		}
	}
	return nil, false
}

// Routes は404応答で案内するルートの一覧を返す。
func (t *Table) Routes() []string {
	routes := make([]string, 0, len(t.targets)+2)
	for _, tg := range t.targets {
		if tg.Route != "" {
			routes = append(routes, tg.Route)
		}
	}
	slices.Sort(routes)
	return append(routes, "GET /gateway/health", "GET /gateway/services")
}

// newReverseProxy は転送先ごとのリバースプロキシを構築する。
func newReverseProxy(tg *Target, base *url.URL, backendTimeout time.Duration) *httputil.ReverseProxy {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = backendTimeout

	return &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(base)
			pr.Out.URL.Path = strings.TrimSuffix(base.Path, "/") + tg.RewritePath(pr.In.URL.Path)
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Printf("[PROXY] %sへの転送に失敗: %s %s: %v", tg.Name, r.Method, r.URL.Path, err)
			writeJSON(w, http.StatusServiceUnavailable, gin.H{
				"error":   tg.Name + " unavailable",
				"message": tg.Name + " is temporarily unavailable",
			})
		},
	}
}

// notFoundBody は404応答のボディ。
func notFoundBody(method, uri string, routes []string) gin.H {
	return gin.H{
		"error":           "Not found",
		"message":         fmt.Sprintf("Route %s %s not found", method, uri),
		"availableRoutes": routes,
	}
}

// apiNotFound は既定の転送先が /api/ 配下で404を返した場合に、応答をGatewayの404形式に置き換える。
func apiNotFound(routes []string) func(*http.Response) error {
	return func(resp *http.Response) error {
		if resp.StatusCode != http.StatusNotFound || !isAPIPath(resp.Request.URL.Path) {
			return nil
		}
		body, err := json.Marshal(notFoundBody(resp.Request.Method, resp.Request.URL.RequestURI(), routes))
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		resp.Header.Set("Content-Type", "application/json; charset=utf-8")
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
