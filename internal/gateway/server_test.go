package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/carhub/internal/auth"
	"github.com/nao1215/carhub/pkg/middleware"
	"github.com/nao1215/carhub/pkg/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// recorded はモックバックエンドが受け取ったリクエスト。
type recorded struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// backend はリクエストを記録するモックバックエンド。
type backend struct {
	srv  *httptest.Server
	mu   sync.Mutex
	reqs []recorded
}

func newBackend(t *testing.T, respond http.HandlerFunc) *backend {
	t.Helper()

	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.reqs = append(b.reqs, recorded{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: string(body)})
		b.mu.Unlock()
		respond(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

// last は最後に受け取ったリクエストを返す。
func (b *backend) last(t *testing.T) recorded {
	t.Helper()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.reqs) == 0 {
		t.Fatal("バックエンドにリクエストが届いていない")
	}
	return b.reqs[len(b.reqs)-1]
}

func (b *backend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reqs)
}

func writeTestJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// carBackend は車両サービスを模したモック。ID 999 は存在しない車両として扱う。
func carBackend(t *testing.T) *backend {
	t.Helper()

	return newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			writeTestJSON(w, http.StatusOK, `{"status":"healthy","service":"car-service"}`)
		case r.URL.Path == "/cars/999":
			writeTestJSON(w, http.StatusNotFound, `{"success":false,"message":"Car not found"}`)
		case r.URL.Path == "/cars" && r.Method == http.MethodPost:
			writeTestJSON(w, http.StatusCreated, `{"success":true,"message":"Car created successfully"}`)
		case strings.HasPrefix(r.URL.Path, "/cars"):
			writeTestJSON(w, http.StatusOK, `{"success":true,"data":[]}`)
		case r.URL.Path == "/stats":
			writeTestJSON(w, http.StatusOK, `{"success":true,"data":{"total":0}}`)
		default:
			writeTestJSON(w, http.StatusNotFound, `{"success":false,"message":"Not found"}`)
		}
	})
}

// frontendBackend は画面を描画するサービスを模したモック。
func frontendBackend(t *testing.T) *backend {
	t.Helper()

	return newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			writeTestJSON(w, http.StatusOK, `{"status":"ok"}`)
		case strings.HasPrefix(r.URL.Path, "/api/"):
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "page:"+r.URL.Path)
		}
	})
}

// authBackend は本物の認証サーバーを起動する。
func authBackend(t *testing.T) *httptest.Server {
	t.Helper()

	s, err := auth.NewServer("0")
	if err != nil {
		t.Fatalf("認証サーバーの生成に失敗: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

// closedURL は接続できないURLを返す。
func closedURL(t *testing.T) string {
	t.Helper()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	return addr
}

func testConfig(authURL, carURL, frontendURL string) Config {
	return Config{
		Port:              "0",
		AuthURL:           authURL,
		CarURL:            carURL,
		FrontendURL:       frontendURL,
		AuthTimeout:       2 * time.Second,
		LoginTimeout:      2 * time.Second,
		ProbeTimeout:      time.Second,
		BackendTimeout:    2 * time.Second,
		RateLimitMax:      1000,
		RateLimitWindow:   15 * time.Minute,
		RateLimitStrategy: StrategyWindow,
	}
}

// testEnv はGatewayとモックバックエンドの組。
type testEnv struct {
	gateway  http.Handler
	server   *Server
	car      *backend
	frontend *backend
}

func setupTestEnv(t *testing.T, modify ...func(*Config)) *testEnv {
	t.Helper()

	env := &testEnv{car: carBackend(t), frontend: frontendBackend(t)}
	cfg := testConfig(authBackend(t).URL, env.car.srv.URL, env.frontend.srv.URL)
	for _, m := range modify {
		m(&cfg)
	}

	s, err := newServer(cfg, ratelimit.NewMemoryStatsStore())
	if err != nil {
		t.Fatalf("Gatewayサーバーの生成に失敗: %v", err)
	}
	env.server = s
	env.gateway = s.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	return serveRecorded(t, e.gateway, req)
}

// serveRecorded はリクエストを直接ハンドラに渡して応答を記録する。
// 転送時に接続断の通知を使わないよう、キャンセル可能なコンテキストを付ける。
func serveRecorded(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req.WithContext(t.Context()))
	return w
}

func formRequest(method, path string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func withCookie(req *http.Request, sessionID string) *http.Request {
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: sessionID})
	return req
}

// login はログインフォームを送信してセッションIDを返す。
func (e *testEnv) login(t *testing.T, email, password string) string {
	t.Helper()

	w := e.do(t, formRequest(http.MethodPost, "/login", url.Values{"email": {email}, "password": {password}}))
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/dashboard" {
		t.Fatalf("ログインに失敗: status=%d location=%q", w.Code, w.Header().Get("Location"))
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie && c.Value != "" {
			return c.Value
		}
	}
	t.Fatal("セッションCookieが設定されていない")
	return ""
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v (body=%s)", err, w.Body.String())
	}
	return body
}

func redirectQuery(t *testing.T, w *httptest.ResponseRecorder) (string, url.Values) {
	t.Helper()

	if w.Code != http.StatusFound {
		t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusFound, w.Body.String())
	}
	u, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Locationのパースに失敗: %v", err)
	}
	return u.Path, u.Query()
}

// TestPublicRoutes は公開ルートがCookieなしで通ることを検証する。
func TestPublicRoutes(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t)

	t.Run("車両一覧APIは認証なしで車両サービスの /cars に転送されること", func(t *testing.T) {
		t.Parallel()

		w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/cars?page=2", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := env.car.last(t); got.Method != http.MethodGet || got.Path != "/cars" {
			t.Errorf("転送先 = %s %s, want GET /cars", got.Method, got.Path)
		}
	})

	t.Run("公開パスはCookieなしで200を返すこと", func(t *testing.T) {
		t.Parallel()

		for _, path := range []string{"/gateway/health", "/login", "/docs.html", "/architecture", "/openapi.yaml", "/api/auth/health", "/css/app.css", "/img/logo.svg"} {
			w := env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
			if w.Code != http.StatusOK {
				t.Errorf("%s: ステータスコード = %d, want %d", path, w.Code, http.StatusOK)
			}
		}
	})

	t.Run("車両一覧APIへの登録は公開されていないこと", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/api/cars", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		w := env.do(t, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestAuthGate は認証ゲートの判定を検証する。
func TestAuthGate(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t)

	t.Run("Cookieなしの保護APIは401のJSONを返すこと", func(t *testing.T) {
		t.Parallel()

		w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if body := decodeBody(t, w); body["error"] != "Authentication required" {
			t.Errorf("error = %v", body["error"])
		}
	})

	t.Run("Cookieなしの保護画面はログイン画面へリダイレクトされること", func(t *testing.T) {
		t.Parallel()

		w := env.do(t, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
		if path, _ := redirectQuery(t, w); path != "/login" {
			t.Errorf("リダイレクト先 = %q, want /login", path)
		}
	})

	t.Run("無効なセッションのAPIは401 Invalid sessionを返しCookieを削除すること", func(t *testing.T) {
		t.Parallel()

		w := env.do(t, withCookie(httptest.NewRequest(http.MethodGet, "/api/stats", nil), "bogus"))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if body := decodeBody(t, w); body["error"] != "Invalid session" {
			t.Errorf("error = %v", body["error"])
		}
		cleared := false
		for _, c := range w.Result().Cookies() {
			if c.Name == sessionCookie && c.MaxAge < 0 {
				cleared = true
			}
		}
		if !cleared {
			t.Error("セッションCookieが削除されていない")
		}
	})

	t.Run("ブラウザからの無効なセッションはエラー付きでログイン画面へリダイレクトされること", func(t *testing.T) {
		t.Parallel()

		req := withCookie(httptest.NewRequest(http.MethodGet, "/dashboard", nil), "bogus")
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		path, q := redirectQuery(t, env.do(t, req))
		if path != "/login" || q.Get("error") == "" {
			t.Errorf("リダイレクト先 = %q error=%q", path, q.Get("error"))
		}
	})

	t.Run("本人情報ヘッダーの偽装は取り除かれること", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/api/cars", nil)
		req.Header.Set(middleware.HeaderUserRole, "admin")
		req.Header.Set(middleware.HeaderUserID, "1")
		if w := env.do(t, req); w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		got := env.car.last(t)
		if got.Header.Get(middleware.HeaderUserRole) != "" || got.Header.Get(middleware.HeaderUserID) != "" {
			t.Errorf("偽装ヘッダーが転送された: %v", got.Header)
		}
	})
}

// TestAuthServiceUnavailable は認証サービスが落ちている場合を検証する。
func TestAuthServiceUnavailable(t *testing.T) {
	t.Parallel()

	down := closedURL(t)
	env := setupTestEnv(t, func(c *Config) { c.AuthURL = down })

	w := env.do(t, withCookie(httptest.NewRequest(http.MethodGet, "/api/stats", nil), "anything"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if body := decodeBody(t, w); body["error"] != "Authentication service unavailable" {
		t.Errorf("error = %v", body["error"])
	}
	if env.car.count() != 0 {
		t.Error("認証に失敗したリクエストが転送された")
	}
}

// TestLoginFlow はログインからログアウトまでの流れを検証する。
func TestLoginFlow(t *testing.T) {
	t.Parallel()

	t.Run("管理者のセッションで画面が表示され、ログアウト後は401になること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		sessionID := env.login(t, "admin@carros.com", "admin123")

		w := env.do(t, withCookie(httptest.NewRequest(http.MethodGet, "/cars", nil), sessionID))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		got := env.frontend.last(t)
		if got.Path != "/cars" || got.Header.Get(middleware.HeaderUserRole) != "admin" {
			t.Errorf("転送内容 = %s role=%q", got.Path, got.Header.Get(middleware.HeaderUserRole))
		}
		if got.Header.Get(middleware.HeaderSessionID) != sessionID {
			t.Errorf("%s = %q, want %q", middleware.HeaderSessionID, got.Header.Get(middleware.HeaderSessionID), sessionID)
		}

		w = env.do(t, withCookie(httptest.NewRequest(http.MethodPost, "/logout", nil), sessionID))
		if path, _ := redirectQuery(t, w); path != "/" {
			t.Errorf("リダイレクト先 = %q, want /", path)
		}

		w = env.do(t, withCookie(httptest.NewRequest(http.MethodGet, "/cars", nil), sessionID))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ログアウト後のステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("メールアドレスの前後の空白は取り除いて照合すること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		if sessionID := env.login(t, "  admin@carros.com ", "admin123"); sessionID == "" {
			t.Error("セッションIDが空")
		}
	})

	t.Run("パスワード誤りはエラー付きでログイン画面へ戻ること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		w := env.do(t, formRequest(http.MethodPost, "/login", url.Values{"email": {"admin@carros.com"}, "password": {"wrong"}}))
		path, q := redirectQuery(t, w)
		if path != "/login" || q.Get("error") != "Invalid email or password" {
			t.Errorf("リダイレクト先 = %q error=%q", path, q.Get("error"))
		}
	})

	t.Run("未入力の項目があれば認証サービスを呼ばずに戻ること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		w := env.do(t, formRequest(http.MethodPost, "/login", url.Values{"email": {"admin@carros.com"}}))
		_, q := redirectQuery(t, w)
		if q.Get("error") != "Email and password are required" {
			t.Errorf("error = %q", q.Get("error"))
		}
	})

	t.Run("認証サービスが落ちていればサービス停止のメッセージで戻ること", func(t *testing.T) {
		t.Parallel()

		down := closedURL(t)
		env := setupTestEnv(t, func(c *Config) { c.AuthURL = down })
		w := env.do(t, formRequest(http.MethodPost, "/login", url.Values{"email": {"a@b.c"}, "password": {"x"}}))
		_, q := redirectQuery(t, w)
		if q.Get("error") != "Authentication service unavailable" {
			t.Errorf("error = %q", q.Get("error"))
		}
	})

	t.Run("一般ユーザーの表示名はパーセントエンコードして転送されること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		sessionID := env.login(t, "user@carros.com", "user123")

		req := withCookie(httptest.NewRequest(http.MethodGet, "/api/stats", nil), sessionID)
		req.Header.Set(middleware.HeaderUserRole, "admin")
		if w := env.do(t, req); w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		got := env.car.last(t)
		if got.Path != "/stats" || got.Header.Get(middleware.HeaderUserRole) != "user" {
			t.Errorf("転送内容 = %s role=%q", got.Path, got.Header.Get(middleware.HeaderUserRole))
		}
		id, ok := middleware.IdentityFromHeaders(got.Header)
		if !ok || id.Name != "Usuário" {
			t.Errorf("本人情報 = %+v", id)
		}
	})
}

// TestFormActions は画面からの車両操作を検証する。
func TestFormActions(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t)
	sessionID := env.login(t, "admin@carros.com", "admin123")

	t.Run("_method=DELETEのPOSTは車両の削除になり一覧へリダイレクトされること", func(t *testing.T) {
		t.Parallel()

		req := withCookie(formRequest(http.MethodPost, "/cars/1", url.Values{"_method": {"DELETE"}}), sessionID)
		path, q := redirectQuery(t, env.do(t, req))
		if path != "/cars" || q.Get("success") != "Car deleted successfully!" {
			t.Errorf("リダイレクト先 = %q success=%q", path, q.Get("success"))
		}
	})

	t.Run("_method=PUTのPOSTはフィールドを引き継いで更新になること", func(t *testing.T) {
		t.Parallel()

		form := url.Values{"_method": {"PUT"}, "brand": {"Toyota"}, "model": {"Corolla"}}
		req := withCookie(formRequest(http.MethodPost, "/cars/2", form), sessionID)
		path, q := redirectQuery(t, env.do(t, req))
		if path != "/cars" || q.Get("success") != "Car updated successfully!" {
			t.Errorf("リダイレクト先 = %q success=%q", path, q.Get("success"))
		}
	})

	t.Run("登録は車両サービスにフォームと本人情報を渡すこと", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		sessionID := env.login(t, "admin@carros.com", "admin123")

		req := withCookie(formRequest(http.MethodPost, "/cars", url.Values{"brand": {"Fiat"}, "model": {"Uno"}}), sessionID)
		_, q := redirectQuery(t, env.do(t, req))
		if q.Get("success") != "Car created successfully!" {
			t.Errorf("success = %q", q.Get("success"))
		}

		got := env.car.last(t)
		if got.Method != http.MethodPost || got.Path != "/cars" {
			t.Errorf("転送先 = %s %s", got.Method, got.Path)
		}
		values, _ := url.ParseQuery(got.Body)
		if values.Get("brand") != "Fiat" || values.Has("_method") {
			t.Errorf("ボディ = %q", got.Body)
		}
		if got.Header.Get(middleware.HeaderUserRole) != "admin" {
			t.Errorf("%s = %q", middleware.HeaderUserRole, got.Header.Get(middleware.HeaderUserRole))
		}
	})

	t.Run("上限を超えるフォームは切り詰めずにエラー付きで編集画面へ戻ること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		sessionID := env.login(t, "admin@carros.com", "admin123")

		form := url.Values{"_method": {"PUT"}, "brand": {strings.Repeat("a", 2<<20)}}
		req := withCookie(formRequest(http.MethodPost, "/cars/1", form), sessionID)
		path, q := redirectQuery(t, env.do(t, req))
		if path != "/cars/1/edit" || q.Get("error") != "Form is too large" {
			t.Errorf("リダイレクト先 = %q error=%q", path, q.Get("error"))
		}
		if env.car.count() != 0 {
			t.Error("切り詰めたフォームが車両サービスに転送された")
		}
	})

	t.Run("存在しない車両の更新はエラー付きで編集画面へ戻ること", func(t *testing.T) {
		t.Parallel()

		req := withCookie(formRequest(http.MethodPost, "/cars/999", url.Values{"_method": {"PUT"}, "brand": {"X"}}), sessionID)
		path, q := redirectQuery(t, env.do(t, req))
		if path != "/cars/999/edit" || q.Get("error") != "Car not found" {
			t.Errorf("リダイレクト先 = %q error=%q", path, q.Get("error"))
		}
	})

	t.Run("車両サービスが落ちていれば一覧へエラー付きで戻ること", func(t *testing.T) {
		t.Parallel()

		down := closedURL(t)
		env := setupTestEnv(t, func(c *Config) { c.CarURL = down })
		sessionID := env.login(t, "admin@carros.com", "admin123")

		req := withCookie(httptest.NewRequest(http.MethodDelete, "/cars/1", nil), sessionID)
		path, q := redirectQuery(t, env.do(t, req))
		if path != "/cars" || q.Get("error") != "Car service unavailable" {
			t.Errorf("リダイレクト先 = %q error=%q", path, q.Get("error"))
		}
	})
}

// TestFormDeleteReachesBackend は _method による削除が車両サービスに DELETE として届くことを検証する。
func TestFormDeleteReachesBackend(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t)
	sessionID := env.login(t, "admin@carros.com", "admin123")

	req := withCookie(formRequest(http.MethodPost, "/cars/7", url.Values{"_method": {"DELETE"}}), sessionID)
	env.do(t, req)

	got := env.car.last(t)
	if got.Method != http.MethodDelete || got.Path != "/cars/7" {
		t.Errorf("転送先 = %s %s, want DELETE /cars/7", got.Method, got.Path)
	}
}

// TestProxyErrors は転送の失敗と404を検証する。
func TestProxyErrors(t *testing.T) {
	t.Parallel()

	t.Run("車両サービスが落ちていれば503とサービス名を返すこと", func(t *testing.T) {
		t.Parallel()

		down := closedURL(t)
		env := setupTestEnv(t, func(c *Config) { c.CarURL = down })
		w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/cars", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
		body := decodeBody(t, w)
		if body["error"] != "Car service unavailable" {
			t.Errorf("error = %v", body["error"])
		}
		if msg, _ := body["message"].(string); !strings.Contains(msg, "Car service") {
			t.Errorf("message = %q", msg)
		}
	})

	t.Run("既定の転送先がなければ利用可能なルート付きの404を返すこと", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t, func(c *Config) { c.FrontendURL = "" })
		w := env.do(t, httptest.NewRequest(http.MethodGet, "/docs.html", nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
		body := decodeBody(t, w)
		if body["message"] != "Route GET /docs.html not found" {
			t.Errorf("message = %v", body["message"])
		}
		if routes, _ := body["availableRoutes"].([]any); len(routes) == 0 {
			t.Error("availableRoutesが空")
		}
	})

	t.Run("未知のAPIパスは既定の転送先の404をGatewayの404に置き換えること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		sessionID := env.login(t, "user@carros.com", "user123")
		w := env.do(t, withCookie(httptest.NewRequest(http.MethodGet, "/api/unknown", nil), sessionID))
		if w.Code != http.StatusNotFound {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
		body := decodeBody(t, w)
		if body["error"] != "Not found" || body["availableRoutes"] == nil {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("末尾スラッシュ付きのパスもリダイレクトせず転送すること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		sessionID := env.login(t, "user@carros.com", "user123")
		w := env.do(t, withCookie(httptest.NewRequest(http.MethodGet, "/api/cars/", nil), sessionID))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := env.car.last(t); got.Path != "/cars/" {
			t.Errorf("転送先 = %q, want /cars/", got.Path)
		}
	})
}

// TestIdentityToken は署名鍵を設定した場合の本人情報トークンを検証する。
func TestIdentityToken(t *testing.T) {
	t.Parallel()

	const secret = "test-identity-secret"
	env := setupTestEnv(t, func(c *Config) { c.IdentitySecret = secret })
	sessionID := env.login(t, "admin@carros.com", "admin123")

	req := withCookie(httptest.NewRequest(http.MethodGet, "/api/stats", nil), sessionID)
	req.Header.Set(middleware.HeaderIdentityToken, "forged")
	env.do(t, req)

	token := env.car.last(t).Header.Get(middleware.HeaderIdentityToken)
	id, err := middleware.VerifyIdentity(secret, token)
	if err != nil {
		t.Fatalf("トークンの検証に失敗: %v", err)
	}
	if id.Role != "admin" || id.SessionID != sessionID {
		t.Errorf("本人情報 = %+v", id)
	}
}

// TestRateLimit はリクエスト数の制限を検証する。
func TestRateLimit(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t)
	for i := 0; i < 1000; i++ {
		if w := env.do(t, httptest.NewRequest(http.MethodGet, "/gateway/health", nil)); w.Code != http.StatusOK {
			t.Fatalf("%d件目: ステータスコード = %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/cars", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("1001件目: ステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" || w.Header().Get("RateLimit-Limit") != "1000" {
		t.Errorf("ヘッダー = %v", w.Header())
	}
	if body := decodeBody(t, w); body["retryAfter"] != "15 minutes" {
		t.Errorf("retryAfter = %v", body["retryAfter"])
	}
	if env.car.count() != 0 {
		t.Error("拒否したリクエストが転送された")
	}

	other := httptest.NewRequest(http.MethodGet, "/gateway/health", nil)
	other.RemoteAddr = "198.51.100.7:4321"
	if w := env.do(t, other); w.Code != http.StatusOK {
		t.Errorf("別クライアント: ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
}

// TestGatewayEndpoints はGateway自身のエンドポイントを検証する。
func TestGatewayEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("healthは設定済みのサービスと稼働時間を返すこと", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		body := decodeBody(t, env.do(t, httptest.NewRequest(http.MethodGet, "/gateway/health", nil)))
		if body["status"] != "healthy" || body["service"] != "api-gateway" {
			t.Errorf("body = %v", body)
		}
		services, _ := body["services"].(map[string]any)
		if services["car"] != env.car.srv.URL {
			t.Errorf("services = %v", services)
		}
	})

	t.Run("servicesは一部のサービスが落ちていても200で返すこと", func(t *testing.T) {
		t.Parallel()

		down := closedURL(t)
		env := setupTestEnv(t, func(c *Config) { c.CarURL = down })
		w := env.do(t, httptest.NewRequest(http.MethodGet, "/gateway/services", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}

		var body struct {
			Gateway  string          `json:"gateway"`
			Services []serviceStatus `json:"services"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		want := map[string]string{
			"Frontend Service": "healthy",
			"Auth Service":     "healthy",
			"Car Service":      "unhealthy",
		}
		if len(body.Services) != len(want) {
			t.Fatalf("services = %+v", body.Services)
		}
		for _, s := range body.Services {
			if want[s.Name] != s.Status {
				t.Errorf("%s: status = %q, want %q", s.Name, s.Status, want[s.Name])
			}
		}
	})

	t.Run("ratelimitは管理者だけが参照できること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		user := env.login(t, "user@carros.com", "user123")
		w := env.do(t, withCookie(httptest.NewRequest(http.MethodGet, "/gateway/ratelimit", nil), user))
		if w.Code != http.StatusForbidden {
			t.Errorf("一般ユーザー: ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}

		admin := env.login(t, "admin@carros.com", "admin123")
		w = env.do(t, withCookie(httptest.NewRequest(http.MethodGet, "/gateway/ratelimit", nil), admin))
		if w.Code != http.StatusOK {
			t.Fatalf("管理者: ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		body := decodeBody(t, w)
		totals, _ := body["totals"].(map[string]any)
		if body["strategy"] != StrategyWindow || totals["allowed"] == float64(0) {
			t.Errorf("body = %v", body)
		}
	})
}

// TestNewServer は設定の検証を確認する。
func TestNewServer(t *testing.T) {
	t.Parallel()

	t.Run("未知の制限戦略はエラーになること", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig("http://localhost:1", "http://localhost:2", "")
		cfg.RateLimitStrategy = "unknown"
		if _, err := NewServer(cfg); err == nil {
			t.Error("エラーが返らなかった")
		}
	})

	t.Run("不正な転送先URLはエラーになること", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig("http://localhost:1", "not a url", "")
		if _, err := NewServer(cfg); err == nil {
			t.Error("エラーが返らなかった")
		}
	})

	t.Run("token bucket戦略でも起動できること", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig("http://localhost:1", "http://localhost:2", "")
		cfg.RateLimitStrategy = StrategyBucket
		if _, err := NewServer(cfg); err != nil {
			t.Errorf("エラー: %v", err)
		}
	})
}

// slowHandler はクライアントが諦めるまで応答しないハンドラ。
func slowHandler(w http.ResponseWriter, r *http.Request) {
	select {
	case <-time.After(5 * time.Second):
		w.WriteHeader(http.StatusOK)
	case <-r.Context().Done():
	}
}

// getThroughServer は実際のHTTPサーバー経由でGatewayにGETし、応答と所要時間を返す。
func getThroughServer(t *testing.T, gateway http.Handler, path, sessionID string) (*http.Response, map[string]any, time.Duration) {
	t.Helper()

	srv := httptest.NewServer(gateway)
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: sessionID})
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("リクエストに失敗: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	return resp, body, elapsed
}

// TestSlowUpstream は接続後に応答しない上流を検証する。
func TestSlowUpstream(t *testing.T) {
	t.Parallel()

	const timeout = 300 * time.Millisecond

	t.Run("応答しない転送先は上限時間内に503とサービス名を返すこと", func(t *testing.T) {
		t.Parallel()

		slow := newBackend(t, slowHandler)
		env := setupTestEnv(t, func(c *Config) {
			c.FrontendURL = slow.srv.URL
			c.BackendTimeout = timeout
		})

		resp, body, elapsed := getThroughServer(t, env.gateway, "/docs.html", "")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
		}
		if body["error"] != "Frontend service unavailable" {
			t.Errorf("error = %v", body["error"])
		}
		if elapsed > 3*timeout {
			t.Errorf("応答までに %v かかった (上限 %v)", elapsed, timeout)
		}
	})

	t.Run("応答しない認証サービスは上限時間内に503を返すこと", func(t *testing.T) {
		t.Parallel()

		slow := newBackend(t, slowHandler)
		env := setupTestEnv(t, func(c *Config) {
			c.AuthURL = slow.srv.URL
			c.AuthTimeout = timeout
		})

		resp, body, elapsed := getThroughServer(t, env.gateway, "/api/stats", "some-session")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
		}
		if body["error"] != "Authentication service unavailable" {
			t.Errorf("error = %v", body["error"])
		}
		if elapsed > 3*timeout {
			t.Errorf("応答までに %v かかった (上限 %v)", elapsed, timeout)
		}
		if env.car.count() != 0 {
			t.Error("検証できなかったリクエストが転送された")
		}
	})
}

// TestRateLimitStats は制限の統計を検証する。
func TestRateLimitStats(t *testing.T) {
	t.Parallel()

	t.Run("異なるパスを大量に送っても統計のルート数が増えないこと", func(t *testing.T) {
		t.Parallel()

		stats := ratelimit.NewMemoryStatsStore()
		cfg := testConfig(closedURL(t), closedURL(t), frontendBackend(t).srv.URL)
		cfg.RateLimitMax = 10
		s, err := newServer(cfg, stats)
		if err != nil {
			t.Fatalf("Gatewayサーバーの生成に失敗: %v", err)
		}

		for i := range 5000 {
			serveRecorded(t, s.Handler(), httptest.NewRequest(http.MethodGet, fmt.Sprintf("/x%d.css", i), nil))
		}

		routes := stats.ByRoute()
		if len(routes) != 1 {
			t.Fatalf("ルート数 = %d, want 1 (%v)", len(routes), routes)
		}
		if got := routes["GET /*"]; got.Allowed != 10 || got.Denied != 4990 {
			t.Errorf("集計 = %+v, want 10/4990", got)
		}
	})

	t.Run("Gateway自身のルートはテンプレートで、転送はルート表記で集計すること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		env.do(t, httptest.NewRequest(http.MethodGet, "/gateway/health", nil))
		env.do(t, httptest.NewRequest(http.MethodGet, "/api/cars", nil))
		env.do(t, httptest.NewRequest(http.MethodGet, "/api/cars/3", nil))

		routes := env.server.stats.(*ratelimit.MemoryStatsStore).ByRoute()
		if routes["GET /gateway/health"].Allowed != 1 || routes["GET /api/cars/*"].Allowed != 2 {
			t.Errorf("ByRoute() = %v", routes)
		}
	})

	t.Run("Redisに接続できなくても要求を待たせないこと", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(closedURL(t), closedURL(t), "")
		cfg.RedisAddr = "127.0.0.1:1"
		s, err := NewServer(cfg)
		if err != nil {
			t.Fatalf("Gatewayサーバーの生成に失敗: %v", err)
		}
		t.Cleanup(s.Close)

		start := time.Now()
		for range 5 {
			w := serveRecorded(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/gateway/health", nil))
			if w.Code != http.StatusOK {
				t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
			}
		}
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Errorf("5件の応答に %v かかった", elapsed)
		}
	})
}
