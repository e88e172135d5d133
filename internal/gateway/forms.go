package gateway

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/carhub/pkg/httpclient"
	"github.com/nao1215/carhub/pkg/middleware"
)

const (
	// sessionMaxAge はセッションCookieの有効期間（秒）。
	sessionMaxAge = 24 * 60 * 60
	// maxFormBody はフォーム操作で読み込むボディの上限。
	maxFormBody = 1 << 20
)

// errFormTooLarge はフォームボディが上限を超えたことを表す。
var errFormTooLarge = errors.New("フォームボディが上限を超えています")

// carPath は画面の車両詳細パス。
var carPath = regexp.MustCompile(`^/cars/([^/]+)$`)

// loginForm はログイン画面から送信されるフォーム。
type loginForm struct {
	Email    string `form:"email" json:"email"`
	Password string `form:"password" json:"password"`
}

// loginResponse は認証サービスの POST /login の応答。
type loginResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// handleFormLogin はログインフォームを処理するハンドラを返す。
// 成功時はセッションCookieを設定してダッシュボードに、失敗時はログイン画面にリダイレクトする。
func (s *Server) handleFormLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var form loginForm
		err := c.ShouldBind(&form)
		form.Email = strings.TrimSpace(form.Email)
		if err != nil || form.Email == "" || form.Password == "" {
			redirectWith(c, "/login", "error", "Email and password are required")
			return
		}

		ctx := httpclient.WithRequestID(c.Request.Context(), c.GetHeader(middleware.HeaderRequestID))
		var resp loginResponse
		err = s.loginClient.PostJSON(ctx, "/login", form, &resp)
		if err == nil && (!resp.Success || resp.SessionID == "") {
			err = errors.New("認証サービスがセッションを返しませんでした")
		}
		if err != nil {
			log.Printf("[GATEWAY] ログインに失敗 (%s): %v", httpclient.KindOf(err), err)
			redirectWith(c, "/login", "error", failureMessage(err, "Login failed", "Authentication service unavailable"))
			return
		}

		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(sessionCookie, resp.SessionID, sessionMaxAge, "/", "", s.cfg.CookieSecure, true)
		c.Redirect(http.StatusFound, "/dashboard")
	}
}

// handleFormLogout はログアウトを処理するハンドラを返す。
// 認証サービスの呼び出しに失敗してもCookieは削除する。
func (s *Server) handleFormLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sessionID, err := c.Cookie(sessionCookie); err == nil && sessionID != "" {
			ctx := httpclient.WithRequestID(c.Request.Context(), c.GetHeader(middleware.HeaderRequestID))
			body := map[string]string{"sessionId": sessionID}
			if err := s.authClient.PostJSON(ctx, "/logout", body, nil); err != nil {
				log.Printf("[GATEWAY] ログアウトの通知に失敗 (%s): %v", httpclient.KindOf(err), err)
			}
		}
		s.clearSessionCookie(c)
		c.Redirect(http.StatusFound, "/")
	}
}

// clearSessionCookie はセッションCookieを削除する。
func (s *Server) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", s.cfg.CookieSecure, true)
}

// formAction は画面からの車両操作1件分の振る舞い。
type formAction struct {
	method   string
	path     string
	success  string
	errorURL string
	withBody bool
}

// matchFormAction は画面パスへの車両操作をフォーム操作として解決する。
// /api/ 配下は対象外で、通常の転送に任せる。
func matchFormAction(method, path string) (formAction, bool) {
	if path == "/cars" && method == http.MethodPost {
		return formAction{
			method:   http.MethodPost,
			path:     "/cars",
			success:  "Car created successfully!",
			errorURL: "/cars/new",
			withBody: true,
		}, true
	}

	m := carPath.FindStringSubmatch(path)
	if m == nil {
		return formAction{}, false
	}
	id := m[1]
	switch method {
	case http.MethodPut:
		return formAction{
			method:   http.MethodPut,
			path:     "/cars/" + url.PathEscape(id),
			success:  "Car updated successfully!",
			errorURL: "/cars/" + url.PathEscape(id) + "/edit",
			withBody: true,
		}, true
	case http.MethodDelete:
		return formAction{
			method:   http.MethodDelete,
			path:     "/cars/" + url.PathEscape(id),
			success:  "Car deleted successfully!",
			errorURL: "/cars",
		}, true
	}
	return formAction{}, false
}

// handleFormAction はフォーム操作を車両サービスに委譲し、結果をリダイレクトで返す。
func (s *Server) handleFormAction(c *gin.Context, act formAction) {
	var body any
	if act.withBody {
		values, err := readForm(c.Request)
		if errors.Is(err, errFormTooLarge) {
			redirectWith(c, act.errorURL, "error", "Form is too large")
			return
		}
		if err != nil {
			redirectWith(c, act.errorURL, "error", "Invalid form submission")
			return
		}
		body = values
	}

	h := http.Header{}
	if id, ok := middleware.GetIdentity(c); ok {
		if err := middleware.ApplyIdentity(h, id, s.cfg.IdentitySecret); err != nil {
			log.Printf("[GATEWAY] 本人情報の付与に失敗: %v", err)
			redirectWith(c, act.errorURL, "error", "Internal server error")
			return
		}
	}

	ctx := httpclient.WithRequestID(c.Request.Context(), c.GetHeader(middleware.HeaderRequestID))
	if err := s.carClient.Do(ctx, act.method, act.path, body, nil, httpclient.WithHeader(h)); err != nil {
		log.Printf("[GATEWAY] フォーム操作に失敗 %s %s (%s): %v", act.method, act.path, httpclient.KindOf(err), err)
		redirectWith(c, act.errorURL, "error", failureMessage(err, "Request failed", "Car service unavailable"))
		return
	}
	redirectWith(c, "/cars", "success", act.success)
}

// readForm はフォームボディを読み込む。DELETEやPUTでも本文を解釈するため自前で読む。
// 上限を超えるボディは切り詰めずに errFormTooLarge を返す。
func readForm(r *http.Request) (url.Values, error) {
	if r.Body == nil {
		return url.Values{}, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxFormBody+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxFormBody {
		return nil, errFormTooLarge
	}
	return url.ParseQuery(string(raw))
}

// failureMessage は呼び出しの失敗を利用者向けのメッセージに変換する。
// 上流がエラー応答を返した場合はそのメッセージを優先する。
func failureMessage(err error, fallback, unavailable string) string {
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		if msg := se.Message(); msg != "" {
			return msg
		}
		return fallback
	}
	if errors.Is(err, httpclient.ErrTimeout) || errors.Is(err, httpclient.ErrTransport) ||
		errors.Is(err, context.DeadlineExceeded) {
		return unavailable
	}
	return fallback
}
