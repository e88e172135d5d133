package gateway

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/carhub/pkg/httpclient"
	"github.com/nao1215/carhub/pkg/middleware"
)

// sessionCookie はセッションIDを保持するCookie名。
const sessionCookie = "sessionId"

// publicPaths は認証不要の完全一致パス。
var publicPaths = map[string]struct{}{
	"/api/auth/login":   {},
	"/api/auth/health":  {},
	"/gateway/health":   {},
	"/gateway/services": {},
	"/docs.html":        {},
	"/architecture":     {},
	"/openapi.yaml":     {},
	"/login":            {},
}

// publicReadPaths は参照系メソッドに限り認証不要のパス。
var publicReadPaths = map[string]struct{}{
	"/api/cars": {},
}

// staticFile は認証不要の静的ファイルの拡張子。
var staticFile = regexp.MustCompile(`\.(css|js|png|jpg|jpeg|gif|ico|svg)$`)

// isPublic はリクエストが認証不要かどうかを返す。
func isPublic(method, path string) bool {
	if _, ok := publicPaths[path]; ok {
		return true
	}
	if _, ok := publicReadPaths[path]; ok && (method == http.MethodGet || method == http.MethodHead) {
		return true
	}
	return staticFile.MatchString(path)
}

// isAPIPath はJSONで応答するAPIのパスかどうかを返す。
func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// acceptsHTML はクライアントがHTMLを受け付けるブラウザかどうかを返す。
func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// validateResponse は認証サービスの GET /validate/{sessionId} の応答。
type validateResponse struct {
	Valid bool `json:"valid"`
	User  struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
		Name  string `json:"name"`
	} `json:"user"`
	Message string `json:"message"`
}

// validateSession は認証サービスにセッションの検証を委譲する。
// validがfalseの場合はok=falseでerr=nilを返す。呼び出しの失敗はerrで返す。
func validateSession(ctx context.Context, client *httpclient.Client, sessionID string) (middleware.Identity, bool, error) {
	var resp validateResponse
	if err := client.GetJSON(ctx, "/validate/"+url.PathEscape(sessionID), &resp); err != nil {
		return middleware.Identity{}, false, err
	}
	if !resp.Valid {
		return middleware.Identity{}, false, nil
	}
	return middleware.Identity{
		UserID:    resp.User.ID,
		Email:     resp.User.Email,
		Role:      resp.User.Role,
		Name:      resp.User.Name,
		SessionID: sessionID,
	}, true, nil
}

// authGate はリクエストごとに認証の要否を判定し、必要なら本人情報を解決するGinミドルウェアを返す。
// 状態は持たず、検証結果をリクエストをまたいで再利用しない。
func (s *Server) authGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if isPublic(c.Request.Method, path) {
			c.Next()
			return
		}

		api := isAPIPath(path)
		sessionID, err := c.Cookie(sessionCookie)
		if err != nil || sessionID == "" {
			log.Printf("[AUTH] セッションなし: %s %s", c.Request.Method, path)
			if api {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "Authentication required",
					"message": "Please login to access this resource",
				})
				return
			}
			c.Redirect(http.StatusFound, "/login")
			c.Abort()
			return
		}

		ctx := httpclient.WithRequestID(c.Request.Context(), c.GetHeader(middleware.HeaderRequestID))
		id, ok, err := validateSession(ctx, s.authClient, sessionID)
		if err != nil {
			log.Printf("[AUTH] 認証サービスの呼び出しに失敗 (%s): %v", httpclient.KindOf(err), err)
			s.rejectRequest(c, api, http.StatusServiceUnavailable,
				"Authentication service unavailable", "Please try again later")
			return
		}
		if !ok {
			log.Printf("[AUTH] 無効なセッション: %s %s", c.Request.Method, path)
			s.clearSessionCookie(c)
			s.rejectRequest(c, api, http.StatusUnauthorized,
				"Invalid session", "Your session has expired. Please login again.")
			return
		}

		middleware.SetIdentity(c, id)
		c.Next()
	}
}

// rejectRequest は検証に失敗したリクエストを拒否する。
// ブラウザからの画面リクエストはメッセージ付きでログイン画面にリダイレクトし、それ以外はJSONで返す。
func (s *Server) rejectRequest(c *gin.Context, api bool, status int, errText, message string) {
	if !api && acceptsHTML(c.Request) {
		redirectWith(c, "/login", "error", message)
		c.Abort()
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errText, "message": message})
}

// redirectWith はクエリパラメータにメッセージを付けてリダイレクトする。
func redirectWith(c *gin.Context, path, key, message string) {
	c.Redirect(http.StatusFound, path+"?"+key+"="+url.QueryEscape(message))
}
