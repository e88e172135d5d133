package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/carhub/internal/session"
	"github.com/nao1215/carhub/pkg/env"
	"github.com/nao1215/carhub/pkg/middleware"
	"github.com/nao1215/carhub/pkg/serve"
)

// Server は認証サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// service はログインとセッション管理のロジック。
	service *Service
	// users は認証情報のストア。ヘルスチェックで件数を返すために保持する。
	users UserStore
	// sweepInterval は期限切れセッションを定期削除する間隔。0なら遅延削除のみ。
	sweepInterval time.Duration
}

// NewServer は新しい認証サーバーを生成する。
// シードユーザーとインメモリのセッションストアで初期化する。
func NewServer(port string) (*Server, error) {
	seeds, err := SeedUsers()
	if err != nil {
		return nil, fmt.Errorf("シードユーザーの生成に失敗: %w", err)
	}
	users := NewMemoryUserStore(seeds...)

	svc := NewService(users, session.NewMemoryStore(),
		WithTTL(env.Duration("SESSION_TTL", DefaultSessionTTL)))

	s := newServer(port, svc, users)
	s.sweepInterval = env.Duration("SESSION_SWEEP_INTERVAL", 0)
	return s, nil
}

// newServer はサービスを注入してサーバーを組み立てる。
func newServer(port string, svc *Service, users UserStore) *Server {
	router := gin.New()
	router.Use(middleware.Recovery("Auth Service"))
	router.Use(middleware.RequestID())
	router.Use(gin.Logger())

	s := &Server{
		router:  router,
		port:    port,
		service: svc,
		users:   users,
	}
	s.setupRoutes()
	return s
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまでブロックする。
func (s *Server) Run(ctx context.Context) error {
	s.service.StartJanitor(ctx, s.sweepInterval)
	return serve.Run(ctx, fmt.Sprintf(":%s", s.port), s.router)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())

	s.router.POST("/login", s.handleLogin())
	s.router.GET("/validate", s.handleValidate())
	s.router.GET("/validate/:sessionId", s.handleValidate())
	s.router.POST("/logout", s.handleLogout())

	// デバッグ用のセッション一覧。認証は掛けない。
	s.router.GET("/sessions", s.handleListSessions())
}

// loginRequest はログインリクエストの構造。JSONとフォームの両方を受け付ける。
type loginRequest struct {
	// Email はログインに使うメールアドレス。
	Email string `json:"email" form:"email"`
	// Password は平文のパスワード。
	Password string `json:"password" form:"password"`
}

// logoutRequest はログアウトリクエストの構造。
type logoutRequest struct {
	// SessionID は削除するセッションID。
	SessionID string `json:"sessionId" form:"sessionId"`
}

// handleHealth はサービスの状態と件数を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := s.users.Count(c.Request.Context())
		if err != nil {
			log.Printf("[AUTH] ユーザー数の取得に失敗: %v", err)
		}
		sessions, err := s.service.ListSessions(c.Request.Context())
		if err != nil {
			log.Printf("[AUTH] セッション一覧の取得に失敗: %v", err)
		}
		c.JSON(http.StatusOK, gin.H{
			"status":         "OK",
			"service":        "auth-service",
			"users":          users,
			"activeSessions": len(sessions),
		})
	}
}

// handleLogin はログインを処理するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"message": "Invalid request body",
			})
			return
		}

		result, err := s.service.Login(c.Request.Context(), req.Email, req.Password)
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": verr.Message})
			return
		case errors.Is(err, ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid email or password"})
			return
		case err != nil:
			log.Printf("[AUTH] ログイン処理に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Login failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"message":   "Login successful",
			"sessionId": result.SessionID,
			"user":      result.User,
		})
	}
}

// handleValidate はセッション検証を処理するハンドラを返す。
// 検証結果は常に200で返し、有効かどうかはvalidフィールドで表す。
func (s *Server) handleValidate() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.service.ValidateSession(c.Request.Context(), c.Param("sessionId"))
		if err != nil {
			log.Printf("[AUTH] セッション検証に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"valid": false, "message": "Validation failed"})
			return
		}

		if !result.Valid {
			c.JSON(http.StatusOK, gin.H{
				"valid":   false,
				"reason":  result.Reason,
				"message": reasonMessage(result.Reason),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true, "user": result.User})
	}
}

// handleLogout はログアウトを処理するハンドラを返す。
// セッションが存在しない場合も成功を返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req logoutRequest
		_ = c.ShouldBind(&req)

		if err := s.service.Logout(c.Request.Context(), req.SessionID); err != nil {
			log.Printf("[AUTH] ログアウトに失敗: %v", err)
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logout successful"})
	}
}

// handleListSessions はアクティブなセッション一覧を返すハンドラを返す。
func (s *Server) handleListSessions() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := s.service.ListSessions(c.Request.Context())
		if err != nil {
			log.Printf("[AUTH] セッション一覧の取得に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "message": "Failed to list sessions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"activeSessions": len(sessions),
			"sessions":       sessions,
		})
	}
}

// reasonMessage は検証失敗理由を利用者向けのメッセージに変換する。
func reasonMessage(r Reason) string {
	switch r {
	case ReasonMissing:
		return "Session ID required"
	case ReasonExpired:
		return "Session expired"
	default:
		return "Invalid session"
	}
}
