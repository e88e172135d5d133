package car

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/carhub/pkg/env"
	"github.com/nao1215/carhub/pkg/middleware"
	"github.com/nao1215/carhub/pkg/serve"
	_ "modernc.org/sqlite"
)

const (
	// defaultPageSize は一覧の既定の件数。
	defaultPageSize = 10
	// maxPageSize は一覧の最大件数。
	maxPageSize = 100
)

// Server は車両サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store は車両テーブルへのアクセス。
	store *Store
	// db はSQLiteデータベース接続。
	db *sql.DB
	// identitySecret は本人情報トークンの検証鍵。空ならヘッダーをそのまま信頼する。
	identitySecret string
	// startedAt はサーバーの起動時刻。
	startedAt time.Time
}

// NewServer は新しい車両サーバーを生成する。
// SQLiteデータベースの初期化とマイグレーション、初期データの投入を行う。
func NewServer(ctx context.Context, port string) (*Server, error) {
	dbPath := env.GetOr("CAR_DB_PATH", "cars.db")
	sqlDB, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	store := NewStore(sqlDB)
	if err := seedIfEmpty(ctx, store); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return newServer(port, sqlDB, env.GetOr("IDENTITY_SECRET", "")), nil
}

// newServer はデータベース接続を注入してサーバーを組み立てる。
func newServer(port string, db *sql.DB, identitySecret string) *Server {
	router := gin.New()
	router.Use(middleware.Recovery("Car Service"))
	router.Use(middleware.RequestID())
	router.Use(gin.Logger())

	s := &Server{
		router:         router,
		port:           port,
		store:          NewStore(db),
		db:             db,
		identitySecret: identitySecret,
		startedAt:      time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまでブロックする。
// 停止後にデータベース接続を閉じる。
func (s *Server) Run(ctx context.Context) error {
	defer func() { _ = s.db.Close() }()
	return serve.Run(ctx, fmt.Sprintf(":%s", s.port), s.router)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	identity := middleware.GatewayIdentity(s.identitySecret)
	adminOnly := middleware.RequireRole("admin")

	cars := s.router.Group("/cars")
	{
		// 一覧と詳細は認証不要
		cars.GET("", s.handleList())
		cars.GET("/:id", s.handleGet())
		// 登録・更新・削除は管理者のみ
		cars.POST("", identity, adminOnly, s.handleCreate())
		cars.PUT("/:id", identity, adminOnly, s.handleUpdate())
		cars.DELETE("/:id", identity, adminOnly, s.handleDelete())
	}

	// 統計はログイン済みユーザーのみ
	s.router.GET("/stats", identity, s.handleStats())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		status, code := "healthy", http.StatusOK
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"service":   "car-service",
			"port":      s.port,
			"uptime":    time.Since(s.startedAt).Seconds(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
}

// carRequest は車両の登録・更新リクエスト。JSONとフォームの両方を受け付ける。
type carRequest struct {
	Brand     string  `json:"brand" form:"brand"`
	Model     string  `json:"model" form:"model"`
	Year      int     `json:"year" form:"year"`
	Color     string  `json:"color" form:"color"`
	Price     float64 `json:"price" form:"price"`
	Available flag    `json:"available" form:"available"`
}

// flag はJSONの真偽値とフォームのチェックボックス値を受け付ける省略可能な真偽値。
type flag struct {
	set   bool
	value bool
}

// UnmarshalJSON はJSONの真偽値を読み取る。nullは未指定として扱う。
func (f *flag) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, &f.value); err != nil {
		return err
	}
	f.set = true
	return nil
}

// UnmarshalParam はフォームの値を読み取る。
func (f *flag) UnmarshalParam(param string) error {
	switch strings.ToLower(strings.TrimSpace(param)) {
	case "on", "true", "1", "yes":
		f.set, f.value = true, true
	case "off", "false", "0", "no", "":
		f.set, f.value = true, false
	default:
		return fmt.Errorf("真偽値として解釈できません: %q", param)
	}
	return nil
}

// toInput は入力値を検証して CarInput に変換する。不備があれば利用者向けのメッセージを返す。
func (r carRequest) toInput() (CarInput, string) {
	in := CarInput{
		Brand:     strings.TrimSpace(r.Brand),
		Model:     strings.TrimSpace(r.Model),
		Year:      r.Year,
		Color:     strings.TrimSpace(r.Color),
		Price:     r.Price,
		Available: !r.Available.set || r.Available.value,
	}
	if in.Brand == "" || in.Model == "" || in.Color == "" || in.Year == 0 || in.Price == 0 {
		return CarInput{}, "All fields are required"
	}
	if in.Year < 1886 || in.Year > time.Now().Year()+1 {
		return CarInput{}, "Invalid year"
	}
	if in.Price < 0 || math.IsNaN(in.Price) || math.IsInf(in.Price, 0) {
		return CarInput{}, "Invalid price"
	}
	return in, ""
}

// handleList は車両一覧を返すハンドラを返す。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := ListParams{
			Page:   positiveQuery(c, "page", 1),
			Limit:  min(positiveQuery(c, "limit", defaultPageSize), maxPageSize),
			Search: strings.TrimSpace(c.Query("search")),
		}

		cars, total, err := s.store.List(c.Request.Context(), p)
		if err != nil {
			log.Printf("[CAR] 一覧取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to fetch cars"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data":    cars,
			"pagination": gin.H{
				"page":  p.Page,
				"limit": p.Limit,
				"total": total,
				"pages": (total + p.Limit - 1) / p.Limit,
			},
		})
	}
}

// handleGet は車両詳細を返すハンドラを返す。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}

		car, err := s.store.Get(c.Request.Context(), id)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Car not found"})
			return
		}
		if err != nil {
			log.Printf("[CAR] 詳細取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to fetch car"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": car})
	}
}

// handleCreate は車両登録を処理するハンドラを返す。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		in, ok := bindInput(c)
		if !ok {
			return
		}

		car, err := s.store.Create(c.Request.Context(), in)
		if err != nil {
			log.Printf("[CAR] 登録エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to create car"})
			return
		}

		id, _ := middleware.GetIdentity(c)
		log.Printf("[CAR] 車両を登録しました: id=%d by %s", car.ID, id.Email)
		c.JSON(http.StatusCreated, gin.H{"success": true, "message": "Car created successfully", "data": car})
	}
}

// handleUpdate は車両更新を処理するハンドラを返す。
func (s *Server) handleUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		in, ok := bindInput(c)
		if !ok {
			return
		}

		err := s.store.Update(c.Request.Context(), id, in)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Car not found"})
			return
		}
		if err != nil {
			log.Printf("[CAR] 更新エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to update car"})
			return
		}

		identity, _ := middleware.GetIdentity(c)
		log.Printf("[CAR] 車両を更新しました: id=%d by %s", id, identity.Email)
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Car updated successfully"})
	}
}

// handleDelete は車両削除を処理するハンドラを返す。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}

		err := s.store.Delete(c.Request.Context(), id)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Car not found"})
			return
		}
		if err != nil {
			log.Printf("[CAR] 削除エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to delete car"})
			return
		}

		identity, _ := middleware.GetIdentity(c)
		log.Printf("[CAR] 車両を削除しました: id=%d by %s", id, identity.Email)
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Car deleted successfully"})
	}
}

// handleStats は車両の統計を返すハンドラを返す。
func (s *Server) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := s.store.Stats(c.Request.Context())
		if err != nil {
			log.Printf("[CAR] 統計エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to compute statistics"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": st})
	}
}

// bindInput はリクエストボディを読み取り検証する。失敗時は400を返してfalseを返す。
func bindInput(c *gin.Context) (CarInput, bool) {
	var req carRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid request body"})
		return CarInput{}, false
	}
	in, msg := req.toInput()
	if msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": msg})
		return CarInput{}, false
	}
	return in, true
}

// parseID はパスの車両IDを解析する。失敗時は400を返してfalseを返す。
func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid car id"})
		return 0, false
	}
	return id, true
}

// positiveQuery はクエリパラメータを正の整数として取得する。
func positiveQuery(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
