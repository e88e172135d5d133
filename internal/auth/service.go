package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/nao1215/carhub/internal/session"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultSessionTTL はセッションの有効期間。
	DefaultSessionTTL = 24 * time.Hour
	// maxEmailLength はメールアドレスの最大文字数。
	maxEmailLength = 100
	// maxPasswordLength はパスワードの最大文字数。
	maxPasswordLength = 50
	// sessionRandomBytes はセッションIDに含める乱数のバイト数。
	sessionRandomBytes = 24
)

// ErrInvalidCredentials はメールアドレスまたはパスワードが誤っていることを表す。
// どちらが誤っているかは呼び出し側に区別させない。
var ErrInvalidCredentials = errors.New("invalid email or password")

// ValidationError は入力値の不備を表す。認証情報の照合前に返される。
type ValidationError struct {
	// Message は利用者に表示するメッセージ。
	Message string
}

// Error はエラーメッセージを返す。
func (e *ValidationError) Error() string {
	return e.Message
}

// Reason はセッション検証に失敗した理由。
type Reason string

const (
	// ReasonMissing はセッションIDが指定されていないことを表す。
	ReasonMissing Reason = "missing"
	// ReasonNotFound はセッションが存在しないことを表す。
	ReasonNotFound Reason = "not_found"
	// ReasonExpired はセッションの有効期限が切れていることを表す。
	ReasonExpired Reason = "expired"
)

// UserInfo はセッションに紐づくユーザーの公開情報。
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
	Name  string `json:"name"`
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	// SessionID は発行されたセッションID。
	SessionID string
	// User はログインしたユーザー。
	User UserInfo
}

// ValidationResult はセッション検証の結果。
type ValidationResult struct {
	// Valid はセッションが有効かどうか。
	Valid bool
	// User は有効な場合のユーザー情報。
	User UserInfo
	// Reason は無効な場合の理由。
	Reason Reason
}

// SessionSummary はデバッグ用のセッション概要。
type SessionSummary struct {
	SessionID string    `json:"sessionId"`
	User      string    `json:"user"`
	Role      string    `json:"role"`
	LoginTime time.Time `json:"loginTime"`
}

// Service はログイン・セッション検証・ログアウトを提供する。
type Service struct {
	users    UserStore
	sessions session.Store
	ttl      time.Duration
	now      func() time.Time
}

// Option は Service の設定を変更する。
type Option func(*Service)

// WithTTL はセッションの有効期間を設定する。
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService は新しい認証サービスを生成する。
func NewService(users UserStore, sessions session.Store, opts ...Option) *Service {
	s := &Service{
		users:    users,
		sessions: sessions,
		ttl:      DefaultSessionTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login は認証情報を照合し、新しいセッションを発行する。
// 同一ユーザーの同時ログインはそれぞれ独立したセッションになる。
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	if email == "" || password == "" {
		return LoginResult{}, &ValidationError{Message: "Email and password are required"}
	}
	if utf8.RuneCountInString(email) > maxEmailLength {
		return LoginResult{}, &ValidationError{Message: "Email is too long"}
	}
	if utf8.RuneCountInString(password) > maxPasswordLength {
		return LoginResult{}, &ValidationError{Message: "Password is too long"}
	}

	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		log.Printf("[AUTH] ユーザーが存在しない: %s", email)
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("ユーザーの検索に失敗: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		log.Printf("[AUTH] パスワード不一致: %s", email)
		return LoginResult{}, ErrInvalidCredentials
	}

	now := s.now()
	id, err := newSessionID(now)
	if err != nil {
		return LoginResult{}, err
	}

	if err := s.sessions.Create(ctx, session.Session{
		ID:        id,
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		Name:      user.Name,
		CreatedAt: now,
	}); err != nil {
		return LoginResult{}, fmt.Errorf("セッションの保存に失敗: %w", err)
	}

	log.Printf("[AUTH] ログイン成功: %s", user.Email)
	return LoginResult{SessionID: id, User: userInfo(user)}, nil
}

// ValidateSession はセッションIDが有効かを判定する。
// 期限切れのセッションはこの呼び出しの副作用として削除される。
func (s *Service) ValidateSession(ctx context.Context, id string) (ValidationResult, error) {
	if id == "" {
		return ValidationResult{Reason: ReasonMissing}, nil
	}

	sess, err := s.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return ValidationResult{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("セッションの取得に失敗: %w", err)
	}

	if sess.ExpiredAt(s.now(), s.ttl) {
		if err := s.sessions.Delete(ctx, id); err != nil {
			return ValidationResult{}, fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
		}
		log.Printf("[AUTH] セッション期限切れ: %s", sess.Email)
		return ValidationResult{Reason: ReasonExpired}, nil
	}

	return ValidationResult{
		Valid: true,
		User: UserInfo{
			ID:    sess.UserID,
			Email: sess.Email,
			Role:  sess.Role,
			Name:  sess.Name,
		},
	}, nil
}

// Logout はセッションを削除する。存在しないセッションに対しても成功する。
func (s *Service) Logout(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.sessions.Delete(ctx, id); err != nil {
		return fmt.Errorf("セッションの削除に失敗: %w", err)
	}
	return nil
}

// ListSessions はアクティブなセッションの概要を返す。
func (s *Service) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	list, err := s.sessions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("セッション一覧の取得に失敗: %w", err)
	}

	out := make([]SessionSummary, 0, len(list))
	for _, sess := range list {
		out = append(out, SessionSummary{
			SessionID: sess.ID,
			User:      sess.Email,
			Role:      sess.Role,
			LoginTime: sess.CreatedAt,
		})
	}
	return out, nil
}

// SweepExpired は期限切れのセッションをまとめて削除する。
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.sessions.Sweep(ctx, s.now().Add(-s.ttl))
}

// StartJanitor はevery間隔で SweepExpired を実行するゴルーチンを起動する。
// everyが0以下の場合は何もしない。期限切れは検証時の遅延削除だけで扱われる。
func (s *Service) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.SweepExpired(ctx)
				if err != nil {
					log.Printf("[AUTH] セッション掃除に失敗: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("[AUTH] 期限切れセッションを%d件削除しました", n)
				}
			}
		}
	}()
}

// newSessionID は高分解能タイムスタンプと乱数を組み合わせたセッションIDを生成する。
func newSessionID(now time.Time) (string, error) {
	b := make([]byte, sessionRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("セッションIDの生成に失敗: %w", err)
	}
	return fmt.Sprintf("session_%d_%s", now.UnixNano(), base64.RawURLEncoding.EncodeToString(b)), nil
}

func userInfo(u User) UserInfo {
	return UserInfo{ID: u.ID, Email: u.Email, Role: u.Role, Name: u.Name}
}
