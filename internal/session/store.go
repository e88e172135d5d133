package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound はセッションが存在しないことを表す。
var ErrNotFound = errors.New("session not found")

// ErrDuplicateID は同一IDのセッションが既に存在することを表す。
var ErrDuplicateID = errors.New("session id already exists")

// Session は不透明なトークンとユーザー情報を結び付けるサーバー側のレコード。
type Session struct {
	// ID は推測不可能なセッション識別子。
	ID string
	// UserID はセッションを所有するユーザーのID。
	UserID string
	// Email はユーザーのメールアドレス。
	Email string
	// Role はユーザーのロール（admin または user）。
	Role string
	// Name はユーザーの表示名。
	Name string
	// CreatedAt はセッションの作成日時。有効期限はここから計算する。
	CreatedAt time.Time
}

// ExpiredAt は作成日時からttlを超えているかを返す。
// ちょうどttl経過した時点ではまだ有効とみなす。
func (s Session) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}

// Store はセッションの保存先を抽象化する。
type Store interface {
	// Create は新しいセッションを登録する。IDが重複する場合は ErrDuplicateID を返す。
	Create(ctx context.Context, s Session) error
	// Get はIDに対応するセッションを返す。存在しない場合は ErrNotFound を返す。
	Get(ctx context.Context, id string) (Session, error)
	// Delete はセッションを削除する。存在しない場合も成功とする。
	Delete(ctx context.Context, id string) error
	// Sweep は作成日時がcutoffより前のセッションを削除し、削除件数を返す。
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	// List は全セッションを作成日時の昇順で返す。
	List(ctx context.Context) ([]Session, error)
}
