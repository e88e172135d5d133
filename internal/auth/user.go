package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// RoleAdmin は管理者ロール。車両の登録・更新・削除ができる。
const RoleAdmin = "admin"

// RoleUser は一般ユーザーロール。
const RoleUser = "user"

// seedHashCost はシードユーザーのパスワードハッシュに使うbcryptコスト。
const seedHashCost = 8

// ErrUserNotFound はメールアドレスに一致するユーザーが存在しないことを表す。
var ErrUserNotFound = errors.New("user not found")

// User は認証情報を持つユーザーレコード。リクエスト処理中は変更されない。
type User struct {
	// ID はユーザーの一意識別子。
	ID string
	// Email はログインに使うメールアドレス（大文字小文字を区別しない）。
	Email string
	// PasswordHash はbcryptでハッシュ化されたパスワード。
	PasswordHash string
	// Role はユーザーのロール。
	Role string
	// Name は表示名。
	Name string
}

// UserStore はユーザーレコードの読み取り専用ストア。
type UserStore interface {
	// FindByEmail はメールアドレスでユーザーを検索する。見つからなければ ErrUserNotFound を返す。
	FindByEmail(ctx context.Context, email string) (User, error)
	// Count は登録ユーザー数を返す。
	Count(ctx context.Context) (int, error)
}

// MemoryUserStore は起動時に与えられたユーザーを保持する UserStore 実装。
type MemoryUserStore struct {
	byEmail map[string]User
}

var _ UserStore = (*MemoryUserStore)(nil)

// NewMemoryUserStore はユーザー一覧からストアを生成する。
func NewMemoryUserStore(users ...User) *MemoryUserStore {
	m := &MemoryUserStore{byEmail: make(map[string]User, len(users))}
	for _, u := range users {
		m.byEmail[strings.ToLower(u.Email)] = u
	}
	return m
}

// FindByEmail はメールアドレスでユーザーを検索する。
func (m *MemoryUserStore) FindByEmail(_ context.Context, email string) (User, error) {
	u, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// Count は登録ユーザー数を返す。
func (m *MemoryUserStore) Count(_ context.Context) (int, error) {
	return len(m.byEmail), nil
}

// SeedUsers はローカル環境向けの初期ユーザーを返す。
func SeedUsers() ([]User, error) {
	seeds := []struct {
		id, email, password, role, name string
	}{
		{"1", "admin@carros.com", "admin123", RoleAdmin, "Administrador"},
		{"2", "user@carros.com", "user123", RoleUser, "Usuário"},
	}

	users := make([]User, 0, len(seeds))
	for _, s := range seeds {
		hash, err := bcrypt.GenerateFromPassword([]byte(s.password), seedHashCost)
		if err != nil {
			return nil, fmt.Errorf("シードユーザーのハッシュ化に失敗: %w", err)
		}
		users = append(users, User{
			ID:           s.id,
			Email:        s.email,
			PasswordHash: string(hash),
			Role:         s.role,
			Name:         s.name,
		})
	}
	return users, nil
}
