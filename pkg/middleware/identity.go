package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Gatewayがバックエンドへ本人情報を伝播するためのHTTPヘッダーキー。
const (
	HeaderSessionID     = "X-Session-Id"
	HeaderUserID        = "X-User-Id"
	HeaderUserEmail     = "X-User-Email"
	HeaderUserRole      = "X-User-Role"
	HeaderUserName      = "X-User-Name"
	HeaderIdentityToken = "X-Identity-Token"
)

const (
	// identityIssuer は本人情報トークンの発行者。
	identityIssuer = "carhub-gateway"
	// identityTokenTTL は本人情報トークンの有効期間。1リクエストの転送に使うだけなので短くする。
	identityTokenTTL = time.Minute
	// contextKeyIdentity はGinコンテキストに本人情報を格納するキー。
	contextKeyIdentity = "identity"
)

// ErrIdentityTokenInvalid は本人情報トークンの検証に失敗したことを表す。
var ErrIdentityTokenInvalid = errors.New("identity token is invalid")

// identityHeaders はクライアントから受け取ってはならない本人情報ヘッダー。
var identityHeaders = []string{
	HeaderSessionID,
	HeaderUserID,
	HeaderUserEmail,
	HeaderUserRole,
	HeaderUserName,
	HeaderIdentityToken,
}

// Identity はGatewayが検証したリクエスト単位の本人情報。
type Identity struct {
	// UserID はユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role はユーザーのロール。
	Role string `json:"role"`
	// Name はユーザーの表示名。
	Name string `json:"name"`
	// SessionID は検証済みのセッションID。
	SessionID string `json:"session_id"`
}

// IdentityClaims は本人情報トークンのクレーム。
type IdentityClaims struct {
	jwt.RegisteredClaims
	Identity
}

// StripIdentityHeaders はクライアントが付与した本人情報ヘッダーを取り除く。
func StripIdentityHeaders(h http.Header) {
	for _, k := range identityHeaders {
		h.Del(k)
	}
}

// ApplyIdentity は本人情報をリクエストヘッダーに書き込む。
// secretが空でなければ署名付きトークンも付与する。表示名はパーセントエンコードする。
func ApplyIdentity(h http.Header, id Identity, secret string) error {
	StripIdentityHeaders(h)
	h.Set(HeaderUserID, id.UserID)
	h.Set(HeaderUserEmail, id.Email)
	h.Set(HeaderUserRole, id.Role)
	h.Set(HeaderUserName, encodeName(id.Name))
	if id.SessionID != "" {
		h.Set(HeaderSessionID, id.SessionID)
	}

	if secret == "" {
		return nil
	}
	token, err := SignIdentity(secret, id)
	if err != nil {
		return err
	}
	h.Set(HeaderIdentityToken, token)
	return nil
}

// IdentityFromHeaders はGatewayが付与したヘッダーから本人情報を読み取る。
func IdentityFromHeaders(h http.Header) (Identity, bool) {
	id := Identity{
		UserID:    h.Get(HeaderUserID),
		Email:     h.Get(HeaderUserEmail),
		Role:      h.Get(HeaderUserRole),
		SessionID: h.Get(HeaderSessionID),
	}
	if id.UserID == "" {
		return Identity{}, false
	}
	name, err := url.PathUnescape(h.Get(HeaderUserName))
	if err != nil {
		name = h.Get(HeaderUserName)
	}
	id.Name = name
	return id, true
}

// SignIdentity は本人情報からHS256署名付きトークンを生成する。
func SignIdentity(secret string, id Identity) (string, error) {
	now := time.Now()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(identityTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    identityIssuer,
		},
		Identity: id,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("本人情報トークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// VerifyIdentity は本人情報トークンを検証して本人情報を返す。
func VerifyIdentity(secret, tokenString string) (Identity, error) {
	claims := &IdentityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(identityIssuer))
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrIdentityTokenInvalid, err)
	}
	return claims.Identity, nil
}

// GatewayIdentity はGatewayが付与した本人情報を要求するGinミドルウェアを返す。
// バックエンドサービスで使う。secretが空でなければ署名付きトークンを検証し、
// その内容を本人情報として採用する。
func GatewayIdentity(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFromHeaders(c.Request.Header)
		if secret != "" {
			verified, err := VerifyIdentity(secret, c.GetHeader(HeaderIdentityToken))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"success": false,
					"message": "Invalid identity token",
				})
				return
			}
			id, ok = verified, verified.UserID != ""
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "Authentication required",
			})
			return
		}

		c.Set(contextKeyIdentity, id)
		c.Next()
	}
}

// RequireRole は指定ロールを持たないリクエストを403で拒否するGinミドルウェアを返す。
// GatewayIdentity が事前に適用されている必要がある。
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok || id.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"message": "Access denied. Administrators only.",
			})
			return
		}
		c.Next()
	}
}

// SetIdentity はGinコンテキストに本人情報を格納する。
func SetIdentity(c *gin.Context, id Identity) {
	c.Set(contextKeyIdentity, id)
}

// GetIdentity はGinコンテキストから本人情報を取得する。
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// encodeName は表示名をURLエンコードする。空白は%20にする。
func encodeName(name string) string {
	return strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
}
