package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID はリクエストを追跡するためのヘッダーキー。
const HeaderRequestID = "X-Request-ID"

// RequestID はリクエストIDを採番するGinミドルウェアを返す。
// クライアントが指定した値があればそれを使い、レスポンスにも同じ値を返す。
// バックエンドへの転送時にもリクエストヘッダーとして引き継がれる。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
			c.Request.Header.Set(HeaderRequestID, id)
		}
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}
