package middleware

import "github.com/gin-gonic/gin"

// SecurityHeaders はブラウザ向けの基本的なセキュリティヘッダーを付与する。
// CSPはサーバーレンダリングされるページ側の責務とし、ここでは設定しない。
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-DNS-Prefetch-Control", "off")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		c.Next()
	}
}
