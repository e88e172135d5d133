package middleware

import (
	"bytes"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// MethodOverrideField はフォームで本来のHTTPメソッドを指定する隠しフィールド名。
	MethodOverrideField = "_method"
	// maxFormBytes はメソッドオーバーライドのために読み込むフォームボディの上限。
	maxFormBytes = 10 << 20
	// contextKeyOverridden はメソッドが書き換えられたことを示すコンテキストキー。
	contextKeyOverridden = "method_overridden"
)

// MethodOverride はフォームからのPOSTを _method フィールドの値（PUT/DELETE）として扱うGinミドルウェアを返す。
// skipがtrueを返すパスには適用しない。フィールドはボディから取り除かれる。
// 後続のディスパッチは書き換え後の c.Request.Method を見て経路を決める。
func MethodOverride(skip func(path string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost || (skip != nil && skip(c.Request.URL.Path)) {
			c.Next()
			return
		}
		if !isURLEncodedForm(c.GetHeader("Content-Type")) || c.Request.Body == nil {
			c.Next()
			return
		}

		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFormBytes+1))
		_ = c.Request.Body.Close()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request",
				"message": "Request body could not be read",
			})
			return
		}
		if len(raw) > maxFormBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "Payload too large",
				"message": "Form body exceeds the allowed size",
			})
			return
		}

		values, err := url.ParseQuery(string(raw))
		method := strings.ToUpper(strings.TrimSpace(values.Get(MethodOverrideField)))
		if err != nil || (method != http.MethodPut && method != http.MethodDelete) {
			resetBody(c.Request, raw)
			c.Next()
			return
		}

		values.Del(MethodOverrideField)
		resetBody(c.Request, []byte(values.Encode()))
		c.Request.Method = method
		c.Set(contextKeyOverridden, true)
		log.Printf("[OVERRIDE] POST %s -> %s", c.Request.URL.Path, method)
		c.Next()
	}
}

// MethodOverridden はリクエストのメソッドがフォームフィールドで書き換えられたかを返す。
func MethodOverridden(c *gin.Context) bool {
	return c.GetBool(contextKeyOverridden)
}

// IsFormRequest はContent-Typeがブラウザフォームの送信形式かを返す。
func IsFormRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if isURLEncodedForm(ct) {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "multipart/form-data"
}

func isURLEncodedForm(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/x-www-form-urlencoded"
}

func resetBody(r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}
