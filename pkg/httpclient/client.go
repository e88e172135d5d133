package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout は New にタイムアウトを指定しなかった場合の呼び出し上限時間。
const DefaultTimeout = 30 * time.Second

// maxErrorBody は StatusError に保持するレスポンスボディの上限。
const maxErrorBody = 64 << 10

var (
	// ErrTimeout は呼び出しが上限時間内に完了しなかったことを表す。
	ErrTimeout = errors.New("upstream call timed out")
	// ErrTransport は接続失敗などで応答を得られなかったことを表す。
	ErrTransport = errors.New("upstream transport failure")
)

// StatusError は接続先が2xx以外のステータスを返したことを表す。
type StatusError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Body はレスポンスボディの先頭部分。
	Body []byte
}

// Error はエラーメッセージを返す。
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, string(e.Body))
}

// Message はJSONボディの message または error フィールドを返す。どちらも無ければ空文字列。
func (e *StatusError) Message() string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}

// Kind は呼び出し結果の分類。
type Kind int

const (
	// KindOK は2xxの応答を得て本文も読み取れたことを表す。
	KindOK Kind = iota
	// KindTimeout は上限時間の超過を表す。
	KindTimeout
	// KindTransport は応答を得られなかったことを表す。
	KindTransport
	// KindStatus は2xx以外の応答を表す。
	KindStatus
	// KindOther はシリアライズの失敗など上記以外の失敗を表す。
	KindOther
)

// String は分類名を返す。
func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	default:
		return "other"
	}
}

// KindOf はクライアントが返したエラーを分類する。
func KindOf(err error) Kind {
	var se *StatusError
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.As(err, &se):
		return KindStatus
	default:
		return KindOther
	}
}

// Client はサービス間通信用のHTTPクライアント。
// 呼び出しごとに上限時間付きのコンテキストを作る。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// timeout は1回の呼び出しの上限時間。
	timeout time.Duration
}

// New は新しいサービス間通信用HTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://auth-service:4001"）を指定する。
// timeoutが0以下の場合は DefaultTimeout を使う。
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		timeout:    timeout,
	}
}

// BaseURL は接続先のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Timeout は1回の呼び出しの上限時間を返す。
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// RequestOption は送信前のリクエストを変更する。
type RequestOption func(*http.Request)

// WithHeader は指定したヘッダーをリクエストに追加する。
func WithHeader(h http.Header) RequestOption {
	return func(r *http.Request) {
		for k, vs := range h {
			for _, v := range vs {
				r.Header.Add(k, v)
			}
		}
	}
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPost, path, body, result, opts...)
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, result, opts...)
}

// Do はHTTPリクエストを実行し、JSONのレスポンスをresultにデシリアライズする。
// bodyがnilの場合はボディを送らない。url.Values はフォーム形式、それ以外はJSONで送る。
// resultがnilの場合はレスポンスボディを読み捨てる。
func (c *Client) Do(ctx context.Context, method, path string, body any, result any, opts ...RequestOption) error {
	var bodyReader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case url.Values:
		bodyReader = strings.NewReader(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		jsonBody, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
		contentType = "application/json"
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	// コンテキストからリクエストIDを伝播する
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok && id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}

	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		if ctx.Err() != nil {
			return classify(ctx, err)
		}
		return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
	}
	return nil
}

// classify は送受信の失敗を ErrTimeout か ErrTransport に包み直す。
func classify(ctx context.Context, err error) error {
	var ne net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
const contextKeyRequestID contextKey = "request_id"

// WithRequestID はコンテキストにリクエストIDを設定する。
// サービス間通信時に X-Request-ID ヘッダーとして伝播される。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}
