package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

// testPayload はテスト用のリクエスト/レスポンスペイロード。
type testPayload struct {
	// Name はテスト用の名前フィールド。
	Name string `json:"name"`
	// Value はテスト用の値フィールド。
	Value int `json:"value"`
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("指定したタイムアウトが設定されること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:4001", 3*time.Second)
		if client.BaseURL() != "http://localhost:4001" {
			t.Errorf("BaseURL() = %q, want %q", client.BaseURL(), "http://localhost:4001")
		}
		if client.Timeout() != 3*time.Second {
			t.Errorf("Timeout() = %v, want 3s", client.Timeout())
		}
	})

	t.Run("0以下のタイムアウトは既定値になること", func(t *testing.T) {
		t.Parallel()

		if got := New("http://localhost", 0).Timeout(); got != DefaultTimeout {
			t.Errorf("Timeout() = %v, want %v", got, DefaultTimeout)
		}
	})
}

// TestDo はリクエストの送信とレスポンスの読み取りを検証する。
func TestDo(t *testing.T) {
	t.Parallel()

	t.Run("JSONボディを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		var gotMethod, gotPath, gotCT, gotExtra string
		var sent testPayload
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod, gotPath = r.Method, r.URL.Path
			gotCT = r.Header.Get("Content-Type")
			gotExtra = r.Header.Get("X-User-Role")
			b, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(b, &sent)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(testPayload{Name: "response", Value: 200})
		}))
		defer ts.Close()

		client := New(ts.URL, time.Second)
		var result testPayload
		err := client.Do(context.Background(), http.MethodPut, "/cars/1",
			testPayload{Name: "request", Value: 100}, &result,
			WithHeader(http.Header{"X-User-Role": {"admin"}}))
		if err != nil {
			t.Fatalf("Do()でエラーが発生: %v", err)
		}

		if gotMethod != http.MethodPut || gotPath != "/cars/1" {
			t.Errorf("リクエスト = %s %s, want PUT /cars/1", gotMethod, gotPath)
		}
		if gotCT != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", gotCT)
		}
		if gotExtra != "admin" {
			t.Errorf("X-User-Role = %q, want admin", gotExtra)
		}
		if sent != (testPayload{Name: "request", Value: 100}) {
			t.Errorf("送信ボディ = %+v", sent)
		}
		if result != (testPayload{Name: "response", Value: 200}) {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("url.Valuesはフォーム形式で送信されること", func(t *testing.T) {
		t.Parallel()

		var gotCT, gotBrand string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotCT = r.Header.Get("Content-Type")
			_ = r.ParseForm()
			gotBrand = r.PostForm.Get("brand")
			w.WriteHeader(http.StatusCreated)
		}))
		defer ts.Close()

		err := New(ts.URL, time.Second).PostJSON(context.Background(), "/cars", url.Values{"brand": {"Fiat"}}, nil)
		if err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
		if gotCT != "application/x-www-form-urlencoded" || gotBrand != "Fiat" {
			t.Errorf("Content-Type = %q, brand = %q", gotCT, gotBrand)
		}
	})

	t.Run("resultがnilの場合でもエラーにならないこと", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"status":"created"}`))
		}))
		defer ts.Close()

		if err := New(ts.URL, time.Second).PostJSON(context.Background(), "/logout", map[string]string{"sessionId": "x"}, nil); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
	})

	t.Run("リクエストIDが伝播されること", func(t *testing.T) {
		t.Parallel()

		var got string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Get("X-Request-ID")
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		ctx := WithRequestID(context.Background(), "req-42")
		if err := New(ts.URL, time.Second).GetJSON(ctx, "/health", nil); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if got != "req-42" {
			t.Errorf("X-Request-ID = %q, want %q", got, "req-42")
		}
	})

	t.Run("シリアライズできないボディはKindOtherになること", func(t *testing.T) {
		t.Parallel()

		err := New("http://127.0.0.1:1", time.Second).PostJSON(context.Background(), "/x", make(chan int), nil)
		if KindOf(err) != KindOther {
			t.Errorf("KindOf() = %v, want other", KindOf(err))
		}
	})
}

// TestErrorClassification は失敗の分類を検証する。
func TestErrorClassification(t *testing.T) {
	t.Parallel()

	t.Run("上限時間を超えた場合はErrTimeoutになること", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			<-release
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()
		defer close(release)

		start := time.Now()
		err := New(ts.URL, 50*time.Millisecond).GetJSON(context.Background(), "/validate/x", nil)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("error = %v, want ErrTimeout", err)
		}
		if KindOf(err) != KindTimeout {
			t.Errorf("KindOf() = %v, want timeout", KindOf(err))
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("経過時間 = %v, タイムアウトが効いていない", elapsed)
		}
	})

	t.Run("接続できないサーバーはErrTransportになること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.NotFoundHandler())
		addr := ts.URL
		ts.Close()

		err := New(addr, time.Second).GetJSON(context.Background(), "/health", nil)
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("error = %v, want ErrTransport", err)
		}
		if KindOf(err) != KindTransport {
			t.Errorf("KindOf() = %v, want transport", KindOf(err))
		}
	})

	t.Run("キャンセル済みのコンテキストはErrTransportになること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := New(ts.URL, time.Second).GetJSON(ctx, "/", nil); !errors.Is(err, ErrTransport) {
			t.Errorf("error = %v, want ErrTransport", err)
		}
	})

	t.Run("2xx以外はStatusErrorになりメッセージを取り出せること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"success":false,"message":"Access denied. Administrators only."}`))
		}))
		defer ts.Close()

		err := New(ts.URL, time.Second).Do(context.Background(), http.MethodDelete, "/cars/1", nil, nil)
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("error = %v, want *StatusError", err)
		}
		if se.StatusCode != http.StatusForbidden {
			t.Errorf("StatusCode = %d, want %d", se.StatusCode, http.StatusForbidden)
		}
		if se.Message() != "Access denied. Administrators only." {
			t.Errorf("Message() = %q", se.Message())
		}
		if KindOf(err) != KindStatus {
			t.Errorf("KindOf() = %v, want status", KindOf(err))
		}
	})

	t.Run("messageが無い場合はerrorフィールドを使うこと", func(t *testing.T) {
		t.Parallel()

		se := &StatusError{StatusCode: 404, Body: []byte(`{"error":"Car not found"}`)}
		if se.Message() != "Car not found" {
			t.Errorf("Message() = %q, want %q", se.Message(), "Car not found")
		}
		if (&StatusError{Body: []byte("not json")}).Message() != "" {
			t.Error("JSONでないボディのMessage()は空であるべき")
		}
	})

	t.Run("nilはKindOKであること", func(t *testing.T) {
		t.Parallel()

		if KindOf(nil) != KindOK || KindOK.String() != "ok" {
			t.Error("KindOf(nil) は ok であるべき")
		}
	})
}
