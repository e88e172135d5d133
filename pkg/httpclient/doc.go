// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// Gatewayが認証サービスへセッション検証を委譲する呼び出しや、フォーム送信を
// 車両サービスのAPIへ変換する呼び出しで使う。すべての呼び出しには上限時間があり、
// 失敗は ErrTimeout、ErrTransport、*StatusError のいずれかに分類される。
// 自動リトライは行わない。
package httpclient
