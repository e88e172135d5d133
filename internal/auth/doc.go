// Package auth は認証サービスの内部実装を提供する。
//
// ログインによるセッション発行、セッションの検証、ログアウトによる失効を担当する。
// セッションストアに書き込むのはこのパッケージだけである。Gatewayは
// GET /validate/{sessionId} を呼び出してリクエストごとに本人確認を委譲する。
package auth
