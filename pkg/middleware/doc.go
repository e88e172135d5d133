// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// パニックリカバリ、CORS、リクエストID、セキュリティヘッダー、
// フォームのメソッドオーバーライド、Gatewayが付与する本人情報ヘッダーの
// 書き込みと読み取りなど、全サービスで共通して使用するミドルウェアを含む。
package middleware
