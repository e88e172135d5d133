// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として機能する。
// リクエストごとに次の順で処理する。
//
//  1. クライアント単位のリクエスト数制限
//  2. ブラウザフォームの _method によるメソッドの書き換え（/api/ 以外）
//  3. 公開ルートの判定と、Cookieのセッションを認証サービスで検証する認証ゲート
//  4. フォーム操作の処理、またはプレフィックス表に従ったバックエンドへの転送
//
// 認証済みのリクエストには本人情報ヘッダーを付与して転送する。クライアントが
// 送ってきた同名のヘッダーは常に取り除く。
package gateway
