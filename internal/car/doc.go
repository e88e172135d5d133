// Package car は車両サービスの内部実装を提供する。
//
// SQLiteに保存した車両の一覧・詳細・登録・更新・削除と統計を提供する。
// 一覧と詳細は誰でも参照できる。登録・更新・削除は管理者だけが、統計は
// ログイン済みのユーザーだけが実行できる。本人情報はGatewayが付与した
// ヘッダーから読み取り、セッションの再検証は行わない。
package car
