// Package session はアクティブなセッションのレジストリを提供する。
//
// セッションの読み書きはAuthサービスだけが行う。Gatewayや各バックエンドは
// セッション状態を保持しない。Store インターフェースの背後に実装を隠すことで、
// インメモリ実装から永続化ストアへの差し替えをAuthサービスのロジックに
// 手を入れずに行えるようにしている。
package session
