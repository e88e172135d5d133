// Package ratelimit はクライアント単位のリクエスト数制限を提供する。
//
// 既定の戦略はスライディングウィンドウで、ウィンドウ内の要求時刻を記録し
// 上限を超えた要求を拒否する。golang.org/x/time/rate によるトークンバケット戦略も選べる。
// 状態はプロセス内に保持し、古いキーはアクセス時に遅延削除する。
//
// 判定結果の統計は StatsStore に記録できる。統計はベストエフォートで、
// 記録の失敗がリクエストの可否に影響することはない。統計はルートテンプレート単位で
// 集計し、遅い記録先は AsyncStatsStore で要求の処理から切り離す。
package ratelimit
