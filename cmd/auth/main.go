// 認証サービスのエントリポイント。
// ログインとセッションの発行、検証、破棄を担当する。Gatewayからのみ呼び出される。
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/nao1215/carhub/internal/auth"
	"github.com/nao1215/carhub/pkg/env"
)

func main() {
	if err := env.Load(); err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	port := env.GetOr("PORT", "4001")

	server, err := auth.NewServer(port)
	if err != nil {
		log.Fatalf("認証サーバーの初期化に失敗: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("認証サービスを起動します: :%s", port)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("認証サービスの起動に失敗: %v", err)
	}
}
