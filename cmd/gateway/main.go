// API Gatewayサービスのエントリポイント。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
// リクエスト数制限、セッションの検証、バックエンドへの転送を担当する。
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/nao1215/carhub/internal/gateway"
	"github.com/nao1215/carhub/pkg/env"
)

func main() {
	if err := env.Load(); err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	cfg := gateway.LoadConfig()

	server, err := gateway.NewServer(cfg)
	if err != nil {
		log.Fatalf("Gatewayサーバーの初期化に失敗: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Gatewayサービスを起動します: :%s", cfg.Port)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("Gatewayサービスの起動に失敗: %v", err)
	}
	log.Printf("Gatewayサービスを停止しました")
}
