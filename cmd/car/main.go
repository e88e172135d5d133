// 車両サービスのエントリポイント。
// Gatewayが付与した本人情報を信頼して車両の参照と管理を提供する。
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/nao1215/carhub/internal/car"
	"github.com/nao1215/carhub/pkg/env"
)

func main() {
	if err := env.Load(); err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	port := env.GetOr("PORT", "4002")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := car.NewServer(ctx, port)
	if err != nil {
		log.Fatalf("車両サーバーの初期化に失敗: %v", err)
	}

	log.Printf("車両サービスを起動します: :%s", port)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("車両サービスの起動に失敗: %v", err)
	}
}
