package car

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"

	"github.com/nao1215/carhub/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sampleCars はテーブルが空のときに投入する初期データ。
var sampleCars = []CarInput{
	{Brand: "Toyota", Model: "Corolla", Year: 2023, Color: "Branco", Price: 85000},
	{Brand: "Honda", Model: "Civic", Year: 2023, Color: "Prata", Price: 90000},
	{Brand: "Ford", Model: "Focus", Year: 2022, Color: "Azul", Price: 75000},
	{Brand: "Volkswagen", Model: "Jetta", Year: 2023, Color: "Preto", Price: 95000},
}

// initSchema はマイグレーションを適用する。
func initSchema(ctx context.Context, db *sql.DB) error {
	if _, err := migration.Run(ctx, db, migrationsFS, "migrations"); err != nil {
		return err
	}
	return nil
}

// seedIfEmpty は車両が1台も無い場合に初期データを投入する。
func seedIfEmpty(ctx context.Context, store *Store) error {
	n, err := store.Count(ctx)
	if err != nil {
		return fmt.Errorf("車両数の取得に失敗: %w", err)
	}
	if n > 0 {
		log.Printf("[CAR] 登録済みの車両: %d台", n)
		return nil
	}

	for _, in := range sampleCars {
		if _, err := store.Create(ctx, in); err != nil {
			return fmt.Errorf("初期データの投入に失敗: %w", err)
		}
	}
	log.Printf("[CAR] 初期データを%d台投入しました", len(sampleCars))
	return nil
}
