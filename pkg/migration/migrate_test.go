package migration

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestRun はマイグレーションの適用を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/000002_add_color.up.sql":      {Data: []byte("ALTER TABLE items ADD COLUMN color TEXT;")},
		"migrations/000001_create_items.up.sql":   {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);")},
		"migrations/000001_create_items.down.sql": {Data: []byte("DROP TABLE items;")},
		"migrations/README.md":                    {Data: []byte("ignored")},
	}

	t.Run("バージョン順に適用し再実行では何もしないこと", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		ctx := context.Background()

		n, err := Run(ctx, db, fsys, "migrations")
		if err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}
		if n != 2 {
			t.Errorf("適用件数 = %d, want 2", n)
		}
		if _, err := db.Exec("INSERT INTO items (id, color) VALUES (1, 'red')"); err != nil {
			t.Errorf("スキーマが適用されていない: %v", err)
		}

		n, err = Run(ctx, db, fsys, "migrations")
		if err != nil || n != 0 {
			t.Errorf("再実行: n = %d, err = %v, want 0, nil", n, err)
		}

		applied, _ := AppliedVersions(ctx, db)
		if len(applied) != 2 {
			t.Errorf("適用済みバージョン数 = %d, want 2", len(applied))
		}
	})

	t.Run("SQLが失敗した場合はバージョンを記録しないこと", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		bad := fstest.MapFS{"m/000001_broken.up.sql": {Data: []byte("CREATE TABL oops;")}}
		if _, err := Run(context.Background(), db, bad, "m"); err == nil {
			t.Fatal("Run()がエラーを返すべき")
		}
		applied, _ := AppliedVersions(context.Background(), db)
		if len(applied) != 0 {
			t.Errorf("適用済みバージョン数 = %d, want 0", len(applied))
		}
	})
}

// TestCollect はファイル収集を検証する。
func TestCollect(t *testing.T) {
	t.Parallel()

	t.Run("重複したバージョンはエラーになること", func(t *testing.T) {
		t.Parallel()

		fsys := fstest.MapFS{
			"m/000001_a.up.sql": {Data: []byte("SELECT 1;")},
			"m/000001_b.up.sql": {Data: []byte("SELECT 1;")},
		}
		if _, err := Collect(fsys, "m"); err == nil {
			t.Error("Collect()がエラーを返すべき")
		}
	})

	t.Run("命名規則に合わないファイルは無視されること", func(t *testing.T) {
		t.Parallel()

		fsys := fstest.MapFS{
			"m/init.up.sql":       {Data: []byte("SELECT 1;")},
			"m/abc_x.up.sql":      {Data: []byte("SELECT 1;")},
			"m/000003_ok.up.sql": {Data: []byte("SELECT 1;")},
		}
		files, err := Collect(fsys, "m")
		if err != nil {
			t.Fatalf("Collect()でエラーが発生: %v", err)
		}
		if len(files) != 1 || files[0].Version != 3 || files[0].Name != "ok" || files[0].Path != "m/000003_ok.up.sql" {
			t.Errorf("Collect() = %+v", files)
		}
	})
}
