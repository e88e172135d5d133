package car

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrNotFound は車両が存在しないことを表す。
var ErrNotFound = errors.New("car not found")

// Car は車両レコード。
type Car struct {
	ID        int64   `json:"id"`
	Brand     string  `json:"brand"`
	Model     string  `json:"model"`
	Year      int     `json:"year"`
	Color     string  `json:"color"`
	Price     float64 `json:"price"`
	Available bool    `json:"available"`
	CreatedAt string  `json:"created_at"`
}

// CarInput は登録・更新時の入力値。
type CarInput struct {
	Brand     string
	Model     string
	Year      int
	Color     string
	Price     float64
	Available bool
}

// ListParams は一覧取得の条件。
type ListParams struct {
	// Page は1始まりのページ番号。
	Page int
	// Limit は1ページあたりの件数。
	Limit int
	// Search はブランドまたはモデルの部分一致条件。
	Search string
}

// BrandCount はブランドごとの台数。
type BrandCount struct {
	Brand string `json:"brand"`
	Count int    `json:"count"`
}

// Stats は車両の集計結果。
type Stats struct {
	Total        int          `json:"total"`
	Available    int          `json:"available"`
	AveragePrice int64        `json:"averagePrice"`
	TopBrands    []BrandCount `json:"topBrands"`
}

// Store はcarsテーブルへの読み書きを行う。
type Store struct {
	db *sql.DB
}

// NewStore はデータベース接続からストアを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const carColumns = `id, brand, model, year, color, price, available,
	strftime('%Y-%m-%dT%H:%M:%SZ', created_at)`

// List は購入可能な車両を新しい順に返す。あわせて条件に一致する総数を返す。
func (s *Store) List(ctx context.Context, p ListParams) ([]Car, int, error) {
	where := "WHERE available = 1"
	var args []any
	if p.Search != "" {
		where += " AND (brand LIKE ? ESCAPE '\\' OR model LIKE ? ESCAPE '\\')"
		pattern := "%" + escapeLike(p.Search) + "%"
		args = append(args, pattern, pattern)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cars "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("車両数の取得に失敗: %w", err)
	}

	query := "SELECT " + carColumns + " FROM cars " + where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, p.Limit, (p.Page-1)*p.Limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("車両一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cars := make([]Car, 0, p.Limit)
	for rows.Next() {
		c, err := scanCar(rows)
		if err != nil {
			return nil, 0, err
		}
		cars = append(cars, c)
	}
	return cars, total, rows.Err()
}

// Get はIDで車両を取得する。存在しない場合は ErrNotFound を返す。
func (s *Store) Get(ctx context.Context, id int64) (Car, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+carColumns+" FROM cars WHERE id = ?", id)
	c, err := scanCar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Car{}, ErrNotFound
	}
	return c, err
}

// Create は車両を登録し、登録後のレコードを返す。
func (s *Store) Create(ctx context.Context, in CarInput) (Car, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO cars (brand, model, year, color, price, available) VALUES (?, ?, ?, ?, ?, 1)",
		in.Brand, in.Model, in.Year, in.Color, in.Price)
	if err != nil {
		return Car{}, fmt.Errorf("車両の登録に失敗: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Car{}, fmt.Errorf("登録IDの取得に失敗: %w", err)
	}
	return s.Get(ctx, id)
}

// Update は車両を更新する。存在しない場合は ErrNotFound を返す。
func (s *Store) Update(ctx context.Context, id int64, in CarInput) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE cars SET brand = ?, model = ?, year = ?, color = ?, price = ?, available = ? WHERE id = ?",
		in.Brand, in.Model, in.Year, in.Color, in.Price, in.Available, id)
	if err != nil {
		return fmt.Errorf("車両の更新に失敗: %w", err)
	}
	return requireAffected(res)
}

// Delete は車両を削除する。存在しない場合は ErrNotFound を返す。
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cars WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("車両の削除に失敗: %w", err)
	}
	return requireAffected(res)
}

// Count は登録済みの全車両数を返す。
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cars").Scan(&n)
	return n, err
}

// Stats は総数・購入可能数・平均価格・上位5ブランドを集計する。
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(available), 0), AVG(price) FROM cars").Scan(&st.Total, &st.Available, &avg)
	if err != nil {
		return Stats{}, fmt.Errorf("車両の集計に失敗: %w", err)
	}
	st.AveragePrice = int64(math.Round(avg.Float64))

	rows, err := s.db.QueryContext(ctx,
		"SELECT brand, COUNT(*) AS n FROM cars GROUP BY brand ORDER BY n DESC, brand ASC LIMIT 5")
	if err != nil {
		return Stats{}, fmt.Errorf("ブランド別集計に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	st.TopBrands = []BrandCount{}
	for rows.Next() {
		var b BrandCount
		if err := rows.Scan(&b.Brand, &b.Count); err != nil {
			return Stats{}, err
		}
		st.TopBrands = append(st.TopBrands, b)
	}
	return st, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCar(sc scanner) (Car, error) {
	var c Car
	err := sc.Scan(&c.ID, &c.Brand, &c.Model, &c.Year, &c.Color, &c.Price, &c.Available, &c.CreatedAt)
	return c, err
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// escapeLike はLIKE検索のワイルドカード文字をエスケープする。
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
