// Package env は環境変数から設定値を読み取る小さなヘルパーを提供する。
//
// 値が未設定または解析できない場合は既定値を返す。各サービスの起動時設定で使う。
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load はカレントディレクトリの .env を読み込む。
// ファイルが無い場合は何もしない。既に設定済みの環境変数は上書きしない。
func Load() error {
	return LoadFile(".env")
}

// LoadFile は指定したファイルを読み込む。ファイルが無い場合は何もしない。
// ファイルが存在して解析できない場合はエラーを返す。
func LoadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%s の読み込みに失敗: %w", path, err)
	}
	return nil
}

// GetOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func GetOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// Int は環境変数を整数として取得する。
func Int(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return i
}

// Bool は環境変数を真偽値として取得する。
func Bool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// Duration は環境変数を time.ParseDuration の形式で取得する。
func Duration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// List はカンマ区切りの環境変数を空要素を除いて取得する。
func List(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
