package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Remote service
	Endpoint             string
	ProjectID            string
	DatabaseID           string
	PostsCollectionID    string
	ProfilesCollectionID string
	BucketID             string

	// Adapter
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int

	// Image
	ImageMaxSize      int64
	ImageFetchTimeout time.Duration

	// Session
	SessionFile string

	// OAuth callback listener
	OAuthAddr string

	// Logging
	LogLevel slog.Level
}

// LoadEnvFile は .env ファイルの内容を環境変数に読み込む。
// 既に設定されている環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.Endpoint = strings.TrimRight(required("FOLIO_ENDPOINT"), "/")
	cfg.ProjectID = required("FOLIO_PROJECT_ID")
	cfg.DatabaseID = required("FOLIO_DATABASE_ID")
	cfg.PostsCollectionID = required("FOLIO_POSTS_COLLECTION_ID")
	cfg.ProfilesCollectionID = required("FOLIO_PROFILES_COLLECTION_ID")
	cfg.BucketID = required("FOLIO_BUCKET_ID")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return nil, fmt.Errorf("FOLIO_ENDPOINT must be an http(s) URL: %q", cfg.Endpoint)
	}

	// Optional fields with defaults
	cfg.RequestTimeout = getEnvDuration("FOLIO_REQUEST_TIMEOUT", 15*time.Second)
	cfg.RateLimit = getEnvFloat("FOLIO_RATE_LIMIT", 5)
	cfg.RateBurst = getEnvInt("FOLIO_RATE_BURST", 10)
	cfg.ImageMaxSize = getEnvInt64("FOLIO_IMAGE_MAX_SIZE", 5242880)
	cfg.ImageFetchTimeout = getEnvDuration("FOLIO_IMAGE_FETCH_TIMEOUT", 10*time.Second)
	cfg.SessionFile = getEnvString("FOLIO_SESSION_FILE", defaultSessionFile())
	cfg.OAuthAddr = getEnvString("FOLIO_OAUTH_ADDR", "127.0.0.1:8787")
	cfg.LogLevel = getEnvLevel("FOLIO_LOG_LEVEL", slog.LevelInfo)

	return cfg, nil
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "folio-session.json"
	}
	return filepath.Join(dir, "folio", "session.json")
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
