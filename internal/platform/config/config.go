package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// ログ設定
	Log LogConfig

	// スコアリングジョブ設定
	Scoring ScoringConfig

	// メトリクス公開アドレス（空の場合は公開しない）
	MetricsAddr string
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// LogConfig はロガー設定
type LogConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
}

// ScoringConfig はスコアリングジョブの設定
type ScoringConfig struct {
	RunTimeout        time.Duration // 1回の実行期限（0 は無期限）
	MaxParallelJobs   int           // 同時に実行するスコアラー数
	UpdateConcurrency int           // スコア更新の並行数（並行書き込み可能なストアのみ）
	Cron              string        // schedule コマンドのデフォルトスケジュール
	ReadinessTimeout  time.Duration // 起動チェック完了を待つ上限（0 は無期限）
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "howdju"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "howdju"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 4),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Scoring: ScoringConfig{
			RunTimeout:        getEnvAsDuration("SCORING_RUN_TIMEOUT", 5*time.Minute),
			MaxParallelJobs:   getEnvAsInt("SCORING_MAX_PARALLEL_JOBS", 3),
			UpdateConcurrency: getEnvAsInt("SCORING_UPDATE_CONCURRENCY", 1),
			Cron:              getEnv("SCORING_CRON", "*/5 * * * *"),
			ReadinessTimeout:  getEnvAsDuration("READINESS_TIMEOUT", 30*time.Second),
		},
		MetricsAddr: getEnv("METRICS_ADDR", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate は設定値の整合性を検証します
func (c *Config) Validate() error {
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT が不正です: %d", c.Database.Port)
	}
	if c.Scoring.RunTimeout < 0 {
		return fmt.Errorf("SCORING_RUN_TIMEOUT は0以上である必要があります: %s", c.Scoring.RunTimeout)
	}
	if c.Scoring.ReadinessTimeout < 0 {
		return fmt.Errorf("READINESS_TIMEOUT は0以上である必要があります: %s", c.Scoring.ReadinessTimeout)
	}
	if c.Scoring.MaxParallelJobs < 1 {
		return fmt.Errorf("SCORING_MAX_PARALLEL_JOBS は1以上である必要があります: %d", c.Scoring.MaxParallelJobs)
	}
	if c.Scoring.UpdateConcurrency < 1 {
		return fmt.Errorf("SCORING_UPDATE_CONCURRENCY は1以上である必要があります: %d", c.Scoring.UpdateConcurrency)
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: "30s", "5m"）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
