package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalidConfig は設定値が許容範囲外の場合のエラー
var ErrInvalidConfig = errors.New("invalid configuration")

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// OpenAI設定（Embeddings + LLM）
	OpenAI OpenAIConfig

	// ハイブリッド検索設定
	Retrieval RetrievalConfig

	// スタイルプロファイルキャッシュ設定
	Style StyleConfig

	// 問題生成パイプライン設定
	Pipeline PipelineConfig

	// HTTPサーバー設定
	Server ServerConfig

	// ログ設定
	Log LogConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// OpenAIConfig はOpenAI API設定（Embeddings + LLM）
type OpenAIConfig struct {
	APIKey             string
	EmbeddingModel     string
	EmbeddingDimension int
	LLMModel           string
	RequestsPerMinute  int
	PricingFile        string // 空の場合はコスト制限なし
}

// RetrievalConfig はハイブリッド検索の設定
type RetrievalConfig struct {
	RankConstant        int
	TopK                int
	SimilarityThreshold float64
}

// StyleConfig はスタイルプロファイルの鮮度ポリシー
type StyleConfig struct {
	// MaxAge を超えたプロファイルは再抽出される。0 は無期限
	MaxAge time.Duration
}

// PipelineConfig はエージェントパイプラインの設定
type PipelineConfig struct {
	MaxDraftAttempts    int
	MinQualityScore     float64
	DedupThreshold      float64
	CallTimeout         time.Duration
	CollaboratorRetries int
	CheckHistory        bool
	EventBuffer         int
}

// ServerConfig はHTTPサーバー設定
type ServerConfig struct {
	Host string
	Port int
}

// LogConfig はログ出力設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "examrag"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "examrag"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
			LLMModel:           getEnv("OPENAI_LLM_MODEL", "gpt-4o-mini"),
			RequestsPerMinute:  getEnvAsInt("OPENAI_REQUESTS_PER_MINUTE", 60),
			PricingFile:        getEnv("OPENAI_PRICING_FILE", ""),
		},
		Retrieval: RetrievalConfig{
			RankConstant:        getEnvAsInt("RRF_RANK_CONSTANT", 60),
			TopK:                getEnvAsInt("RETRIEVAL_TOP_K", 5),
			SimilarityThreshold: getEnvAsFloat("RETRIEVAL_SIMILARITY_THRESHOLD", 0.3),
		},
		Style: StyleConfig{
			MaxAge: getEnvAsDuration("STYLE_PROFILE_MAX_AGE", 0),
		},
		Pipeline: PipelineConfig{
			MaxDraftAttempts:    getEnvAsInt("PIPELINE_MAX_DRAFT_ATTEMPTS", 3),
			MinQualityScore:     getEnvAsFloat("PIPELINE_MIN_QUALITY_SCORE", 6),
			DedupThreshold:      getEnvAsFloat("PIPELINE_DEDUP_THRESHOLD", 0.92),
			CallTimeout:         getEnvAsDuration("PIPELINE_CALL_TIMEOUT", 90*time.Second),
			CollaboratorRetries: getEnvAsInt("PIPELINE_COLLABORATOR_RETRIES", 1),
			CheckHistory:        getEnvAsBool("PIPELINE_CHECK_HISTORY", false),
			EventBuffer:         getEnvAsInt("PIPELINE_EVENT_BUFFER", 16),
		},
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate は設定値の範囲を検証します
func (c *Config) Validate() error {
	var errs []error

	if c.Retrieval.RankConstant <= 0 {
		errs = append(errs, fmt.Errorf("RRF_RANK_CONSTANT must be positive: %d", c.Retrieval.RankConstant))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("RETRIEVAL_TOP_K must be positive: %d", c.Retrieval.TopK))
	}
	if c.Pipeline.DedupThreshold <= 0 || c.Pipeline.DedupThreshold > 1 {
		errs = append(errs, fmt.Errorf("PIPELINE_DEDUP_THRESHOLD must be in (0, 1]: %g", c.Pipeline.DedupThreshold))
	}
	if c.Pipeline.MinQualityScore < 0 || c.Pipeline.MinQualityScore > 10 {
		errs = append(errs, fmt.Errorf("PIPELINE_MIN_QUALITY_SCORE must be in [0, 10]: %g", c.Pipeline.MinQualityScore))
	}
	if c.Pipeline.MaxDraftAttempts < 1 {
		errs = append(errs, fmt.Errorf("PIPELINE_MAX_DRAFT_ATTEMPTS must be >= 1: %d", c.Pipeline.MaxDraftAttempts))
	}
	if c.Pipeline.CollaboratorRetries < 0 {
		errs = append(errs, fmt.Errorf("PIPELINE_COLLABORATOR_RETRIES must be >= 0: %d", c.Pipeline.CollaboratorRetries))
	}
	if c.Pipeline.EventBuffer < 1 {
		errs = append(errs, fmt.Errorf("PIPELINE_EVENT_BUFFER must be >= 1: %d", c.Pipeline.EventBuffer))
	}
	if c.Style.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("STYLE_PROFILE_MAX_AGE must not be negative: %s", c.Style.MaxAge))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
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

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "90s" 形式の環境変数を time.Duration として取得します
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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
