package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Storage    StorageConfig
	Tracing    TracingConfig `mapstructure:"tracing"`
	Redis      RedisConfig
	AI         AIConfig
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Review     ReviewConfig     `mapstructure:"review"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Revision   RevisionConfig   `mapstructure:"revision"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	CORS       CORSConfig       `mapstructure:"cors"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ForceMigrate bool `mapstructure:"-"`
	MigrateOnly  bool `mapstructure:"-"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

// AIConfig 大模型网关配置，兼容 OpenAI 协议的任意厂商
type AIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	VisionModel       string        `mapstructure:"vision_model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout"`
	PostStreamTimeout time.Duration `mapstructure:"post_stream_timeout"`
	JudgeTimeout      time.Duration `mapstructure:"judge_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryInitialWait  time.Duration `mapstructure:"retry_initial_wait"`
	RetryMaxWait      time.Duration `mapstructure:"retry_max_wait"`
	MaxConnsPerHost   int           `mapstructure:"max_conns_per_host"`
}

type ClassifierConfig struct {
	RulesPath          string `mapstructure:"rules_path"`
	AIIntentEnabled    bool   `mapstructure:"ai_intent_enabled"`
	ExplicitMarkerOnly bool   `mapstructure:"explicit_marker_only"`
	Watch              bool   `mapstructure:"watch"`
}

type ReviewConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

type SnapshotConfig struct {
	ActiveDays    int           `mapstructure:"active_days"`
	RetentionDays int           `mapstructure:"retention_days"`
	PairTimeout   time.Duration `mapstructure:"pair_timeout"`
	AISummary     bool          `mapstructure:"ai_summary"`
}

type RevisionConfig struct {
	RendererURL     string        `mapstructure:"renderer_url"`
	RendererTimeout time.Duration `mapstructure:"renderer_timeout"`
	ValidDays       int           `mapstructure:"valid_days"`
}

type JobsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Driver    string
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
	SSLMode   string `mapstructure:"sslmode"`
	Path      string
}

type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	ExpireTime time.Duration `mapstructure:"expire_hours"`
}

type StorageConfig struct {
	Type          string `mapstructure:"type"`
	LocalPath     string `mapstructure:"local_path"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	MinioEndpoint string `mapstructure:"minio_endpoint"`
	MinioAccessID string `mapstructure:"minio_access_key"`
	MinioSecret   string `mapstructure:"minio_secret_key"`
	MinioBucket   string `mapstructure:"minio_bucket"`
	OSSEndpoint   string `mapstructure:"oss_endpoint"`
	OSSAccessKey  string `mapstructure:"oss_access_key"`
	OSSSecretKey  string `mapstructure:"oss_secret_key"`
	OSSBucket     string `mapstructure:"oss_bucket"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.driver", "mysql")
	viper.SetDefault("database.charset", "utf8mb4")
	viper.SetDefault("database.parsetime", true)

	viper.SetDefault("ai.timeout", 30*time.Second)
	viper.SetDefault("ai.stream_idle_timeout", 30*time.Second)
	viper.SetDefault("ai.post_stream_timeout", 60*time.Second)
	viper.SetDefault("ai.judge_timeout", 15*time.Second)
	viper.SetDefault("ai.max_retries", 2)
	viper.SetDefault("ai.retry_initial_wait", 500*time.Millisecond)
	viper.SetDefault("ai.retry_max_wait", 5*time.Second)
	viper.SetDefault("ai.max_conns_per_host", 16)

	viper.SetDefault("classifier.rules_path", "configs/classifier_rules.yaml")
	viper.SetDefault("review.max_attempts", 3)

	viper.SetDefault("snapshot.active_days", 7)
	viper.SetDefault("snapshot.retention_days", 30)
	viper.SetDefault("snapshot.pair_timeout", 60*time.Second)

	viper.SetDefault("revision.renderer_timeout", 60*time.Second)
	viper.SetDefault("revision.valid_days", 30)

	viper.SetDefault("jobs.interval", 24*time.Hour)
	viper.SetDefault("rate_limit.max_requests", 120)
	viper.SetDefault("rate_limit.window_minutes", 1)
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("ERROR_BOOK")
	viper.AutomaticEnv()
	setDefaults()

	// Database
	viper.BindEnv("database.driver", "DATABASE_DRIVER")
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.dbname", "DATABASE_NAME")
	viper.BindEnv("database.path", "DATABASE_PATH")

	// JWT
	viper.BindEnv("jwt.secret", "JWT_SECRET")

	// Redis
	viper.BindEnv("redis.enabled", "REDIS_ENABLED")
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	viper.BindEnv("server.mode", "SERVER_MODE")

	// AI
	viper.BindEnv("ai.base_url", "AI_BASE_URL")
	viper.BindEnv("ai.api_key", "AI_API_KEY")
	viper.BindEnv("ai.model", "AI_MODEL")
	viper.BindEnv("ai.vision_model", "AI_VISION_MODEL")

	// Storage / OSS
	viper.BindEnv("storage.type", "STORAGE_TYPE")
	viper.BindEnv("storage.public_base_url", "STORAGE_PUBLIC_BASE_URL")
	viper.BindEnv("storage.oss_endpoint", "OSS_ENDPOINT")
	viper.BindEnv("storage.oss_access_key", "OSS_ACCESS_KEY")
	viper.BindEnv("storage.oss_secret_key", "OSS_SECRET_KEY")
	viper.BindEnv("storage.oss_bucket", "OSS_BUCKET")
	viper.BindEnv("storage.minio_endpoint", "MINIO_ENDPOINT")
	viper.BindEnv("storage.minio_access_key", "MINIO_ACCESS_KEY")
	viper.BindEnv("storage.minio_secret_key", "MINIO_SECRET_KEY")
	viper.BindEnv("storage.minio_bucket", "MINIO_BUCKET")

	// Revision renderer
	viper.BindEnv("revision.renderer_url", "REVISION_RENDERER_URL")

	// Tracing
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.JWT.ExpireTime = cfg.JWT.ExpireTime * time.Hour

	if cfg.Server.Mode == "release" && len(cfg.JWT.Secret) < 32 {
		return nil, fmt.Errorf("JWT secret is too short (%d chars), must be at least 32 characters in release mode", len(cfg.JWT.Secret))
	}

	switch cfg.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	if cfg.Storage.Type == "local" {
		if _, err := os.Stat(cfg.Storage.LocalPath); os.IsNotExist(err) {
			os.MkdirAll(cfg.Storage.LocalPath, 0755)
		}
	}

	return &cfg, nil
}
