package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Document store drivers.
const (
	DocstoreMemory   = "memory"
	DocstorePostgres = "postgres"
)

// Blob store drivers.
const (
	BlobLocal = "local"
	BlobAzure = "azure"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	Docstore DocstoreConfig
	Blob     BlobConfig
	Sync     SyncConfig
	Cache    CacheConfig
	Metrics  MetricsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Issuer            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// DocstoreConfig selects the document store backend.
type DocstoreConfig struct {
	Driver        string
	NotifyChannel string
	MinReconnect  time.Duration
	MaxReconnect  time.Duration
}

// BlobConfig configures attachment storage.
type BlobConfig struct {
	Driver           string
	AccountName      string
	SASToken         string
	Container        string
	LocalDir         string
	PublicBaseURL    string
	SignedURLSecret  string
	SignedURLTTL     time.Duration
	MaxFileSizeBytes int64
}

// SyncConfig tunes dashboard sync engines.
type SyncConfig struct {
	EventBuffer     int
	ProfileWorkers  int
	SessionIdleTTL  time.Duration
	JanitorInterval time.Duration
}

// CacheConfig governs role lookup caching.
type CacheConfig struct {
	RoleTTL time.Duration
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Issuer:            v.GetString("JWT_ISSUER"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Docstore = DocstoreConfig{
		Driver:        strings.ToLower(v.GetString("DOCSTORE_DRIVER")),
		NotifyChannel: v.GetString("DOCSTORE_NOTIFY_CHANNEL"),
		MinReconnect:  parseDuration(v.GetString("DOCSTORE_MIN_RECONNECT"), 10*time.Second),
		MaxReconnect:  parseDuration(v.GetString("DOCSTORE_MAX_RECONNECT"), time.Minute),
	}

	maxFileSize := v.GetInt64("BLOB_MAX_FILE_SIZE")
	if maxFileSize <= 0 {
		maxFileSize = 25 * 1024 * 1024
	}
	cfg.Blob = BlobConfig{
		Driver:           strings.ToLower(v.GetString("BLOB_DRIVER")),
		AccountName:      v.GetString("AZURE_STORAGE_ACCOUNT_NAME"),
		SASToken:         v.GetString("AZURE_STORAGE_SAS_TOKEN"),
		Container:        v.GetString("AZURE_STORAGE_CONTAINER_NAME"),
		LocalDir:         v.GetString("BLOB_LOCAL_DIR"),
		PublicBaseURL:    strings.TrimRight(v.GetString("BLOB_PUBLIC_BASE_URL"), "/"),
		SignedURLSecret:  v.GetString("BLOB_SIGNED_URL_SECRET"),
		SignedURLTTL:     parseDuration(v.GetString("BLOB_SIGNED_URL_TTL"), 24*time.Hour),
		MaxFileSizeBytes: maxFileSize,
	}

	cfg.Sync = SyncConfig{
		EventBuffer:     v.GetInt("SYNC_EVENT_BUFFER"),
		ProfileWorkers:  v.GetInt("SYNC_PROFILE_WORKERS"),
		SessionIdleTTL:  parseDuration(v.GetString("SYNC_SESSION_IDLE_TTL"), 30*time.Minute),
		JanitorInterval: parseDuration(v.GetString("SYNC_JANITOR_INTERVAL"), time.Minute),
	}

	cfg.Cache = CacheConfig{
		RoleTTL: parseDuration(v.GetString("ROLE_CACHE_TTL"), 5*time.Minute),
	}

	cfg.Metrics = MetricsConfig{
		Enabled: v.GetBool("ENABLE_METRICS"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "classroom_sync")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "classroom-sync")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("DOCSTORE_DRIVER", DocstoreMemory)
	v.SetDefault("DOCSTORE_NOTIFY_CHANNEL", "docstore_changes")
	v.SetDefault("DOCSTORE_MIN_RECONNECT", "10s")
	v.SetDefault("DOCSTORE_MAX_RECONNECT", "1m")

	v.SetDefault("BLOB_DRIVER", BlobLocal)
	v.SetDefault("AZURE_STORAGE_ACCOUNT_NAME", "")
	v.SetDefault("AZURE_STORAGE_SAS_TOKEN", "")
	v.SetDefault("AZURE_STORAGE_CONTAINER_NAME", "learn-admin-files")
	v.SetDefault("BLOB_LOCAL_DIR", "./blobs")
	v.SetDefault("BLOB_PUBLIC_BASE_URL", "http://localhost:8080/files")
	v.SetDefault("BLOB_SIGNED_URL_SECRET", "dev_blob_secret")
	v.SetDefault("BLOB_SIGNED_URL_TTL", "24h")
	v.SetDefault("BLOB_MAX_FILE_SIZE", 25*1024*1024)

	v.SetDefault("SYNC_EVENT_BUFFER", 64)
	v.SetDefault("SYNC_PROFILE_WORKERS", 2)
	v.SetDefault("SYNC_SESSION_IDLE_TTL", "30m")
	v.SetDefault("SYNC_JANITOR_INTERVAL", "1m")

	v.SetDefault("ROLE_CACHE_TTL", "5m")
	v.SetDefault("ENABLE_METRICS", true)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
