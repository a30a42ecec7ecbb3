package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Chat store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	CORS        CORSConfig
	Log         LogConfig
	Chat        ChatConfig
	Realtime    RealtimeConfig
	Presence    PresenceConfig
	Transcripts TranscriptsConfig
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
	Secret     string
	Expiration time.Duration
	Issuer     string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// ChatConfig tunes conversation storage and policy points.
type ChatConfig struct {
	StoreDriver                   string
	ListCacheTTL                  time.Duration
	MaxMessageLength              int
	MessagePageSize               int
	VicePresidentRequiresApproval bool
	DefaultGroupImage             string
}

// RealtimeConfig configures websocket connection behaviour.
type RealtimeConfig struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

// PresenceConfig controls the background last-active updater.
type PresenceConfig struct {
	Workers    int
	MaxRetries int
}

// TranscriptsConfig controls conversation transcript exports.
type TranscriptsConfig struct {
	Enabled         bool
	StorageDir      string
	SignedURLSecret string
	SignedURLTTL    time.Duration
	Retention       time.Duration
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
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
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
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 7*24*time.Hour),
		Issuer:     v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	driver := strings.ToLower(v.GetString("CHAT_STORE_DRIVER"))
	if driver != StoreDriverMemory {
		driver = StoreDriverPostgres
	}
	cfg.Chat = ChatConfig{
		StoreDriver:                   driver,
		ListCacheTTL:                  parseDuration(v.GetString("CHAT_LIST_CACHE_TTL"), 2*time.Minute),
		MaxMessageLength:              positiveInt(v.GetInt("CHAT_MAX_MESSAGE_LENGTH"), 4000),
		MessagePageSize:               positiveInt(v.GetInt("CHAT_MESSAGE_PAGE_SIZE"), 50),
		VicePresidentRequiresApproval: v.GetBool("CHAT_VICE_PRESIDENT_REQUIRES_APPROVAL"),
		DefaultGroupImage:             v.GetString("CHAT_DEFAULT_GROUP_IMAGE"),
	}

	cfg.Realtime = RealtimeConfig{
		SendBuffer:     positiveInt(v.GetInt("WS_SEND_BUFFER"), 256),
		WriteWait:      parseDuration(v.GetString("WS_WRITE_WAIT"), 10*time.Second),
		PongWait:       parseDuration(v.GetString("WS_PONG_WAIT"), 60*time.Second),
		MaxMessageSize: v.GetInt64("WS_MAX_MESSAGE_SIZE"),
		AllowedOrigins: splitAndTrim(v.GetString("WS_ALLOWED_ORIGINS")),
	}
	if cfg.Realtime.MaxMessageSize <= 0 {
		cfg.Realtime.MaxMessageSize = 64 * 1024
	}

	cfg.Presence = PresenceConfig{
		Workers:    positiveInt(v.GetInt("PRESENCE_WORKERS"), 1),
		MaxRetries: positiveInt(v.GetInt("PRESENCE_MAX_RETRIES"), 2),
	}

	cfg.Transcripts = TranscriptsConfig{
		Enabled:         v.GetBool("ENABLE_TRANSCRIPTS"),
		StorageDir:      v.GetString("TRANSCRIPTS_STORAGE_DIR"),
		SignedURLSecret: v.GetString("TRANSCRIPTS_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("TRANSCRIPTS_SIGNED_URL_TTL"), 30*time.Minute),
		Retention:       parseDuration(v.GetString("TRANSCRIPTS_RETENTION"), 24*time.Hour),
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
	v.SetDefault("DB_NAME", "class_chat")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "168h")
	v.SetDefault("JWT_ISSUER", "sma-class-chat")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("CHAT_STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("CHAT_LIST_CACHE_TTL", "2m")
	v.SetDefault("CHAT_MAX_MESSAGE_LENGTH", 4000)
	v.SetDefault("CHAT_MESSAGE_PAGE_SIZE", 50)
	v.SetDefault("CHAT_VICE_PRESIDENT_REQUIRES_APPROVAL", false)
	v.SetDefault("CHAT_DEFAULT_GROUP_IMAGE", "/static/default-group.png")

	v.SetDefault("WS_SEND_BUFFER", 256)
	v.SetDefault("WS_WRITE_WAIT", "10s")
	v.SetDefault("WS_PONG_WAIT", "60s")
	v.SetDefault("WS_MAX_MESSAGE_SIZE", 64*1024)
	v.SetDefault("WS_ALLOWED_ORIGINS", "")

	v.SetDefault("PRESENCE_WORKERS", 1)
	v.SetDefault("PRESENCE_MAX_RETRIES", 2)

	v.SetDefault("ENABLE_TRANSCRIPTS", false)
	v.SetDefault("TRANSCRIPTS_STORAGE_DIR", "./transcripts")
	v.SetDefault("TRANSCRIPTS_SIGNED_URL_SECRET", "dev_transcripts_secret")
	v.SetDefault("TRANSCRIPTS_SIGNED_URL_TTL", "30m")
	v.SetDefault("TRANSCRIPTS_RETENTION", "24h")
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

func positiveInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
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
