package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server  ServerConfig
	MongoDB MongoDBConfig
	Redis   RedisConfig
	Cache   CacheConfig
	Session SessionConfig
}

type ServerConfig struct {
	MetricsPort string
	Environment string
	LogLevel    string
}

type MongoDBConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type CacheConfig struct {
	// Provider selects the cache backend: "redis" or "memory".
	Provider   string
	Prefix     string
	DefaultTTL time.Duration
	// MaxCost bounds the in-process provider's memory, in bytes.
	MaxCost int64
}

type SessionConfig struct {
	TTL         time.Duration
	GraceWindow time.Duration
	// Secret signs session token payloads (HS256).
	Secret string
	// CleanupInterval drives the rotated-session cleanup ticker.
	CleanupInterval time.Duration
}

// LoadConfig loads configuration from environment variables and .env file
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env")

	viper.AutomaticEnv()

	viper.SetDefault("METRICS_PORT", "9102")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("MONGODB_DATABASE", "stratum")
	viper.SetDefault("MONGODB_TIMEOUT", 10)
	viper.SetDefault("CACHE_PROVIDER", "memory")
	viper.SetDefault("CACHE_PREFIX", "stratum")
	viper.SetDefault("CACHE_DEFAULT_TTL", 300)
	viper.SetDefault("CACHE_MAX_COST", 64<<20)
	viper.SetDefault("SESSION_TTL", 10080)
	viper.SetDefault("SESSION_GRACE_WINDOW", 5)
	viper.SetDefault("SESSION_CLEANUP_INTERVAL", 60)

	cfg := &Config{
		Server: ServerConfig{
			MetricsPort: viper.GetString("METRICS_PORT"),
			Environment: viper.GetString("ENVIRONMENT"),
			LogLevel:    viper.GetString("LOG_LEVEL"),
		},
		MongoDB: MongoDBConfig{
			URI:      getEnvOrPanic("MONGODB_URI"),
			Database: viper.GetString("MONGODB_DATABASE"),
			Timeout:  time.Duration(viper.GetInt("MONGODB_TIMEOUT")) * time.Second,
		},
		Redis: RedisConfig{
			Host:     viper.GetString("REDIS_HOST"),
			Port:     viper.GetString("REDIS_PORT"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       0,
		},
		Cache: CacheConfig{
			Provider:   viper.GetString("CACHE_PROVIDER"),
			Prefix:     viper.GetString("CACHE_PREFIX"),
			DefaultTTL: time.Duration(viper.GetInt("CACHE_DEFAULT_TTL")) * time.Second,
			MaxCost:    viper.GetInt64("CACHE_MAX_COST"),
		},
		Session: SessionConfig{
			TTL:             time.Duration(viper.GetInt("SESSION_TTL")) * time.Minute,
			GraceWindow:     time.Duration(viper.GetInt("SESSION_GRACE_WINDOW")) * time.Minute,
			Secret:          os.Getenv("SESSION_SECRET"),
			CleanupInterval: time.Duration(viper.GetInt("SESSION_CLEANUP_INTERVAL")) * time.Minute,
		},
	}

	// Basic validation
	if cfg.Session.Secret == "" {
		log.Println("WARNING: SESSION_SECRET is not set; set a secure value in production")
	}

	return cfg, nil
}

func getEnvOrPanic(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("environment variable %s is required", key)
	}
	return v
}
