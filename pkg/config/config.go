// Package config loads server settings from an optional .env file, the
// environment and an optional config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Operation log backends.
const (
	BackendNone     = "none"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Config holds the server configuration.
type Config struct {
	ServerAddr string

	OpLogBackend string

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	SQLitePath string

	RedisAddr         string
	RedisStreamPrefix string

	PersistTimeout time.Duration
	SendBuffer     int
	ReadLimit      int64
	AllowedOrigins []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_ADDR", ":8080")
	v.SetDefault("OPLOG_BACKEND", BackendNone)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "collab")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("SQLITE_PATH", "collab.db")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_STREAM_PREFIX", "collab:oplog:")
	v.SetDefault("PERSIST_TIMEOUT", 2*time.Second)
	v.SetDefault("SEND_BUFFER", 256)
	v.SetDefault("READ_LIMIT", 64*1024)
	v.SetDefault("ALLOWED_ORIGINS", "")
}

// Load reads .env (if present), then the environment. CONFIG_FILE may name
// a yaml, json or toml file whose keys use the same names.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		log.Printf("Loaded config file %s", path)
	}

	cfg := &Config{
		ServerAddr:        v.GetString("SERVER_ADDR"),
		OpLogBackend:      strings.ToLower(v.GetString("OPLOG_BACKEND")),
		DBHost:            v.GetString("DB_HOST"),
		DBPort:            v.GetInt("DB_PORT"),
		DBUser:            v.GetString("DB_USER"),
		DBPassword:        v.GetString("DB_PASSWORD"),
		DBName:            v.GetString("DB_NAME"),
		DBSSLMode:         v.GetString("DB_SSLMODE"),
		SQLitePath:        v.GetString("SQLITE_PATH"),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisStreamPrefix: v.GetString("REDIS_STREAM_PREFIX"),
		PersistTimeout:    v.GetDuration("PERSIST_TIMEOUT"),
		SendBuffer:        v.GetInt("SEND_BUFFER"),
		ReadLimit:         v.GetInt64("READ_LIMIT"),
		AllowedOrigins:    splitList(v.GetString("ALLOWED_ORIGINS")),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.OpLogBackend {
	case BackendNone, BackendPostgres, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("unknown OPLOG_BACKEND %q", c.OpLogBackend)
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("PERSIST_TIMEOUT must be positive, got %s", c.PersistTimeout)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetServerAddr returns the listen address.
func (c *Config) GetServerAddr() string {
	return c.ServerAddr
}

// GetDatabaseConnectionString returns the lib/pq connection string.
func (c *Config) GetDatabaseConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}
