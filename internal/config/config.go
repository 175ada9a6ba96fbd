// Package config reads the process configuration from environment
// variables, with a .env file as an optional convenience for development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Paths    PathsConfig
	Worker   WorkerConfig
	Database DatabaseConfig
}

type ServerConfig struct {
	Host string // defaults to 0.0.0.0
	Port int    // defaults to 8080
}

// Addr is the host:port the HTTP server binds to.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

type PathsConfig struct {
	UploadDir string // defaults to ./uploads
	OutputDir string // defaults to ./outputs
}

type WorkerConfig struct {
	// Command launches the face engine sidecar, split on whitespace.
	Command []string
	// ReadTimeout bounds a single detection round trip.
	ReadTimeout time.Duration
}

type DatabaseConfig struct {
	URL string // PostgreSQL connection URL, empty disables persistence
}

// envStr reads an environment variable with a default.
func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envDuration reads an environment variable as a Go duration string.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envStr("FACEFIND_HOST", "0.0.0.0"),
			Port: envInt("FACEFIND_PORT", 8080),
		},
		Paths: PathsConfig{
			UploadDir: envStr("FACEFIND_UPLOAD_DIR", "./uploads"),
			OutputDir: envStr("FACEFIND_OUTPUT_DIR", "./outputs"),
		},
		Worker: WorkerConfig{
			Command:     strings.Fields(envStr("FACEFIND_WORKER_CMD", "python3 -u python/worker.py")),
			ReadTimeout: envDuration("FACEFIND_WORKER_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
	}
}
