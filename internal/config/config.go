package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all tetherd configuration.
type Config struct {
	SocketPath     string        `env:"TETHER_SOCKET"`
	DBPath         string        `env:"TETHER_DB"`
	LogLevel       string        `env:"TETHER_LOG_LEVEL" envDefault:"info"`
	ConnectTimeout time.Duration `env:"TETHER_CONNECT_TIMEOUT" envDefault:"5s"`
	RequestTimeout time.Duration `env:"TETHER_REQUEST_TIMEOUT" envDefault:"10s"`
	SyncInterval   time.Duration `env:"TETHER_SYNC_INTERVAL" envDefault:"15s"`
	SyncBatchLimit int           `env:"TETHER_SYNC_BATCH_LIMIT" envDefault:"500"`
	// FetchRate bounds remote log fetches per second across all servers.
	FetchRate  float64 `env:"TETHER_FETCH_RATE" envDefault:"10"`
	FetchBurst int     `env:"TETHER_FETCH_BURST" envDefault:"20"`
}

// Load reads configuration from environment variables, falling back to
// XDG-style defaults for filesystem paths. A .env file is honored for
// local development.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaultSocketPath()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath()
	}
	return cfg, nil
}

// Default returns the configuration used when the environment is empty.
func Default() Config {
	return Config{
		SocketPath:     defaultSocketPath(),
		DBPath:         defaultDBPath(),
		LogLevel:       "info",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		SyncInterval:   15 * time.Second,
		SyncBatchLimit: 500,
		FetchRate:      10,
		FetchBurst:     20,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "tether", "tetherd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tetherd.sock"
	}
	return filepath.Join(home, ".local", "state", "tether", "tetherd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tether.db"
	}
	return filepath.Join(home, ".local", "state", "tether", "mirror.db")
}
