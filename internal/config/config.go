package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/lherron/upm/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	DBPath        string `yaml:"db_path"`
	MigrationsDir string `yaml:"migrations_dir"`
	// SourcePath is the root of the migration:// file scheme.
	SourcePath  string `yaml:"source_path"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	Output      string `yaml:"output"`
	MetricsAddr string `yaml:"metrics_addr"`
	// CacheSize bounds the per-migration cache of identity map lookups.
	CacheSize int `yaml:"cache_size"`
	// Databases are registered in memory at startup in addition to the ones
	// persisted with 'upmadm db add'.
	Databases []domain.SourceDatabase `yaml:"databases"`
	// Webhooks receive a JSON summary of every finished run. The URLs may
	// contain {migration_id} and {operation}.
	Webhooks []string `yaml:"webhooks"`
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/upm/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Output:    "table",
		CacheSize: 4096,
	}

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// YAML config is optional; a file that exists but does not parse is an error.
	if err := loadYAMLConfig(cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Override with environment variables
	if dbPath := getEnvOrFile("UPM_DB_PATH", "UPM_DB_PATH_FILE"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if dir := os.Getenv("UPM_MIGRATIONS_DIR"); dir != "" {
		cfg.MigrationsDir = dir
	}
	if sourcePath := os.Getenv("UPM_SOURCE_PATH"); sourcePath != "" {
		cfg.SourcePath = sourcePath
	}
	if logLevel := os.Getenv("UPM_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat := os.Getenv("UPM_LOG_FORMAT"); logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if output := os.Getenv("UPM_OUTPUT"); output != "" {
		cfg.Output = output
	}
	if addr := os.Getenv("UPM_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}
	if hooks := os.Getenv("UPM_WEBHOOK_URLS"); hooks != "" {
		cfg.Webhooks = strings.FieldsFunc(hooks, func(r rune) bool { return r == ',' })
	}
	if size := os.Getenv("UPM_CACHE_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid UPM_CACHE_SIZE %q: must be a non-negative integer", size)
		}
		cfg.CacheSize = n
	}

	// Set defaults if not configured
	if cfg.DBPath == "" {
		// Check for project-local database first
		if _, err := os.Stat(".upm/state.db"); err == nil {
			cfg.DBPath = ".upm/state.db"
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			cfg.DBPath = filepath.Join(homeDir, ".local", "share", "upm", "state.db")
		}
	}

	if cfg.MigrationsDir == "" {
		cfg.MigrationsDir = "migrations"
	}
	if cfg.SourcePath == "" {
		cfg.SourcePath = "."
	}

	return cfg, nil
}

// loadYAMLConfig loads configuration from ~/.config/upm/config.yaml
func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(homeDir, ".config", "upm", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, just check cwd
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	// Clean paths for reliable comparison
	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		// Stop if we've reached home directory
		if dir == homeDir {
			break
		}

		// Get parent directory
		parent := filepath.Dir(dir)

		// Stop if we've reached the filesystem root
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}
