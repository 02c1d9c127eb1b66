package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr            string        `env:"APPLYFEED_ADDR" env-default:":3000"`
	LogLevel        string        `env:"APPLYFEED_LOG_LEVEL" env-default:"info"`
	BackendProfile  string        `env:"APPLYFEED_BACKEND_PROFILE"`
	DataDir         string        `env:"APPLYFEED_DATA_DIR" env-default:".applyfeed"`
	StoreDSN        string        `env:"APPLYFEED_STORE_DSN"`
	ProductionDSN   string        `env:"APPLYFEED_PRODUCTION_DSN"`
	SettingsFile    string        `env:"APPLYFEED_SETTINGS_FILE"`
	ShutdownTimeout time.Duration `env:"APPLYFEED_SHUTDOWN_TIMEOUT" env-default:"10s"`

	HeartbeatInterval time.Duration `env:"APPLYFEED_HEARTBEAT_INTERVAL" env-default:"30s"`
	MaxBodyBytes      int64         `env:"APPLYFEED_MAX_BODY_BYTES" env-default:"1048576"`
	RateLimitMax      int           `env:"APPLYFEED_RATE_LIMIT_MAX" env-default:"0"`
	RateLimitWindow   time.Duration `env:"APPLYFEED_RATE_LIMIT_WINDOW" env-default:"1m"`
	CORSOrigins       []string      `env:"APPLYFEED_CORS_ORIGINS" env-separator:","`

	AIBaseURL    string        `env:"APPLYFEED_AI_BASE_URL"`
	AIModel      string        `env:"APPLYFEED_AI_MODEL" env-default:"gemini-2.0-flash"`
	AITimeout    time.Duration `env:"APPLYFEED_AI_TIMEOUT" env-default:"20s"`
	AIRetryDelay time.Duration `env:"APPLYFEED_AI_RETRY_DELAY" env-default:"1s"`

	NATSURL      string `env:"APPLYFEED_NATS_URL"`
	NATSSubject  string `env:"APPLYFEED_NATS_SUBJECT" env-default:"applyfeed.records"`
	OTLPEndpoint string `env:"APPLYFEED_OTLP_ENDPOINT"`
}

// Load reads an optional .env file and then the environment. Variables
// already set in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config error: %s: %w", file, err)
		}
	}
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return &cfg, nil
}

// RecordStoreDSN resolves the record store location: an explicit DSN first,
// then the backend profile default.
func (c *Config) RecordStoreDSN() (string, error) {
	if dsn := strings.TrimSpace(c.StoreDSN); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	switch profile {
	case "", "durable-local", "local-durable":
		return "file://" + filepath.Join(c.dataDir(), "applications.json"), nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.ProductionDSN)
		if dsn == "" {
			return "", fmt.Errorf("APPLYFEED_PRODUCTION_DSN is required when APPLYFEED_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported APPLYFEED_BACKEND_PROFILE: %s", profile)
	}
}

// SettingsPath is empty for the memory profile, which keeps settings in
// process only.
func (c *Config) SettingsPath() string {
	if path := strings.TrimSpace(c.SettingsFile); path != "" {
		return path
	}
	if strings.EqualFold(strings.TrimSpace(c.BackendProfile), "memory") {
		return ""
	}
	return filepath.Join(c.dataDir(), "settings.json")
}

func (c *Config) dataDir() string {
	if dir := strings.TrimSpace(c.DataDir); dir != "" {
		return dir
	}
	return ".applyfeed"
}
