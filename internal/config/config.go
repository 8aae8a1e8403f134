package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM     LLMConfig
	Server  ServerConfig
	Session SessionConfig
	Redis   RedisConfig
	Archive ArchiveConfig
	Log     LogConfig
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	Workers         int           `mapstructure:"workers"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SessionConfig controls the session store and the expiry sweeper.
type SessionConfig struct {
	Backend       string        `mapstructure:"backend"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	LockLease     time.Duration `mapstructure:"lock_lease"`
}

// RedisConfig holds the Redis connection used by the redis session backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ArchiveConfig selects where finalized letters are written.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	SupabaseURL string `mapstructure:"supabase_url"`
	SupabaseKey string `mapstructure:"supabase_key"`
	Table       string `mapstructure:"table"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Address returns host:port for the HTTP listener.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", "60s")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.workers", 1)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.timeout", "30m")
	v.SetDefault("session.sweep_interval", "1m")
	v.SetDefault("session.sqlite_path", "sessions.db")
	v.SetDefault("session.lock_lease", "2m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "khitab:")

	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.dir", "letters")
	v.SetDefault("archive.supabase_url", "")
	v.SetDefault("archive.supabase_key", "")
	v.SetDefault("archive.table", "letters")

	v.SetDefault("log.level", "info")
}

// Load loads the configuration from config.yaml, or from the file named by
// CONFIG_PATH. Values from a .env file and KHITAB_* environment variables
// override the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KHITAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("session.backend: unsupported value %q (memory, sqlite or redis)", c.Session.Backend)
	}
	if c.Session.Timeout <= 0 {
		return errors.New("session.timeout must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return errors.New("session.sweep_interval must be positive")
	}
	if c.Session.Backend == "sqlite" && strings.TrimSpace(c.Session.SQLitePath) == "" {
		return errors.New("session.sqlite_path is required for the sqlite backend")
	}
	if c.Session.Backend == "redis" && strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("redis.addr is required for the redis backend")
	}
	if c.Server.Workers < 1 {
		return errors.New("server.workers must be at least 1")
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("llm.timeout must be positive")
	}
	// every supported endpoint speaks the OpenAI chat completions API
	if c.LLM.Provider != "openai" {
		return fmt.Errorf("llm.provider: unsupported value %q (openai)", c.LLM.Provider)
	}
	// a lease that lapses mid-generation lets a second worker in
	if c.Session.LockLease <= c.LLM.Timeout {
		return fmt.Errorf("session.lock_lease (%s) must be longer than llm.timeout (%s)", c.Session.LockLease, c.LLM.Timeout)
	}

	switch c.Archive.Backend {
	case "none", "":
	case "dir":
		if strings.TrimSpace(c.Archive.Dir) == "" {
			return errors.New("archive.dir is required for the dir backend")
		}
	case "supabase":
		if c.Archive.SupabaseURL == "" || c.Archive.SupabaseKey == "" {
			return errors.New("archive.supabase_url and archive.supabase_key are required for the supabase backend")
		}
	default:
		return fmt.Errorf("archive.backend: unsupported value %q (none, dir or supabase)", c.Archive.Backend)
	}
	return nil
}
