package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Chat        ChatConfig        `mapstructure:"chat"`
	PostProcess PostProcessConfig `mapstructure:"postprocess"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	CORSOrigins        string        `mapstructure:"cors_origins"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	StreamWriteTimeout time.Duration `mapstructure:"stream_write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	// LoginRateLimit is login attempts per minute and IP.
	LoginRateLimit int `mapstructure:"login_rate_limit"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	// Driver is either "postgres" or "sqlite3".
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	// Path is the sqlite3 database file.
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	JWTSecret    string        `mapstructure:"jwt_secret"`
	CookieName   string        `mapstructure:"cookie_name"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	SecureCookie bool          `mapstructure:"secure_cookie"`
}

// ProviderConfig describes the OpenAI-compatible endpoint used for every model call.
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	TitleModel     string        `mapstructure:"title_model"`
	SummaryModel   string        `mapstructure:"summary_model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ChatConfig struct {
	RecentTurns       int           `mapstructure:"recent_turns"`
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout"`
	PersistTimeout    time.Duration `mapstructure:"persist_timeout"`
}

type PostProcessConfig struct {
	Topic           string        `mapstructure:"topic"`
	TitleMaxTurns   int           `mapstructure:"title_max_turns"`
	SummaryMinTurns int           `mapstructure:"summary_min_turns"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load reads config.{yaml,json} from the usual search paths. A missing file is
// not an error; defaults and environment overrides still apply.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from the search paths when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")

		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".vchat"))
		}
	}

	setDefaults(v)

	v.SetEnvPrefix("VCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	loadEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.cors_origins", "http://localhost:3000")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.stream_write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.login_rate_limit", 5)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "vchat")
	v.SetDefault("database.database", "vchat")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "vchat.db")

	v.SetDefault("auth.cookie_name", "auth_token")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.secure_cookie", false)

	v.SetDefault("provider.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("provider.title_model", "qwen/qwen-turbo")
	v.SetDefault("provider.summary_model", "upstage/solar-pro-3:free")
	v.SetDefault("provider.request_timeout", "2m")

	v.SetDefault("chat.recent_turns", 4)
	v.SetDefault("chat.stream_idle_timeout", "60s")
	v.SetDefault("chat.persist_timeout", "10s")

	v.SetDefault("postprocess.topic", "chat.postprocess")
	v.SetDefault("postprocess.title_max_turns", 2)
	v.SetDefault("postprocess.summary_min_turns", 4)
	v.SetDefault("postprocess.task_timeout", "60s")
	v.SetDefault("postprocess.redis.enabled", false)
	v.SetDefault("postprocess.redis.addr", "localhost:6379")
	v.SetDefault("postprocess.redis.group", "vchat-postprocess")
	v.SetDefault("postprocess.redis.consumer", "vchat-1")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "v-chatbot")
}

// loadEnvOverrides honors the plain variable names used by existing deployments.
func loadEnvOverrides(cfg *Config) {
	if dbHost := os.Getenv("POSTGRES_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbPort := os.Getenv("POSTGRES_PORT"); dbPort != "" {
		if port, err := strconv.Atoi(dbPort); err == nil {
			cfg.Database.Port = port
		}
	}
	if dbUser := os.Getenv("POSTGRES_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPass := os.Getenv("POSTGRES_PASSWORD"); dbPass != "" {
		cfg.Database.Password = dbPass
	}
	if dbName := os.Getenv("POSTGRES_DB"); dbName != "" {
		cfg.Database.Database = dbName
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if key := os.Getenv("AI_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if endpoint := os.Getenv("AI_API_ENDPOINT"); endpoint != "" {
		cfg.Provider.BaseURL = endpoint
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Chat.RecentTurns < 1 {
		return fmt.Errorf("chat.recent_turns must be positive, got %d", c.Chat.RecentTurns)
	}
	if c.Chat.StreamIdleTimeout <= 0 {
		return fmt.Errorf("chat.stream_idle_timeout must be positive")
	}
	if c.PostProcess.Redis.Enabled && c.PostProcess.Redis.Addr == "" {
		return fmt.Errorf("postprocess.redis.addr is required when redis is enabled")
	}
	return nil
}
