package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Store drivers.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Auth      AuthConfig
	Store     StoreConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	GenAI     GenAIConfig
	Quota     QuotaConfig
	History   HistoryConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Site      SiteConfig
	Bootstrap BootstrapConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type LogConfig struct {
	Level  string
	Format string
}

type AuthConfig struct {
	JWTSecret   string
	TokenExpiry time.Duration
}

// StoreConfig selects the durable backend: a single-file JSON document for
// small deployments, or Postgres.
type StoreConfig struct {
	Driver         string
	Path           string
	Backups        int
	MigrationsPath string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	Enabled bool
	URL     string
}

type GenAIConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	PremiumModel  string
	StreamTimeout time.Duration
	TitleTimeout  time.Duration
}

type QuotaConfig struct {
	BurstPerMinute int
}

type HistoryConfig struct {
	MaxTurns  int
	MaxTokens int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	Enabled       bool
	MaxRequests   int
	WindowSeconds int
}

type SiteConfig struct {
	Announcement string
}

// BootstrapConfig seeds one user at startup so a fresh deployment has an
// account to sign tokens for. Ignored when UserID is empty.
type BootstrapConfig struct {
	UserID   string
	Username string
	Plan     string
	Role     string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
		Auth: AuthConfig{
			JWTSecret: k.String("auth.jwt.secret"),
		},
		Store: StoreConfig{
			Driver:         k.String("store.driver"),
			Path:           k.String("store.path"),
			Backups:        k.Int("store.backups"),
			MigrationsPath: k.String("store.migrations.path"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Enabled:  k.Bool("redis.enabled"),
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			Enabled: k.Bool("nats.enabled"),
			URL:     k.String("nats.url"),
		},
		GenAI: GenAIConfig{
			APIKey:       k.String("genai.api.key"),
			BaseURL:      k.String("genai.base.url"),
			Model:        k.String("genai.model"),
			PremiumModel: k.String("genai.premium.model"),
		},
		Quota: QuotaConfig{
			BurstPerMinute: k.Int("quota.burst.per.minute"),
		},
		History: HistoryConfig{
			MaxTurns:  k.Int("history.max.turns"),
			MaxTokens: k.Int("history.max.tokens"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       k.Bool("ratelimit.enabled"),
			MaxRequests:   k.Int("ratelimit.max.requests"),
			WindowSeconds: k.Int("ratelimit.window.seconds"),
		},
		Site: SiteConfig{
			Announcement: k.String("site.announcement"),
		},
		Bootstrap: BootstrapConfig{
			UserID:   k.String("bootstrap.user.id"),
			Username: k.String("bootstrap.user.name"),
			Plan:     k.String("bootstrap.user.plan"),
			Role:     k.String("bootstrap.user.role"),
		},
	}

	if origins := k.String("cors.allowed.origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
			}
		}
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverFile
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/mythai.json"
	}
	if cfg.Store.Backups == 0 {
		cfg.Store.Backups = 3
	}
	if cfg.Store.MigrationsPath == "" {
		cfg.Store.MigrationsPath = "migrations"
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "mythai"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "mythai"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.GenAI.Model == "" {
		cfg.GenAI.Model = "gpt-4o-mini"
	}
	if cfg.GenAI.PremiumModel == "" {
		cfg.GenAI.PremiumModel = "gpt-4o"
	}
	if cfg.Quota.BurstPerMinute == 0 {
		cfg.Quota.BurstPerMinute = 20
	}
	if cfg.History.MaxTurns == 0 {
		cfg.History.MaxTurns = 30
	}
	if cfg.History.MaxTokens == 0 {
		cfg.History.MaxTokens = 4000
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 30
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.Bootstrap.Username == "" {
		cfg.Bootstrap.Username = cfg.Bootstrap.UserID
	}
	if cfg.Bootstrap.Plan == "" {
		cfg.Bootstrap.Plan = "ultra"
	}
	if cfg.Bootstrap.Role == "" {
		cfg.Bootstrap.Role = "admin"
	}

	// Parse durations
	tokenExpStr := k.String("auth.token.expiry")
	if tokenExpStr == "" {
		tokenExpStr = "24h"
	}
	cfg.Auth.TokenExpiry, err = time.ParseDuration(tokenExpStr)
	if err != nil {
		return nil, fmt.Errorf("parsing auth token expiry: %w", err)
	}

	streamTimeoutStr := k.String("genai.stream.timeout")
	if streamTimeoutStr == "" {
		streamTimeoutStr = "2m"
	}
	cfg.GenAI.StreamTimeout, err = time.ParseDuration(streamTimeoutStr)
	if err != nil {
		return nil, fmt.Errorf("parsing genai stream timeout: %w", err)
	}

	titleTimeoutStr := k.String("genai.title.timeout")
	if titleTimeoutStr == "" {
		titleTimeoutStr = "15s"
	}
	cfg.GenAI.TitleTimeout, err = time.ParseDuration(titleTimeoutStr)
	if err != nil {
		return nil, fmt.Errorf("parsing genai title timeout: %w", err)
	}

	return cfg, nil
}
