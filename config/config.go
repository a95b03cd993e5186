// Package config loads configuration from an optional JSON file with
// environment overrides on top. A .env file in the working directory is
// honored for local development.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerConfig   ServerConfig   `json:"server"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
	AuthConfig     AuthConfig     `json:"auth"`
	BinanceConfig  BinanceConfig  `json:"binance"`
	TradingConfig  TradingConfig  `json:"trading"`
	RiskConfig     RiskConfig     `json:"risk"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	MonitorConfig  MonitorConfig  `json:"monitor"`
}

type ServerConfig struct {
	Port            int      `json:"port"`
	Host            string   `json:"host"`
	ProductionMode  bool     `json:"production_mode"`
	AllowedOrigins  []string `json:"allowed_origins"`
	RateLimit       int      `json:"rate_limit"` // requests/min per tenant on exchange routes
	ShutdownTimeout int      `json:"shutdown_timeout"` // seconds
}

type DatabaseConfig struct {
	URL             string `json:"url"`
	MaxConns        int    `json:"max_conns"`
	RunMigrations   bool   `json:"run_migrations"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type AuthConfig struct {
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

type BinanceConfig struct {
	TestNet bool `json:"testnet"`
	// Shared fallback credentials for tenants with no Vault entry.
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

type TradingConfig struct {
	// TradingEnabled gates LIVE execution globally. Defaults to false; every
	// LIVE endpoint returns 403 while it stays off.
	TradingEnabled bool `json:"trading_enabled"`
}

type RiskConfig struct {
	MaxRiskPercent     float64 `json:"max_risk_percent"`
	MaxDrawdownPercent float64 `json:"max_drawdown_percent"`
}

type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

type MonitorConfig struct {
	TrailingSweepInterval time.Duration `json:"trailing_sweep_interval"`
	MarginSweepInterval   time.Duration `json:"margin_sweep_interval"`
	MonitorTenants        []string      `json:"monitor_tenants"`
	QuoteAsset            string        `json:"quote_asset"`
}

// Load reads the optional config file named by CONFIG_FILE (default
// config.json) and applies environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	path := getEnvOrDefault("CONFIG_FILE", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if cfg.AuthConfig.JWTSecret == "" {
		return nil, fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if cfg.DatabaseConfig.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			RateLimit:       120,
			ShutdownTimeout: 10,
		},
		DatabaseConfig: DatabaseConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		VaultConfig: VaultConfig{
			MountPath:  "secret",
			SecretPath: "risk-trader/tenants",
		},
		AuthConfig: AuthConfig{
			AccessTokenDuration: 15 * time.Minute,
		},
		BinanceConfig: BinanceConfig{
			TestNet: true,
		},
		RiskConfig: RiskConfig{
			MaxRiskPercent:     1.0,
			MaxDrawdownPercent: 4.0,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		MonitorConfig: MonitorConfig{
			TrailingSweepInterval: time.Minute,
			MarginSweepInterval:   time.Minute,
			QuoteAsset:            "USDC",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("PRODUCTION_MODE", cfg.ServerConfig.ProductionMode)
	if origins := os.Getenv("SERVER_ALLOWED_ORIGINS"); origins != "" {
		cfg.ServerConfig.AllowedOrigins = strings.Split(origins, ",")
	}
	cfg.ServerConfig.RateLimit = getEnvIntOrDefault("SERVER_RATE_LIMIT", cfg.ServerConfig.RateLimit)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	cfg.DatabaseConfig.MaxConns = getEnvIntOrDefault("DATABASE_MAX_CONNS", cfg.DatabaseConfig.MaxConns)
	cfg.DatabaseConfig.RunMigrations = getEnvBoolOrDefault("DATABASE_RUN_MIGRATIONS", cfg.DatabaseConfig.RunMigrations)

	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)

	cfg.BinanceConfig.TestNet = getEnvBoolOrDefault("BINANCE_USE_TESTNET", cfg.BinanceConfig.TestNet)
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)

	cfg.TradingConfig.TradingEnabled = getEnvBoolOrDefault("TRADING_ENABLED", cfg.TradingConfig.TradingEnabled)

	cfg.RiskConfig.MaxRiskPercent = getEnvFloatOrDefault("RISK_MAX_PERCENT", cfg.RiskConfig.MaxRiskPercent)
	cfg.RiskConfig.MaxDrawdownPercent = getEnvFloatOrDefault("RISK_MAX_DRAWDOWN_PERCENT", cfg.RiskConfig.MaxDrawdownPercent)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)

	cfg.MonitorConfig.TrailingSweepInterval = getEnvDurationOrDefault("MONITOR_TRAILING_INTERVAL", cfg.MonitorConfig.TrailingSweepInterval)
	cfg.MonitorConfig.MarginSweepInterval = getEnvDurationOrDefault("MONITOR_MARGIN_INTERVAL", cfg.MonitorConfig.MarginSweepInterval)
	if tenants := os.Getenv("MONITOR_TENANTS"); tenants != "" {
		cfg.MonitorConfig.MonitorTenants = strings.Split(tenants, ",")
	}
	cfg.MonitorConfig.QuoteAsset = getEnvOrDefault("MONITOR_QUOTE_ASSET", cfg.MonitorConfig.QuoteAsset)
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloatOrDefault(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBoolOrDefault(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return fallback
}

func getEnvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
