// Package config loads service settings. Values come from built-in defaults,
// then an optional YAML file named by TABLEORDER_CONFIG, then the
// environment (including a local .env file when present).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const FileEnv = "TABLEORDER_CONFIG"

type Config struct {
	DatabaseURL  string             `yaml:"database_url"`
	RedisAddr    string             `yaml:"redis_addr"`
	AMQPURL      string             `yaml:"amqp_url"`
	FeedExchange string             `yaml:"feed_exchange"`
	OrderService OrderServiceConfig `yaml:"order_service"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Display      DisplayConfig      `yaml:"display"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

type OrderServiceConfig struct {
	Port                     string        `yaml:"port"`
	CacheTTL                 time.Duration `yaml:"cache_ttl"`
	RecentTerminal           time.Duration `yaml:"recent_terminal"`
	RateLimitPerMinute       int           `yaml:"rate_limit_per_min"`
	RateLimitBurst           int           `yaml:"rate_limit_burst"`
	TenantRateLimitPerMinute int           `yaml:"tenant_rate_limit_per_min"`
	TenantRateLimitBurst     int           `yaml:"tenant_rate_limit_burst"`
}

type RealtimeConfig struct {
	Port            string        `yaml:"port"`
	Consumer        string        `yaml:"consumer"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	BatchSize       int           `yaml:"batch_size"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SendBuffer      int           `yaml:"send_buffer"`
	PublishAMQP     bool          `yaml:"publish_amqp"`
}

type DisplayConfig struct {
	TenantID        string        `yaml:"tenant_id"`
	OrderServiceURL string        `yaml:"order_service_url"`
	RealtimeURL     string        `yaml:"realtime_url"`
	Source          string        `yaml:"source"`
	RecentTerminal  time.Duration `yaml:"recent_terminal"`
}

// TelemetryConfig controls trace export. An empty Endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Environment string  `yaml:"environment"`
	Version     string  `yaml:"version"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

func Default() Config {
	return Config{
		FeedExchange: "tableorder.feed",
		OrderService: OrderServiceConfig{
			Port:                     "8080",
			CacheTTL:                 5 * time.Minute,
			RecentTerminal:           12 * time.Hour,
			RateLimitPerMinute:       120,
			RateLimitBurst:           30,
			TenantRateLimitPerMinute: 600,
			TenantRateLimitBurst:     120,
		},
		Realtime: RealtimeConfig{
			Port:            "8085",
			Consumer:        "realtime-service",
			PollInterval:    time.Second,
			BatchSize:       100,
			Retention:       24 * time.Hour,
			CleanupInterval: 10 * time.Minute,
			SendBuffer:      64,
			PublishAMQP:     true,
		},
		Display: DisplayConfig{
			OrderServiceURL: "http://localhost:8080",
			RealtimeURL:     "ws://localhost:8085/realtime/websocket",
			Source:          "websocket",
			RecentTerminal:  12 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Environment: "development",
			Version:     "dev",
			SampleRatio: 1,
		},
	}
}

func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if cfg.Display.Source != "websocket" && cfg.Display.Source != "amqp" {
		return Config{}, fmt.Errorf("display source must be websocket or amqp, got %q", cfg.Display.Source)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return Config{}, fmt.Errorf("telemetry sample ratio must be within [0, 1], got %v", cfg.Telemetry.SampleRatio)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DatabaseURL = readString("DB_DSN", cfg.DatabaseURL)
	cfg.RedisAddr = readString("REDIS_ADDR", cfg.RedisAddr)
	cfg.AMQPURL = readString("AMQP_URL", cfg.AMQPURL)
	cfg.FeedExchange = readString("FEED_EXCHANGE", cfg.FeedExchange)

	o := &cfg.OrderService
	o.Port = readString("PORT", o.Port)
	o.CacheTTL = readDurationSeconds("ORDER_CACHE_TTL_SECONDS", o.CacheTTL)
	o.RecentTerminal = readDurationSeconds("RECENT_TERMINAL_SECONDS", o.RecentTerminal)
	o.RateLimitPerMinute = readInt("RATE_LIMIT_PER_MIN", o.RateLimitPerMinute)
	o.RateLimitBurst = readInt("RATE_LIMIT_BURST", o.RateLimitBurst)
	o.TenantRateLimitPerMinute = readInt("TENANT_RATE_LIMIT_PER_MIN", o.TenantRateLimitPerMinute)
	o.TenantRateLimitBurst = readInt("TENANT_RATE_LIMIT_BURST", o.TenantRateLimitBurst)

	r := &cfg.Realtime
	r.Port = readString("REALTIME_PORT", r.Port)
	r.Consumer = readString("REALTIME_CONSUMER", r.Consumer)
	r.PollInterval = readDurationSeconds("REALTIME_POLL_SECONDS", r.PollInterval)
	r.BatchSize = readInt("REALTIME_BATCH_SIZE", r.BatchSize)
	r.Retention = readDurationSeconds("REALTIME_RETENTION_SECONDS", r.Retention)
	r.CleanupInterval = readDurationSeconds("REALTIME_CLEANUP_SECONDS", r.CleanupInterval)
	r.SendBuffer = readInt("REALTIME_SEND_BUFFER", r.SendBuffer)
	r.PublishAMQP = readBool("REALTIME_PUBLISH_AMQP", r.PublishAMQP)

	d := &cfg.Display
	d.TenantID = readString("TENANT_ID", d.TenantID)
	d.OrderServiceURL = readString("ORDER_SERVICE_URL", d.OrderServiceURL)
	d.RealtimeURL = readString("REALTIME_URL", d.RealtimeURL)
	d.Source = readString("DISPLAY_SOURCE", d.Source)
	d.RecentTerminal = readDurationSeconds("RECENT_TERMINAL_SECONDS", d.RecentTerminal)

	tel := &cfg.Telemetry
	tel.Endpoint = readString("OTEL_EXPORTER_OTLP_ENDPOINT", tel.Endpoint)
	tel.Insecure = readBool("OTEL_EXPORTER_OTLP_INSECURE", tel.Insecure)
	tel.Environment = readString("DEPLOY_ENV", tel.Environment)
	tel.Version = readString("SERVICE_VERSION", tel.Version)
	tel.SampleRatio = readFloat("OTEL_TRACES_SAMPLER_ARG", tel.SampleRatio)
}

func readString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// readDurationSeconds reads a whole number of seconds. Zero or negative
// disables the setting.
func readDurationSeconds(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
