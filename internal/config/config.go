package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env                   string
	LogLevel              string
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	DBMaxConns            int
	TxMaxRetries          int
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	PinMaxAttempts        int
	PinCooldownSeconds    int
	OTLPEndpoint          string
	ServiceName           string
}

func Load() Config {
	v := viper.New()

	// Optional env files; real environment variables take precedence.
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	_ = v.MergeInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	return Config{
		Env:                   v.GetString("APP_ENV"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		Port:                  v.GetString("PORT"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:           strings.TrimSpace(v.GetString("DATABASE_URL")),
		DBMaxConns:            positive(v.GetInt("DB_MAX_CONNS"), 25),
		TxMaxRetries:          nonNegative(v.GetInt("TX_MAX_RETRIES"), 2),
		RedisAddr:             strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: positive(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 480),
		PinMaxAttempts:        v.GetInt("PIN_MAX_ATTEMPTS"),
		PinCooldownSeconds:    v.GetInt("PIN_COOLDOWN_SECONDS"),
		OTLPEndpoint:          strings.TrimSpace(v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName:           v.GetString("OTEL_SERVICE_NAME"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DB_MAX_CONNS", 25)
	v.SetDefault("TX_MAX_RETRIES", 2)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("PIN_MAX_ATTEMPTS", 3)
	v.SetDefault("PIN_COOLDOWN_SECONDS", 300)
	v.SetDefault("OTEL_SERVICE_NAME", "posledger-backend")
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) PinCooldown() time.Duration {
	return time.Duration(c.PinCooldownSeconds) * time.Second
}

// Validate rejects configurations the server must not start with.
func (c Config) Validate() error {
	if len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if c.PinMaxAttempts < 1 {
		return fmt.Errorf("PIN_MAX_ATTEMPTS must be at least 1")
	}
	if c.PinCooldownSeconds < 1 {
		return fmt.Errorf("PIN_COOLDOWN_SECONDS must be positive")
	}
	return nil
}

func positive(v int, fallback int) int {
	if v < 1 {
		return fallback
	}
	return v
}

func nonNegative(v int, fallback int) int {
	if v < 0 {
		return fallback
	}
	return v
}
