/**
 * @description
 * This package handles the configuration management for the exchange-service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the exchange-service.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	AppEnv      string `mapstructure:"APP_ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFormat   string `mapstructure:"LOG_FORMAT"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`

	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	EventsExchange         string `mapstructure:"EVENTS_EXCHANGE"`
	IdentityEventQueue     string `mapstructure:"IDENTITY_EVENT_QUEUE"`
	IdentityDeadLetter     string `mapstructure:"IDENTITY_DEAD_LETTER_EXCHANGE"`
	OutboxDispatchSchedule string `mapstructure:"OUTBOX_DISPATCH_SCHEDULE"`

	JWTSecret          string `mapstructure:"JWT_SECRET"`
	JWKSURL            string `mapstructure:"JWKS_URL"`
	JWTIssuer          string `mapstructure:"JWT_ISSUER"`
	JWTAudience        string `mapstructure:"JWT_AUDIENCE"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// Numeric settings are parsed by hand so bad values fall back to defaults.
	RunMigrations              bool  `mapstructure:"-"`
	DBMaxConns                 int32 `mapstructure:"-"`
	DBMinConns                 int32 `mapstructure:"-"`
	StoreMaxTxRetries          int   `mapstructure:"-"`
	ExchangeRateLimitPerMinute int   `mapstructure:"-"`
	OutboxBatchSize            int   `mapstructure:"-"`
	StartingPoints             int64 `mapstructure:"-"`
	MinItemPoints              int64 `mapstructure:"-"`
	MaxItemPoints              int64 `mapstructure:"-"`
	MaxItemImages              int   `mapstructure:"-"`

	// Warnings lists the values that were coerced while loading. They are logged once the
	// logger exists.
	Warnings []string `mapstructure:"-"`
}

var stringDefaults = map[string]string{
	"SERVER_PORT":                   "8080",
	"APP_ENV":                       "development",
	"LOG_LEVEL":                     "info",
	"LOG_FORMAT":                    "json",
	"STORE_DRIVER":                  StoreDriverPostgres,
	"REDIS_RATE_LIMIT_PREFIX":       "rewear:rate_limit",
	"EVENTS_EXCHANGE":               "rewear.events",
	"IDENTITY_EVENT_QUEUE":          "exchange_service.identity_events",
	"IDENTITY_DEAD_LETTER_EXCHANGE": "",
	"OUTBOX_DISPATCH_SCHEDULE":      "@every 2s",
}

var numericDefaults = map[string]int64{
	"DB_MAX_CONNS":                   20,
	"DB_MIN_CONNS":                   2,
	"STORE_MAX_TX_RETRIES":           3,
	"EXCHANGE_RATE_LIMIT_PER_MINUTE": 30,
	"OUTBOX_BATCH_SIZE":              50,
	"STARTING_POINTS":                100,
	"MIN_ITEM_POINTS":                10,
	"MAX_ITEM_POINTS":                200,
	"MAX_ITEM_IMAGES":                5,
}

// LoadConfig reads configuration from environment variables and the optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range stringDefaults {
		viper.SetDefault(key, value)
		_ = viper.BindEnv(key)
	}
	for key := range numericDefaults {
		_ = viper.BindEnv(key)
	}
	viper.SetDefault("RUN_MIGRATIONS", "true")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			config.Warnings = append(config.Warnings, fmt.Sprintf("failed to read config file, using environment values: %v", err))
		}
		err = nil
	}

	warnings := config.Warnings
	if err = viper.Unmarshal(&config); err != nil {
		return
	}
	config.Warnings = warnings

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		config.warn("unknown STORE_DRIVER %q, using %s", config.StoreDriver, StoreDriverPostgres)
		config.StoreDriver = StoreDriverPostgres
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = stringDefaults["REDIS_RATE_LIMIT_PREFIX"]
	}

	runMigrations, parseErr := strconv.ParseBool(strings.TrimSpace(viper.GetString("RUN_MIGRATIONS")))
	if parseErr != nil {
		config.warn("invalid RUN_MIGRATIONS %q, using true", viper.GetString("RUN_MIGRATIONS"))
		runMigrations = true
	}
	config.RunMigrations = runMigrations

	config.DBMaxConns = int32(config.positive("DB_MAX_CONNS"))
	config.DBMinConns = int32(config.nonNegative("DB_MIN_CONNS"))
	if config.DBMinConns > config.DBMaxConns {
		config.warn("DB_MIN_CONNS %d exceeds DB_MAX_CONNS %d, capping", config.DBMinConns, config.DBMaxConns)
		config.DBMinConns = config.DBMaxConns
	}
	config.StoreMaxTxRetries = int(config.nonNegative("STORE_MAX_TX_RETRIES"))
	config.ExchangeRateLimitPerMinute = int(config.nonNegative("EXCHANGE_RATE_LIMIT_PER_MINUTE"))
	config.OutboxBatchSize = int(config.positive("OUTBOX_BATCH_SIZE"))
	config.StartingPoints = config.positive("STARTING_POINTS")
	config.MinItemPoints = config.positive("MIN_ITEM_POINTS")
	config.MaxItemPoints = config.positive("MAX_ITEM_POINTS")
	config.MaxItemImages = int(config.positive("MAX_ITEM_IMAGES"))
	if config.MinItemPoints > config.MaxItemPoints {
		config.warn("MIN_ITEM_POINTS %d exceeds MAX_ITEM_POINTS %d, using defaults", config.MinItemPoints, config.MaxItemPoints)
		config.MinItemPoints = numericDefaults["MIN_ITEM_POINTS"]
		config.MaxItemPoints = numericDefaults["MAX_ITEM_POINTS"]
	}

	if config.StoreDriver == StoreDriverPostgres && config.DatabaseURL == "" {
		err = fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		return
	}
	if strings.TrimSpace(config.JWTSecret) == "" && strings.TrimSpace(config.JWKSURL) == "" {
		err = fmt.Errorf("either JWT_SECRET or JWKS_URL must be set")
		return
	}
	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func (c *Config) warn(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// integer reads key, falling back to its default when unset or unparsable.
func (c *Config) integer(key string) int64 {
	def := numericDefaults[key]
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.warn("invalid %s %q, using %d", key, raw, def)
		return def
	}
	return v
}

func (c *Config) positive(key string) int64 {
	v := c.integer(key)
	if v <= 0 {
		def := numericDefaults[key]
		c.warn("%s must be positive, got %d, using %d", key, v, def)
		return def
	}
	return v
}

func (c *Config) nonNegative(key string) int64 {
	v := c.integer(key)
	if v < 0 {
		def := numericDefaults[key]
		c.warn("%s must not be negative, got %d, using %d", key, v, def)
		return def
	}
	return v
}
