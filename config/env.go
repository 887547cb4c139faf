package config

import (
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process configuration read from the environment (and .env when present).
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DBDriver           string        `env:"DB_DRIVER" envDefault:"mysql"`
	DBUser             string        `env:"DB_USER"`
	DBPassword         string        `env:"DB_PASSWORD"`
	DBHost             string        `env:"DB_HOST" envDefault:"127.0.0.1"`
	DBPort             string        `env:"DB_PORT" envDefault:"3306"`
	DBName             string        `env:"DB_NAME" envDefault:"sustainafood"`
	DBMaxOpenConns     int           `env:"DB_MAX_OPEN_CONNS" envDefault:"50"`
	DBMaxIdleConns     int           `env:"DB_MAX_IDLE_CONNS" envDefault:"25"`
	DBConnMaxLifetime  time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	DBConnMaxIdleTime  time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"1m"`
	RedisAddress       string        `env:"REDIS_ADDRESS"`
	PubSubProjectID    string        `env:"PUBSUB_PROJECT_ID"`
	PubSubCredentials  string        `env:"PUBSUB_CREDENTIALS_JSON"`
	NotificationTopic  string        `env:"NOTIFICATION_TOPIC" envDefault:"donation-notifications"`
	DonationLockTTL    time.Duration `env:"DONATION_LOCK_TTL" envDefault:"30s"`
	AllowedOrigins     []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	DefaultCountryCode string        `env:"DEFAULT_COUNTRY_CODE" envDefault:"TN"`
}

var (
	cfg     Config
	cfgErr  error
	cfgOnce sync.Once
)

// GetConfig parses the environment once and returns the cached result.
func GetConfig() (Config, error) {
	cfgOnce.Do(func() {
		_ = godotenv.Load()
		cfg, cfgErr = env.ParseAs[Config]()
	})
	return cfg, cfgErr
}
