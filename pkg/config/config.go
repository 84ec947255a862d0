package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "stagely"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "STAGELY_DB_DSN"
	EnvDBHost = "STAGELY_DB_HOST"
	EnvDBUser = "STAGELY_DB_USER"
	EnvDBName = "STAGELY_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Stripe       StripeConfig
	Credits      CreditsConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STAGELY_APP_ENV" required:"true"`
	Port         string `envconfig:"STAGELY_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"STAGELY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STAGELY_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"STAGELY_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"STAGELY_DB_DSN"`
	Driver string `envconfig:"STAGELY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"STAGELY_DB_HOST"`
	LegacyPort     int    `envconfig:"STAGELY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STAGELY_DB_USER"`
	LegacyPassword string `envconfig:"STAGELY_DB_PASSWORD"`
	LegacyName     string `envconfig:"STAGELY_DB_NAME"`
	LegacySSLMode  string `envconfig:"STAGELY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STAGELY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STAGELY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STAGELY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STAGELY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STAGELY_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STAGELY_REDIS_ADDR"`
	Password     string        `envconfig:"STAGELY_REDIS_PASSWORD"`
	DB           int           `envconfig:"STAGELY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STAGELY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STAGELY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STAGELY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STAGELY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STAGELY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"STAGELY_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"STAGELY_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"STAGELY_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"STAGELY_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"STAGELY_AUTO_MIGRATE" default:"false"`
}

type StripeConfig struct {
	APIKey string `envconfig:"STAGELY_STRIPE_API_KEY"`
	Secret string `envconfig:"STAGELY_STRIPE_SECRET"`
	Env    string `envconfig:"STAGELY_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// CreditsConfig carries the product configuration for credit packs. The pack
// catalog (credits granted, validity, auto-extend window) is a business knob,
// so it ships as JSON rather than compiled-in constants.
type CreditsConfig struct {
	PacksJSON            string        `envconfig:"STAGELY_CREDIT_PACKS_JSON"`
	IdempotencyTTL       time.Duration `envconfig:"STAGELY_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
	SnapshotMaxStaleness time.Duration `envconfig:"STAGELY_BALANCE_SNAPSHOT_MAX_STALENESS" default:"5m"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"STAGELY_CRON_INTERVAL" default:"24h"`
	LockTTL  time.Duration `envconfig:"STAGELY_CRON_LOCK_TTL" default:"25h"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
