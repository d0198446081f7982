package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"volsurface/pkg/errors"
)

type Config struct {
	App           AppConfig
	Deribit       DeribitConfig
	Surface       SurfaceConfig
	Store         StoreConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	ErrorTracking ErrorTrackingConfig
	HTTP          HTTPConfig
	Workers       WorkerConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"volsurface"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
}

// DeribitConfig configures the public market data source
type DeribitConfig struct {
	BaseURL           string        `envconfig:"DERIBIT_BASE_URL" default:"https://www.deribit.com/api/v2"`
	Timeout           time.Duration `envconfig:"DERIBIT_TIMEOUT" default:"15s"`
	RequestsPerMinute int           `envconfig:"DERIBIT_REQUESTS_PER_MINUTE" default:"1200"`
	FetchConcurrency  int           `envconfig:"DERIBIT_FETCH_CONCURRENCY" default:"8"`
	MaxRetries        int           `envconfig:"DERIBIT_MAX_RETRIES" default:"3"`
	BreakerFailures   uint32        `envconfig:"DERIBIT_BREAKER_FAILURES" default:"5"`
	BreakerCooldown   time.Duration `envconfig:"DERIBIT_BREAKER_COOLDOWN" default:"30s"`
}

// SurfaceConfig holds cleaning, grid and metric parameters
type SurfaceConfig struct {
	Method          string    `envconfig:"SURFACE_METHOD" default:"rbf"`
	Side            string    `envconfig:"SURFACE_SIDE" default:"call"`
	MinTTEDays      float64   `envconfig:"SURFACE_MIN_TTE_DAYS" default:"1"`
	MoneynessMin    float64   `envconfig:"SURFACE_MONEYNESS_MIN" default:"0.7"`
	MoneynessMax    float64   `envconfig:"SURFACE_MONEYNESS_MAX" default:"1.3"`
	ParityTolerance float64   `envconfig:"SURFACE_PARITY_TOLERANCE" default:"0.05"`
	GridPoints      int       `envconfig:"SURFACE_GRID_POINTS" default:"50"`
	TTEMinDays      float64   `envconfig:"SURFACE_TTE_MIN_DAYS" default:"1"`
	TTEMaxDays      float64   `envconfig:"SURFACE_TTE_MAX_DAYS" default:"365"`
	Tenors          []int     `envconfig:"SURFACE_TENORS" default:"7,30,60,90,180"`
	SkewTenorDays   int       `envconfig:"SURFACE_SKEW_TENOR_DAYS" default:"30"`
	SkewMoneyness   []float64 `envconfig:"SURFACE_SKEW_MONEYNESS" default:"0.9,1.1"`
	RiskFreeRate    float64   `envconfig:"SURFACE_RISK_FREE_RATE" default:"0"`
}

// StoreConfig configures the snapshot directory.
// Persistent=false marks an ephemeral deployment; saves then fail loudly.
type StoreConfig struct {
	Dir        string `envconfig:"STORE_DIR" default:"vol_surface_history"`
	Persistent bool   `envconfig:"STORE_PERSISTENT" default:"true"`
	SaveRaw    bool   `envconfig:"STORE_SAVE_RAW" default:"false"`
}

type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
	Database string `envconfig:"CLICKHOUSE_DB" default:"volsurface"`
}

type RedisConfig struct {
	Enabled  bool          `envconfig:"REDIS_ENABLED" default:"false"`
	Host     string        `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int           `envconfig:"REDIS_PORT" default:"6379"`
	Password string        `envconfig:"REDIS_PASSWORD"`
	DB       int           `envconfig:"REDIS_DB" default:"0"`
	TTL      time.Duration `envconfig:"REDIS_SNAPSHOT_TTL" default:"24h"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Enabled bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topic   string   `envconfig:"KAFKA_SNAPSHOT_TOPIC" default:"surface.snapshots"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"true"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

type HTTPConfig struct {
	Addr string `envconfig:"HTTP_ADDR" default:":9090"`
}

// WorkerConfig controls the periodic snapshot builder used by `serve`
type WorkerConfig struct {
	SnapshotEnabled  bool          `envconfig:"WORKER_SNAPSHOT_ENABLED" default:"true"`
	SnapshotInterval time.Duration `envconfig:"WORKER_SNAPSHOT_INTERVAL" default:"1h"`
	Currencies       []string      `envconfig:"WORKER_CURRENCIES" default:"BTC,ETH"`
	BuildTimeout     time.Duration `envconfig:"WORKER_BUILD_TIMEOUT" default:"10m"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	s := c.Surface
	if s.MoneynessMin <= 0 || s.MoneynessMin >= s.MoneynessMax {
		return errors.NewValidationError("SURFACE_MONEYNESS_MIN", "must be positive and below SURFACE_MONEYNESS_MAX", s.MoneynessMin)
	}
	if s.MinTTEDays < 0 {
		return errors.NewValidationError("SURFACE_MIN_TTE_DAYS", "must not be negative", s.MinTTEDays)
	}
	if s.GridPoints < 2 {
		return errors.NewValidationError("SURFACE_GRID_POINTS", "must be at least 2", s.GridPoints)
	}
	if s.TTEMinDays <= 0 || s.TTEMinDays >= s.TTEMaxDays {
		return errors.NewValidationError("SURFACE_TTE_MIN_DAYS", "must be positive and below SURFACE_TTE_MAX_DAYS", s.TTEMinDays)
	}
	if len(s.SkewMoneyness) != 2 || s.SkewMoneyness[0] >= 1 || s.SkewMoneyness[1] <= 1 {
		return errors.NewValidationError("SURFACE_SKEW_MONEYNESS", "expects put,call moneyness around 1", s.SkewMoneyness)
	}
	if c.Deribit.FetchConcurrency < 1 {
		return errors.NewValidationError("DERIBIT_FETCH_CONCURRENCY", "must be at least 1", c.Deribit.FetchConcurrency)
	}
	return nil
}
