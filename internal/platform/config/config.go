package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"

	strutil "ban/pkg/platform/strings"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string        `env:"BAN_ADDR,default=:5959"`
	Storage       string        `env:"BAN_STORAGE,default=memory"`
	JWTSigningKey string        `env:"JWT_SIGNING_KEY,default=dev-secret-key-change-in-production"`
	TokenTTL      time.Duration `env:"TOKEN_TTL,default=1h"`
	SeedFile      string        `env:"SEED_FILE"`
	LogFormat     string        `env:"LOG_FORMAT,default=json"`
	LogLevel      string        `env:"LOG_LEVEL,default=info"`

	// TokenRatePerSecond bounds POST /token per client IP; zero disables it.
	TokenRatePerSecond float64 `env:"TOKEN_RATE_PER_SECOND,default=5"`
	TokenRateBurst     int     `env:"TOKEN_RATE_BURST,default=10"`

	// Consumed by importers running next to the server.
	SessionUser string `env:"SESSION_USER"`
	ReportTo    string `env:"REPORT_TO"`

	Database Database
	Redis    RedisConfig
	Feed     Feed
}

// Database holds the PostgreSQL settings.
type Database struct {
	Name         string `env:"DB_NAME,default=ban"`
	User         string `env:"DB_USER,default=ban"`
	Password     string `env:"DB_PASSWORD"`
	Host         string `env:"DB_HOST,default=localhost"`
	Port         int    `env:"DB_PORT,default=5432"`
	SSLMode      string `env:"DB_SSLMODE,default=disable"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns int    `env:"DB_MAX_IDLE_CONNS,default=5"`
}

// RedisConfig holds the optional Redis cache settings. An empty URL keeps
// the reference cache in process.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE,default=10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS,default=2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT,default=5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT,default=3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT,default=3s"`
}

// Feed configures the diff relay. KAFKA_BROKERS is semicolon separated; no
// brokers disables it.
type Feed struct {
	Brokers   []string `env:"KAFKA_BROKERS"`
	Topic     string   `env:"KAFKA_DIFF_TOPIC,default=ban.diff"`
	BatchSize int      `env:"FEED_BATCH_SIZE,default=500"`
	CatchUp   string   `env:"FEED_CATCHUP_SCHEDULE,default=@every 1m"`
}

// Enabled reports whether a broker list is configured.
func (f Feed) Enabled() bool {
	return len(f.Brokers) > 0
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	var cfg Server
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Server{}, fmt.Errorf("decode environment: %w", err)
	}
	cfg.Feed.Brokers = strutil.DedupeAndTrim(cfg.Feed.Brokers)
	if err := cfg.validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func (c Server) validate() error {
	switch c.Storage {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("BAN_STORAGE must be %q or %q, got %q", StorageMemory, StoragePostgres, c.Storage)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	if c.Feed.Enabled() && c.Storage != StoragePostgres {
		return fmt.Errorf("the diff relay requires BAN_STORAGE=%s", StoragePostgres)
	}
	return nil
}
