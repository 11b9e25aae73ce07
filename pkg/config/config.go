package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAdapterTimeout   = 600 * time.Second
	DefaultStatementTimeout = 5 * time.Minute
	DefaultGDELTWindowDays  = 30
	DefaultBatchSize        = 1000
	MinBatchSize            = 1000
	MaxBatchSize            = 5000

	DefaultPostgresHost    = "localhost"
	DefaultPostgresPort    = "5432"
	DefaultPostgresDB      = "sofia"
	DefaultPostgresUser    = "sofia"
	DefaultPostgresSSLMode = "disable"

	DefaultAPIListenAddr = "0.0.0.0:8080"
	DefaultKafkaTopic    = "sofia.notifications"
)

var ErrInvalidConfig = errors.New("invalid config")

// Postgres holds the connection settings read from POSTGRES_* variables.
type Postgres struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN renders a postgres:// URL suitable for pgx.
func (p Postgres) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   p.Host + ":" + p.Port,
		Path:   "/" + p.Database,
	}
	q := url.Values{}
	q.Set("sslmode", p.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Redacted is DSN with the password masked, for logs.
func (p Postgres) Redacted() string {
	c := p
	if c.Password != "" {
		c.Password = "xxxxx"
	}
	return c.DSN()
}

// Credentials are optional per-adapter secrets. An adapter that needs a
// missing credential fails its run with AUTH_MISSING.
type Credentials struct {
	ACLEDEmail    string
	ACLEDPassword string
	RapidAPIKey   string
	SerpAPIKey    string
	APINinjasKey  string
	EIAAPIKey     string
	GeminiAPIKey  string
}

// Notifications are recipients for outbox records. Delivery happens outside
// this process.
type Notifications struct {
	WhatsAppNumber string
	APIURL         string
	SMTPHost       string
	SMTPPort       string
	SMTPUser       string
	SMTPPass       string
	EmailTo        string
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type ClickHouse struct {
	Addr     string
	Database string
	Username string
	Password string
}

type Config struct {
	Postgres      Postgres
	Credentials   Credentials
	Notifications Notifications
	Kafka         Kafka
	ClickHouse    ClickHouse

	AdapterTimeout   time.Duration
	StatementTimeout time.Duration
	GDELTWindowDays  int
	BatchSize        int

	SourcesFile     string
	CacheDir        string
	CacheURI        string
	GeoIPCityDBPath string
	APIListenAddr   string
	MetricsAddr     string
}

// FromEnv loads a .env file when one exists and then reads the process
// environment.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()
	return Load(os.Getenv)
}

// Load builds a Config from a lookup function so tests can supply a map.
func Load(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Postgres: Postgres{
			Host:     get("POSTGRES_HOST", DefaultPostgresHost),
			Port:     get("POSTGRES_PORT", DefaultPostgresPort),
			User:     get("POSTGRES_USER", DefaultPostgresUser),
			Password: getenv("POSTGRES_PASSWORD"),
			Database: get("POSTGRES_DB", DefaultPostgresDB),
			SSLMode:  get("POSTGRES_SSLMODE", DefaultPostgresSSLMode),
		},
		Credentials: Credentials{
			ACLEDEmail:    getenv("ACLED_EMAIL"),
			ACLEDPassword: getenv("ACLED_PASSWORD"),
			RapidAPIKey:   getenv("RAPIDAPI_KEY"),
			SerpAPIKey:    getenv("SERPAPI_KEY"),
			APINinjasKey:  getenv("API_NINJAS_KEY"),
			EIAAPIKey:     getenv("EIA_API_KEY"),
			GeminiAPIKey:  getenv("GEMINI_API_KEY"),
		},
		Notifications: Notifications{
			WhatsAppNumber: getenv("WHATSAPP_NUMBER"),
			APIURL:         getenv("SOFIA_API_URL"),
			SMTPHost:       getenv("SMTP_HOST"),
			SMTPPort:       getenv("SMTP_PORT"),
			SMTPUser:       getenv("SMTP_USER"),
			SMTPPass:       getenv("SMTP_PASS"),
			EmailTo:        getenv("EMAIL_TO"),
		},
		Kafka: Kafka{
			Brokers: splitList(getenv("KAFKA_BROKERS")),
			Topic:   get("KAFKA_TOPIC", DefaultKafkaTopic),
		},
		ClickHouse: ClickHouse{
			Addr:     getenv("CLICKHOUSE_ADDR"),
			Database: get("CLICKHOUSE_DB", "sofia"),
			Username: get("CLICKHOUSE_USER", "default"),
			Password: getenv("CLICKHOUSE_PASSWORD"),
		},
		SourcesFile:     getenv("SOFIA_SOURCES_FILE"),
		CacheDir:        get("SOFIA_CACHE_DIR", ".cache/sofia"),
		CacheURI:        getenv("SOFIA_CACHE_URI"),
		GeoIPCityDBPath: getenv("GEOIP_CITY_DB_PATH"),
		APIListenAddr:   get("SOFIA_API_LISTEN_ADDR", DefaultAPIListenAddr),
		MetricsAddr:     getenv("SOFIA_METRICS_ADDR"),
	}

	var err error
	if cfg.AdapterTimeout, err = seconds(getenv("ADAPTER_TIMEOUT_SECONDS"), DefaultAdapterTimeout); err != nil {
		return nil, fmt.Errorf("%w: ADAPTER_TIMEOUT_SECONDS: %v", ErrInvalidConfig, err)
	}
	if cfg.StatementTimeout, err = seconds(getenv("STATEMENT_TIMEOUT_SECONDS"), DefaultStatementTimeout); err != nil {
		return nil, fmt.Errorf("%w: STATEMENT_TIMEOUT_SECONDS: %v", ErrInvalidConfig, err)
	}
	if cfg.GDELTWindowDays, err = integer(getenv("GDELT_ZSCORE_WINDOW_DAYS"), DefaultGDELTWindowDays); err != nil {
		return nil, fmt.Errorf("%w: GDELT_ZSCORE_WINDOW_DAYS: %v", ErrInvalidConfig, err)
	}
	if cfg.BatchSize, err = integer(getenv("SOFIA_BATCH_SIZE"), DefaultBatchSize); err != nil {
		return nil, fmt.Errorf("%w: SOFIA_BATCH_SIZE: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Postgres.Host == "" || cfg.Postgres.Database == "" || cfg.Postgres.User == "" {
		return fmt.Errorf("%w: postgres host, database and user are required", ErrInvalidConfig)
	}
	if cfg.AdapterTimeout <= 0 {
		return fmt.Errorf("%w: adapter timeout must be greater than 0", ErrInvalidConfig)
	}
	if cfg.StatementTimeout <= 0 {
		return fmt.Errorf("%w: statement timeout must be greater than 0", ErrInvalidConfig)
	}
	if cfg.GDELTWindowDays < 2 {
		return fmt.Errorf("%w: gdelt window must be at least 2 days", ErrInvalidConfig)
	}
	if cfg.BatchSize < MinBatchSize || cfg.BatchSize > MaxBatchSize {
		return fmt.Errorf("%w: batch size must be between %d and %d", ErrInvalidConfig, MinBatchSize, MaxBatchSize)
	}
	return nil
}

func seconds(raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return time.Duration(n) * time.Second, nil
}

func integer(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
