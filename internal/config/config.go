package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App        AppConfig
	Postgres   PostgresConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Logger     LoggerConfig
	Auth       AuthConfig
	Store      StoreConfig
	Matcher    MatcherConfig
	SLA        SLAConfig
	Workflow   WorkflowConfig
	Dispatch   DispatchConfig
	AMQP       AMQPConfig
	Webhook    WebhookConfig
	Poller     PollerConfig
	Classifier ClassifierConfig
	PolicyFile string
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// SQLiteConfig points at the local store file.
type SQLiteConfig struct {
	Path          string
	BusyTimeoutMS int
}

// RedisConfig holds Redis connection values. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	Issuer                string
}

// StoreConfig selects the case store backend.
type StoreConfig struct {
	Driver         string
	UpdateAttempts int
	MarkerBackend  string
	MarkerTTL      time.Duration
}

// MatcherConfig drives inbound matching.
type MatcherConfig struct {
	OutboundIdentity string
	Aliases          []string
	Lookback         time.Duration
}

// SLAConfig holds the deadline policy and sweep cadence.
type SLAConfig struct {
	Policy         string
	RiskMargin     time.Duration
	SweepInterval  time.Duration
	AutoCloseGrace time.Duration
}

// WorkflowConfig bounds rule evaluation.
type WorkflowConfig struct {
	MaxCascade int
	QueueSize  int
}

// DispatchConfig tunes outbound delivery.
type DispatchConfig struct {
	Sender         string
	Workers        int
	QueueSize      int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
	FromName       string
}

// AMQPConfig configures the broker sender.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// WebhookConfig configures the HTTP sender.
type WebhookConfig struct {
	URL   string
	Token string
}

// PollerConfig configures the inbound spool poller.
type PollerConfig struct {
	Enabled   bool
	SpoolDir  string
	Interval  time.Duration
	BatchSize int
}

// ClassifierConfig points at the classification collaborator.
type ClassifierConfig struct {
	URL     string
	Timeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "caseflow"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		SQLite: SQLiteConfig{
			Path:          getEnv("SQLITE_PATH", "data/caseflow.db"),
			BusyTimeoutMS: getEnvAsInt("SQLITE_BUSY_TIMEOUT_MS", 5000),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			Issuer:                getEnv("AUTH_ISSUER", "caseflow"),
		},
		Store: StoreConfig{
			Driver:         strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
			UpdateAttempts: getEnvAsInt("STORE_UPDATE_ATTEMPTS", 5),
			MarkerBackend:  strings.ToLower(getEnv("WORKFLOW_MARKER_BACKEND", "store")),
			MarkerTTL:      getEnvAsDuration("WORKFLOW_MARKER_TTL", 30*24*time.Hour),
		},
		Matcher: MatcherConfig{
			OutboundIdentity: getEnv("OUTBOUND_IDENTITY", "support@example.com"),
			Aliases:          getEnvAsList("OUTBOUND_ALIASES"),
			Lookback:         getEnvAsDuration("MATCH_LOOKBACK", 120*time.Hour),
		},
		SLA: SLAConfig{
			Policy:         getEnv("SLA_POLICY", "Critical=2h,High=4h,Medium=24h,Low=72h"),
			RiskMargin:     getEnvAsDuration("SLA_RISK_MARGIN", 10*time.Minute),
			SweepInterval:  getEnvAsDuration("SLA_SWEEP_INTERVAL", time.Minute),
			AutoCloseGrace: getEnvAsDuration("AUTO_CLOSE_GRACE", 72*time.Hour),
		},
		Workflow: WorkflowConfig{
			MaxCascade: getEnvAsInt("WORKFLOW_MAX_CASCADE", 4),
			QueueSize:  getEnvAsInt("WORKFLOW_QUEUE_SIZE", 256),
		},
		Dispatch: DispatchConfig{
			Sender:         strings.ToLower(getEnv("DISPATCH_SENDER", "log")),
			Workers:        getEnvAsInt("DISPATCH_WORKERS", 4),
			QueueSize:      getEnvAsInt("DISPATCH_QUEUE_SIZE", 256),
			AttemptTimeout: getEnvAsDuration("DISPATCH_ATTEMPT_TIMEOUT", 10*time.Second),
			InitialBackoff: getEnvAsDuration("DISPATCH_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     getEnvAsDuration("DISPATCH_MAX_BACKOFF", 30*time.Second),
			MaxRetries:     getEnvAsInt("DISPATCH_MAX_RETRIES", 4),
			FromName:       getEnv("DISPATCH_FROM_NAME", "Support"),
		},
		AMQP: AMQPConfig{
			URL:        os.Getenv("AMQP_URL"),
			Exchange:   getEnv("AMQP_EXCHANGE", "caseflow.outbound"),
			RoutingKey: getEnv("AMQP_ROUTING_KEY", "case.reply"),
		},
		Webhook: WebhookConfig{
			URL:   os.Getenv("DISPATCH_WEBHOOK_URL"),
			Token: os.Getenv("DISPATCH_WEBHOOK_TOKEN"),
		},
		Poller: PollerConfig{
			Enabled:   getEnvAsBool("POLLER_ENABLED", false),
			SpoolDir:  getEnv("POLLER_SPOOL_DIR", "data/inbound"),
			Interval:  getEnvAsDuration("POLLER_INTERVAL", 30*time.Second),
			BatchSize: getEnvAsInt("POLLER_BATCH_SIZE", 50),
		},
		Classifier: ClassifierConfig{
			URL:     os.Getenv("CLASSIFIER_URL"),
			Timeout: getEnvAsDuration("CLASSIFIER_TIMEOUT", 5*time.Second),
		},
		PolicyFile: os.Getenv("POLICY_FILE"),
	}

	switch cfg.Store.Driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "postgres" && cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("STORE_DRIVER=postgres requires POSTGRES_DSN")
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
