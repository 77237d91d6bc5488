package domain

import "time"

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Lock       LockConfig       `json:"lock"`

	// External scorer
	Scorer ScorerConfig `json:"scorer"`

	// Case pipeline
	Policy PolicyConfig `json:"policy"`
	Query  QueryConfig  `json:"query"`
	Worker WorkerConfig `json:"worker"`

	// Access control
	Auth AuthConfig `json:"auth"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ReadTimeout    int      `json:"readTimeout"`  // seconds
	WriteTimeout   int      `json:"writeTimeout"` // seconds
	AllowedOrigins []string `json:"allowedOrigins"`
}

// ScorerConfig locates the external fraud model.
type ScorerConfig struct {
	// BaseURL is the HTTP base of the scorer API.
	BaseURL string `json:"baseUrl"`

	// WSURL overrides the push endpoint. When empty it is derived from
	// BaseURL by swapping http for ws.
	WSURL string `json:"wsUrl"`

	APIKey       string        `json:"-"`
	Timeout      time.Duration `json:"timeout"`
	ModelVersion string        `json:"modelVersion"`

	// Relay subscribes to the scorer push feed and republishes updates.
	Relay bool `json:"relay"`
}

// PolicyConfig holds the case-open policy.
type PolicyConfig struct {
	// CaseOpenExpression is a CEL expression over risk_score, amount and
	// payment_method. It can only narrow the strict threshold floor.
	CaseOpenExpression string `json:"caseOpenExpression"`
}

// QueryConfig holds read cache settings.
type QueryConfig struct {
	StaleAfter        time.Duration `json:"staleAfter"`
	StatisticsRefresh string        `json:"statisticsRefresh"` // cron spec
}

// WorkerConfig holds async submission settings.
type WorkerConfig struct {
	Enabled   bool     `json:"enabled"`
	TenantIDs []string `json:"tenantIds"`
}

// LockConfig selects the per-transaction lock used while opening cases.
type LockConfig struct {
	// Type is "local" or "redis"
	Type      string        `json:"type"`
	RedisAddr string        `json:"redisAddr"`
	TTL       time.Duration `json:"ttl"`
}

// AuthConfig enables role checks on mutations. Empty secret disables them.
type AuthConfig struct {
	JWTSecret string `json:"-"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"` // OTLP HTTP host:port
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   30,
			AllowedOrigins: []string{"https://*", "http://*"},
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Lock: LockConfig{
			Type: "local",
			TTL:  30 * time.Second,
		},
		Scorer: ScorerConfig{
			BaseURL:      "http://localhost:8000",
			Timeout:      30 * time.Second,
			ModelVersion: "gnn-v1",
			Relay:        true,
		},
		Policy: PolicyConfig{
			CaseOpenExpression: "risk_score > 0.5",
		},
		Query: QueryConfig{
			StaleAfter:        30 * time.Second,
			StatisticsRefresh: "@every 60s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Lock = LockConfig{
		Type:      "redis",
		RedisAddr: "localhost:6379",
		TTL:       30 * time.Second,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
