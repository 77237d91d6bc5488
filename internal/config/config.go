// Package config loads Harrier configuration from the environment.
//
// HARRIER_TIER selects the base profile (community or pro); every other
// HARRIER_* variable overrides a single field of it. A .env file in the
// working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/policy"
	"github.com/spf13/viper"
)

// Load builds the configuration.
func Load() (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("HARRIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := domain.DefaultConfig()
	switch tier := domain.Tier(strings.ToLower(v.GetString("tier"))); tier {
	case "", domain.TierCommunity:
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("unknown tier: %s", tier)
	}

	setString(v, "host", &cfg.Server.Host)
	setInt(v, "port", &cfg.Server.Port)
	setList(v, "allowed.origins", &cfg.Server.AllowedOrigins)

	setString(v, "db.driver", &cfg.Repository.Driver)
	setString(v, "sqlite.path", &cfg.Repository.SQLitePath)
	setString(v, "postgres.host", &cfg.Repository.PostgresHost)
	setInt(v, "postgres.port", &cfg.Repository.PostgresPort)
	setString(v, "postgres.user", &cfg.Repository.PostgresUser)
	setString(v, "postgres.password", &cfg.Repository.PostgresPassword)
	setString(v, "postgres.db", &cfg.Repository.PostgresDB)
	setString(v, "postgres.sslmode", &cfg.Repository.PostgresSSLMode)

	setString(v, "cache.type", &cfg.Cache.Type)
	setString(v, "redis.addr", &cfg.Cache.RedisAddr)
	setString(v, "redis.password", &cfg.Cache.RedisPassword)
	setInt(v, "redis.db", &cfg.Cache.RedisDB)

	setString(v, "bus.type", &cfg.EventBus.Type)
	setString(v, "nats.url", &cfg.EventBus.NATSUrl)
	setString(v, "nats.token", &cfg.EventBus.NATSToken)
	setString(v, "nats.queue", &cfg.EventBus.NATSQueueGroup)
	setList(v, "kafka.brokers", &cfg.EventBus.KafkaBrokers)
	setString(v, "kafka.group", &cfg.EventBus.KafkaGroupID)
	setString(v, "amqp.url", &cfg.EventBus.AMQPURL)
	setString(v, "amqp.exchange", &cfg.EventBus.AMQPExchange)

	setString(v, "lock.type", &cfg.Lock.Type)
	setDuration(v, "lock.ttl", &cfg.Lock.TTL)
	cfg.Lock.RedisAddr = cfg.Cache.RedisAddr
	setString(v, "lock.redis.addr", &cfg.Lock.RedisAddr)

	setString(v, "scorer.url", &cfg.Scorer.BaseURL)
	setString(v, "scorer.ws.url", &cfg.Scorer.WSURL)
	setString(v, "scorer.api.key", &cfg.Scorer.APIKey)
	setDuration(v, "scorer.timeout", &cfg.Scorer.Timeout)
	setString(v, "scorer.model", &cfg.Scorer.ModelVersion)
	setBool(v, "scorer.relay", &cfg.Scorer.Relay)

	setString(v, "case.policy", &cfg.Policy.CaseOpenExpression)
	setDuration(v, "query.stale.after", &cfg.Query.StaleAfter)
	setString(v, "stats.refresh", &cfg.Query.StatisticsRefresh)

	setBool(v, "async.worker", &cfg.Worker.Enabled)
	setList(v, "tenants", &cfg.Worker.TenantIDs)

	setString(v, "jwt.secret", &cfg.Auth.JWTSecret)

	setString(v, "log.level", &cfg.Logging.Level)
	setString(v, "log.format", &cfg.Logging.Format)
	if v.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}

	setBool(v, "tracing", &cfg.Tracing.Enabled)
	setString(v, "otlp.endpoint", &cfg.Tracing.Endpoint)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", domain.ErrInvalidInput, cfg.Server.Port)
	}
	if cfg.Scorer.BaseURL == "" {
		return fmt.Errorf("%w: HARRIER_SCORER_URL is required", domain.ErrInvalidInput)
	}
	if cfg.Query.StaleAfter <= 0 {
		return fmt.Errorf("%w: query staleness window must be positive", domain.ErrInvalidInput)
	}
	if err := policy.Validate(cfg.Policy.CaseOpenExpression); err != nil {
		return fmt.Errorf("HARRIER_CASE_POLICY: %w", err)
	}
	return nil
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}

// setList reads a comma-separated list, dropping empty items.
func setList(v *viper.Viper, key string, dst *[]string) {
	if !v.IsSet(key) {
		return
	}
	var items []string
	for _, item := range strings.Split(v.GetString(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}
