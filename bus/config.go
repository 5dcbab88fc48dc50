package bus

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/toolink/msgbus/dispatch"
	"github.com/toolink/msgbus/limiter"
	"github.com/toolink/msgbus/metrics"
	"github.com/toolink/msgbus/report"
)

const defaultErrorListKey = "msgbus:publication-errors"

// MetricsConfig enables the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// RedisErrorLogConfig stores publication errors in a Redis list.
type RedisErrorLogConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Key         string        `yaml:"key"`
	MaxLen      int64         `yaml:"max_len"`      // 0 keeps every record
	PushTimeout time.Duration `yaml:"push_timeout"` // e.g. "500ms"
}

// ErrorLogConfig selects the publication error handlers.
type ErrorLogConfig struct {
	Log      bool                 `yaml:"log"`
	Redis    *RedisErrorLogConfig `yaml:"redis"`
	Throttle *limiter.Config      `yaml:"throttle"`
}

// Config holds the bus configuration as loaded from YAML.
type Config struct {
	StrongReferencesByDefault *bool          `yaml:"strong_references_by_default"` // default true
	Workers                   int            `yaml:"workers"`
	BufferSize                int            `yaml:"buffer_size"`
	SweepInterval             time.Duration  `yaml:"sweep_interval"`
	Metrics                   MetricsConfig  `yaml:"metrics"`
	ErrorLog                  ErrorLogConfig `yaml:"error_log"`
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateAndPrepare validates the raw config and fills in defaults.
func (c *Config) ValidateAndPrepare() error {
	if c.StrongReferencesByDefault == nil {
		strong := true
		c.StrongReferencesByDefault = &strong
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d, must not be negative", c.Workers)
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("invalid buffer_size: %d, must not be negative", c.BufferSize)
	}
	if c.BufferSize == 0 {
		c.BufferSize = 128
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("invalid sweep_interval: %s, must not be negative", c.SweepInterval)
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "msgbus"
	}

	if r := c.ErrorLog.Redis; r != nil {
		if r.Addr == "" {
			return fmt.Errorf("error_log.redis requires addr")
		}
		if r.Key == "" {
			r.Key = defaultErrorListKey
		}
		if r.MaxLen < 0 {
			return fmt.Errorf("invalid error_log.redis.max_len: %d, must not be negative", r.MaxLen)
		}
		if r.PushTimeout < 0 {
			return fmt.Errorf("invalid error_log.redis.push_timeout: %s, must not be negative", r.PushTimeout)
		}
	}

	if th := c.ErrorLog.Throttle; th != nil {
		if err := th.ValidateAndPrepare(); err != nil {
			return fmt.Errorf("invalid error_log.throttle: %w", err)
		}
		if th.StorageType == limiter.StorageRedis && c.ErrorLog.Redis == nil {
			return fmt.Errorf("error_log.throttle with storage_type %s requires error_log.redis", limiter.StorageRedis)
		}
	}

	if !c.ErrorLog.Log && c.ErrorLog.Redis == nil {
		log.Warn().Msg("no publication error handler configured, errors will be logged")
	}
	return nil
}

// Options converts the config into bus options. registerer receives the
// metrics when they are enabled; nil means the default Prometheus registerer.
// A configured Redis client is closed by Shutdown.
func (c *Config) Options(registerer prometheus.Registerer) []Option {
	opts := []Option{
		WithWorkers(c.Workers),
		WithBufferSize(c.BufferSize),
		WithSweepInterval(c.SweepInterval),
	}
	if c.StrongReferencesByDefault != nil {
		opts = append(opts, WithStrongReferencesByDefault(*c.StrongReferencesByDefault))
	}
	if c.Metrics.Enabled {
		opts = append(opts, WithMetrics(metrics.New(registerer, c.Metrics.Namespace)))
	}

	var handlers report.Multi
	if c.ErrorLog.Log {
		handlers = append(handlers, report.NewLogHandler(nil))
	}
	var rdb *redis.Client
	if r := c.ErrorLog.Redis; r != nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
		})
		handlers = append(handlers, report.NewRedisHandler(rdb, r.Key,
			report.WithListMaxLen(r.MaxLen),
			report.WithPushTimeout(r.PushTimeout),
		))
		opts = append(opts, withCloser(rdb.Close))
	}

	if th := c.ErrorLog.Throttle; th != nil && len(handlers) > 0 {
		store := limiter.NewMemoryStore()
		if th.StorageType == limiter.StorageRedis && rdb != nil {
			store = limiter.NewRedisStore(rdb)
		}
		var next dispatch.ErrorHandler = handlers
		if len(handlers) == 1 {
			next = handlers[0]
		}
		return append(opts, WithErrorHandler(report.NewThrottledHandler(next, limiter.NewThrottle(th, store))))
	}
	for _, h := range handlers {
		opts = append(opts, WithErrorHandler(h))
	}
	return opts
}
