package limiter

import (
	"fmt"
	"time"
)

var validLimitBy = map[string]bool{
	LimitByHandler:      true,
	LimitBySubscription: true,
	LimitByMessage:      true,
}

// Config holds the throttle configuration.
type Config struct {
	StorageType string        `yaml:"storage_type"` // "memory" or "redis"
	Rate        float64       `yaml:"rate"`         // burst size, in reports
	Period      time.Duration `yaml:"period"`       // time to refill Rate reports
	LimitBy     string        `yaml:"limit_by"`     // "handler", "subscription" or "message"
}

// ValidateAndPrepare validates the raw config and fills in defaults.
func (c *Config) ValidateAndPrepare() error {
	if c.StorageType == "" {
		c.StorageType = StorageMemory
	}
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return fmt.Errorf("invalid storage_type: %s, must be '%s' or '%s'", c.StorageType, StorageMemory, StorageRedis)
	}
	if c.Rate <= 0 {
		return fmt.Errorf("invalid rate: %f, must be positive", c.Rate)
	}
	if c.Period <= 0 {
		return fmt.Errorf("invalid period: %s, must be positive", c.Period)
	}
	if c.LimitBy == "" {
		c.LimitBy = LimitByHandler
	}
	if !validLimitBy[c.LimitBy] {
		return fmt.Errorf("invalid limit_by: %s, must be '%s', '%s' or '%s'", c.LimitBy, LimitByHandler, LimitBySubscription, LimitByMessage)
	}
	return nil
}
