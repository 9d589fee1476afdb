package cache

import (
	"github.com/erp/synccore/internal/domain/shared"
	"github.com/erp/synccore/internal/infrastructure/config"
)

// NewDedupStore builds the webhook dedup store for the configured
// deployment: Redis when a host is configured, process-local otherwise.
func NewDedupStore(cfg *config.Config) (shared.DedupStore, error) {
	if cfg.Redis.Host == "" {
		return NewInMemoryDedupStore(), nil
	}
	return NewRedisDedupStore(RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}
