package shared

import (
	"context"
	"time"
)

// DedupStore remembers processed delivery keys to make webhook
// redeliveries idempotent over a bounded window
type DedupStore interface {
	// MarkProcessed marks a delivery key as processed with a TTL.
	// Returns true if the key was newly marked, false if it was already
	// processed within the window.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IsProcessed checks if a delivery key has already been processed
	IsProcessed(ctx context.Context, key string) (bool, error)

	// Close closes the store and releases resources
	Close() error
}

// DedupConfig holds configuration for webhook deduplication
type DedupConfig struct {
	// Window is how long a delivery key is remembered. After this
	// duration the same delivery is processed again.
	// Default: 24 hours
	Window time.Duration

	// Enabled determines whether deduplication is enabled
	// Default: true
	Enabled bool
}

// DefaultDedupConfig returns the default deduplication configuration
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		Window:  24 * time.Hour,
		Enabled: true,
	}
}
