package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryDedupStore_MarkProcessed(t *testing.T) {
	store := NewInMemoryDedupStore()
	defer store.Close()
	ctx := context.Background()

	key := "EINVOICE/INV-1/evt_001"

	first, err := store.MarkProcessed(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	// Redelivery within the window is suppressed
	second, err := store.MarkProcessed(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, second)

	processed, err := store.IsProcessed(ctx, key)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestInMemoryDedupStore_Expiry(t *testing.T) {
	store := NewInMemoryDedupStore()
	defer store.Close()
	ctx := context.Background()

	first, err := store.MarkProcessed(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, first)

	time.Sleep(20 * time.Millisecond)

	processed, err := store.IsProcessed(ctx, "k")
	require.NoError(t, err)
	assert.False(t, processed)

	// An expired key can be marked again
	again, err := store.MarkProcessed(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestInMemoryDedupStore_Concurrency(t *testing.T) {
	store := NewInMemoryDedupStore()
	defer store.Close()
	ctx := context.Background()

	const workers = 20
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		go func() {
			ok, err := store.MarkProcessed(ctx, "contested", time.Minute)
			assert.NoError(t, err)
			wins <- ok
		}()
	}

	var winners int
	for i := 0; i < workers; i++ {
		if <-wins {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestInMemoryDedupStore_CloseIsIdempotent(t *testing.T) {
	store := NewInMemoryDedupStore()
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func TestInMemoryDedupStore_Size(t *testing.T) {
	store := NewInMemoryDedupStore()
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.MarkProcessed(ctx, fmt.Sprintf("k%d", i), time.Minute)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, store.Size())
}
