package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a Redis server on localhost:6379; skipped otherwise.
func TestRedisStorage(t *testing.T) {
	opts := RedisOptions{
		Addr:         "localhost:6379",
		DB:           15,
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
	}
	probe, err := NewRedisStorage(opts)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	require.NoError(t, probe.Close())

	testStorage(t, func(t *testing.T) Storage {
		store, err := NewRedisStorage(opts)
		require.NoError(t, err)
		require.NoError(t, store.client.FlushDB(context.Background()).Err())
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestRedisOptionsValidation(t *testing.T) {
	_, err := NewRedisStorage(RedisOptions{})
	assert.ErrorContains(t, err, "invalid redis options")

	_, err = NewRedisStorage(RedisOptions{Addr: "localhost:6379", DB: -1})
	assert.ErrorContains(t, err, "invalid redis options")
}
