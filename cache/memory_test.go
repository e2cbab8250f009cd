package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryStoreSetGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Set(ctx, "liveness:1", "payload", 0)
	assert.NoError(t, err)

	value, err := store.Get(ctx, "liveness:1")
	assert.NoError(t, err)
	assert.Equal(t, "payload", value)

	_, err = store.Get(ctx, "liveness:2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.Now = func() time.Time { return now }

	err := store.Set(ctx, "liveness:1", "payload", 6*time.Second)
	assert.NoError(t, err)

	_, err = store.Get(ctx, "liveness:1")
	assert.NoError(t, err)

	// Step past the TTL window.
	now = now.Add(7 * time.Second)
	_, err = store.Get(ctx, "liveness:1")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := store.Keys(ctx, "liveness:*")
	assert.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStoreKeysPattern(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Set(ctx, "liveness:1", "a", 0)
	store.Set(ctx, "liveness:7", "b", 0)
	store.Set(ctx, "network_ip:1", "10.0.0.1", 0)

	keys, err := store.Keys(ctx, "liveness:*")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"liveness:1", "liveness:7"}, keys)
}

func TestMemoryStoreMGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Set(ctx, "network_ip:1", "10.0.0.1", 0)
	store.Set(ctx, "network_ip:3", "10.0.0.3", 0)

	values, err := store.MGet(ctx, "network_ip:1", "network_ip:2", "network_ip:3")
	assert.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "", "10.0.0.3"}, values)
}

func TestMemoryStoreSetNX(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	set, err := store.SetNX(ctx, "user_credit:u1", "10", 0)
	assert.NoError(t, err)
	assert.True(t, set)

	set, err = store.SetNX(ctx, "user_credit:u1", "99", 0)
	assert.NoError(t, err)
	assert.False(t, set)

	value, err := store.Get(ctx, "user_credit:u1")
	assert.NoError(t, err)
	assert.Equal(t, "10", value)
}

func TestMemoryStoreIncrByFloat(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	balance, err := store.IncrByFloat(ctx, "user_credit:u1", 5)
	assert.NoError(t, err)
	assert.Equal(t, 5.0, balance)

	balance, err = store.IncrByFloat(ctx, "user_credit:u1", -2)
	assert.NoError(t, err)
	assert.Equal(t, 3.0, balance)
}

func TestMemoryStoreIncrByFloatRestartsExpiredCounter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.Now = func() time.Time { return now }

	err := store.Set(ctx, "user_credit:u1", "5", time.Second)
	assert.NoError(t, err)

	// Past the TTL the increment starts a fresh persistent counter.
	now = now.Add(2 * time.Second)
	balance, err := store.IncrByFloat(ctx, "user_credit:u1", 2)
	assert.NoError(t, err)
	assert.Equal(t, 2.0, balance)

	value, err := store.Get(ctx, "user_credit:u1")
	assert.NoError(t, err)
	assert.Equal(t, "2", value)
}
