package selector

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gitlab.com/inference-grid/routing-service/cache"
	repositories_gorm "gitlab.com/inference-grid/routing-service/db/repositories/gorm"
	"gitlab.com/inference-grid/routing-service/liveness"
	"gitlab.com/inference-grid/routing-service/models"
)

func newTestSelector(t *testing.T) (*Selector, *liveness.Tracker, *cache.MemoryStore, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Machine{}))

	store := cache.NewMemoryStore()
	machines := repositories_gorm.NewMachineRepository(db)
	tracker := liveness.NewTracker(store, machines)
	return New(tracker, machines), tracker, store, db
}

func heartbeatAll(t *testing.T, tracker *liveness.Tracker, ids ...uint) {
	t.Helper()
	for _, id := range ids {
		_, err := tracker.Heartbeat(context.Background(), id, fmt.Sprintf("10.0.0.%d", id))
		require.NoError(t, err)
	}
}

func TestSelectNoMachines(t *testing.T) {
	sel, _, _, _ := newTestSelector(t)

	_, err := sel.SelectMachines(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoMachines)
}

func TestSelectInsufficientCapacity(t *testing.T) {
	sel, tracker, _, _ := newTestSelector(t)
	heartbeatAll(t, tracker, 1, 2)

	_, err := sel.SelectMachines(context.Background(), 3)
	var capErr *ErrInsufficientCapacity
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 3, capErr.Requested)
	assert.Equal(t, 2, capErr.Online)
}

func TestSelectRoundRobinFairness(t *testing.T) {
	sel, tracker, _, _ := newTestSelector(t)
	heartbeatAll(t, tracker, 1, 2, 3)
	ctx := context.Background()

	// Every machine must be visited within one full rotation.
	seen := map[uint]int{}
	for i := 0; i < 3; i++ {
		picked, err := sel.SelectMachines(ctx, 1)
		require.NoError(t, err)
		require.Len(t, picked, 1)
		seen[picked[0].ID]++
	}
	assert.Len(t, seen, 3)
	for id, count := range seen {
		assert.Equal(t, 1, count, "machine %d", id)
	}
}

func TestSelectMultipleDistinct(t *testing.T) {
	sel, tracker, _, _ := newTestSelector(t)
	heartbeatAll(t, tracker, 1, 2, 3)

	picked, err := sel.SelectMachines(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.NotEqual(t, picked[0].ID, picked[1].ID)
	for _, m := range picked {
		assert.Equal(t, fmt.Sprintf("10.0.0.%d", m.ID), m.NetworkIP)
	}
}

func TestSelectDirectoryFallbackWritesBack(t *testing.T) {
	sel, tracker, store, db := newTestSelector(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Machine{Name: "node-a", NetworkIP: "10.0.0.1"}).Error)
	heartbeatAll(t, tracker, 1)

	// Evict the address entry so the selector has to hit the directory.
	require.NoError(t, store.Delete(ctx, "network_ip:1"))

	picked, err := sel.SelectMachines(ctx, 1)
	require.NoError(t, err)
	require.Len(t, picked, 1)
	assert.Equal(t, "10.0.0.1", picked[0].NetworkIP)

	// The resolved address was promoted back into the index.
	addr, err := tracker.Addresses().Address(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr)
}

func TestSelectSkipsOrphanedLivenessRecords(t *testing.T) {
	sel, tracker, store, db := newTestSelector(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Machine{Name: "node-a", NetworkIP: "10.0.0.1"}).Error)
	heartbeatAll(t, tracker, 1)

	// A liveness record whose machine was deleted from the directory
	// and whose address entry expired must not surface as a candidate.
	require.NoError(t, store.Set(ctx, "liveness:99", `{"machine_id":99,"network_ip":"10.0.0.99","timestamp":0}`, liveness.TTL))
	require.NoError(t, store.Delete(ctx, "network_ip:99"))

	picked, err := sel.SelectMachines(ctx, 1)
	require.NoError(t, err)
	require.Len(t, picked, 1)
	assert.Equal(t, uint(1), picked[0].ID)
}
