package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gitlab.com/inference-grid/routing-service/cache"
	repositories_gorm "gitlab.com/inference-grid/routing-service/db/repositories/gorm"
	"gitlab.com/inference-grid/routing-service/gateway"
	"gitlab.com/inference-grid/routing-service/liveness"
	"gitlab.com/inference-grid/routing-service/models"
)

var testPricing = models.NewPricingTable([]models.ModelPricing{
	{Name: "grid-small", ProviderID: "small-v1", PromptTokenPrice: 0.001, CompletionTokenPrice: 0.002},
	{Name: "grid-large", ProviderID: "large-v1", PromptTokenPrice: 0.01, CompletionTokenPrice: 0.02},
})

// fakeAdapter records deployments in memory and can be told to fail.
type fakeAdapter struct {
	mu          sync.Mutex
	deployments map[string]gateway.Deployment
	createErr   error
	syncErr     error
	removeErr   error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{deployments: make(map[string]gateway.Deployment)}
}

func (f *fakeAdapter) CreateDeployments(ctx context.Context, machine *models.Machine, table models.PricingTable) ([]gateway.Deployment, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var created []gateway.Deployment
	for name := range table {
		if !machine.ServesModel(name) {
			continue
		}
		dep := gateway.Deployment{
			ID:        gateway.DeploymentID(name, machine.ID),
			ModelName: name,
			Weight:    machine.TrafficWeight,
			MachineID: machine.ID,
		}
		f.deployments[dep.ID] = dep
		created = append(created, dep)
	}
	return created, nil
}

func (f *fakeAdapter) SyncDeployments(ctx context.Context, machine *models.Machine, table models.PricingTable) error {
	if f.syncErr != nil {
		return f.syncErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, dep := range f.deployments {
		if dep.MachineID == machine.ID {
			delete(f.deployments, id)
		}
	}
	if machine.Disabled {
		return nil
	}
	for name := range table {
		if !machine.ServesModel(name) {
			continue
		}
		id := gateway.DeploymentID(name, machine.ID)
		f.deployments[id] = gateway.Deployment{
			ID: id, ModelName: name, Weight: machine.TrafficWeight, MachineID: machine.ID,
		}
	}
	return nil
}

func (f *fakeAdapter) RemoveDeployments(ctx context.Context, machineID uint, table models.PricingTable) ([]string, error) {
	if f.removeErr != nil {
		return nil, f.removeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []string
	for id, dep := range f.deployments {
		if dep.MachineID == machineID {
			delete(f.deployments, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (f *fakeAdapter) Deployments(ctx context.Context) (map[string]gateway.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]gateway.Deployment, len(f.deployments))
	for id, dep := range f.deployments {
		out[id] = dep
	}
	return out, nil
}

func (f *fakeAdapter) machineDeployments(machineID uint) []gateway.Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.Deployment
	for _, dep := range f.deployments {
		if dep.MachineID == machineID {
			out = append(out, dep)
		}
	}
	return out
}

type testEnv struct {
	registry *Registry
	tracker  *liveness.Tracker
	adapter  *fakeAdapter
	store    *cache.MemoryStore
	db       *gorm.DB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// A second pool connection would open a fresh in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Machine{}, &models.MachineToken{}))

	store := cache.NewMemoryStore()
	machines := repositories_gorm.NewMachineRepository(db)
	tracker := liveness.NewTracker(store, machines)
	adapter := newFakeAdapter()
	reg := New(machines, repositories_gorm.NewMachineTokenRepository(db), tracker, adapter, testPricing, nil)
	return &testEnv{registry: reg, tracker: tracker, adapter: adapter, store: store, db: db}
}

func TestRegisterCreatesDirectoryGatewayAndIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.registry.Register(ctx, RegisterRequest{
		NetworkIP: "10.0.0.1",
		Name:      "node-a",
	})
	require.NoError(t, err)
	assert.True(t, result.Synced)
	assert.False(t, result.Existing)
	assert.True(t, strings.HasPrefix(result.Token, MachineTokenPrefix))
	assert.Equal(t, models.DefaultTrafficWeight, result.Machine.TrafficWeight)

	// Nil model list serves every priced model.
	assert.Len(t, env.adapter.machineDeployments(result.Machine.ID), 2)

	addr, err := env.tracker.Addresses().Address(ctx, result.Machine.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr)
	id, err := env.tracker.Addresses().MachineID(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, result.Machine.ID, id)

	ok, err := env.registry.Authenticate(ctx, result.Machine.ID, result.Token)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegisterRespectsModelList(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.registry.Register(context.Background(), RegisterRequest{
		NetworkIP:       "10.0.0.1",
		SupportedModels: []string{"grid-small"},
	})
	require.NoError(t, err)

	deps := env.adapter.machineDeployments(result.Machine.ID)
	require.Len(t, deps, 1)
	assert.Equal(t, "grid-small", deps[0].ModelName)
}

func TestRegisterConcurrentSameAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const racers = 4
	results := make([]RegisterResult, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			result, err := env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.1"})
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	// The unique address index lets exactly one insert win; the losers
	// resolve to the winner's row.
	var count int64
	require.NoError(t, env.db.Model(&models.Machine{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	fresh := 0
	for _, result := range results {
		assert.Equal(t, results[0].Machine.ID, result.Machine.ID)
		if !result.Existing {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestRegisterIdempotentOnAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.1", Name: "node-a"})
	require.NoError(t, err)

	second, err := env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.1", Name: "other"})
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Machine.ID, second.Machine.ID)
	assert.Empty(t, second.Token)

	var count int64
	require.NoError(t, env.db.Model(&models.Machine{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRegisterGatewayRejectionRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.adapter.createErr = &gateway.RejectedError{Status: 400, Body: "bad deployment"}

	_, err := env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.1"})
	require.Error(t, err)
	assert.True(t, gateway.IsCritical(err))

	// Nothing survives the rollback.
	var count int64
	require.NoError(t, env.db.Model(&models.Machine{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, env.db.Model(&models.MachineToken{}).Count(&count).Error)
	assert.Zero(t, count)
	keys, err := env.store.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRegisterGatewayUnreachableSucceedsUnsynced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.adapter.createErr = errors.New("connection refused")

	result, err := env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.False(t, result.Synced)
	assert.NotEmpty(t, result.Token)

	addr, err := env.tracker.Addresses().Address(ctx, result.Machine.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr)
}

func TestUpdateDisableRemovesDeployments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.1"})
	require.NoError(t, err)

	disabled := true
	machine, synced, err := env.registry.Update(ctx, result.Machine.ID, UpdateRequest{Disabled: &disabled})
	require.NoError(t, err)
	assert.True(t, synced)
	assert.True(t, machine.Disabled)
	assert.Empty(t, env.adapter.machineDeployments(machine.ID))
}

func TestUpdateAddressMovesIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.1"})
	require.NoError(t, err)

	newAddr := "10.0.0.2"
	machine, _, err := env.registry.Update(ctx, result.Machine.ID, UpdateRequest{NetworkIP: &newAddr})
	require.NoError(t, err)
	assert.Equal(t, newAddr, machine.NetworkIP)

	addr, err := env.tracker.Addresses().Address(ctx, machine.ID)
	require.NoError(t, err)
	assert.Equal(t, newAddr, addr)
	_, err = env.tracker.Addresses().MachineID(ctx, "10.0.0.1")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestUpdateGatewayRejectionRestoresPreviousRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.1", Name: "node-a"})
	require.NoError(t, err)

	env.adapter.syncErr = &gateway.RejectedError{Status: 422, Body: "invalid weight"}
	weight := 0.9
	name := "renamed"
	_, _, err = env.registry.Update(ctx, result.Machine.ID, UpdateRequest{TrafficWeight: &weight, Name: &name})
	require.Error(t, err)
	assert.True(t, gateway.IsCritical(err))

	machine, err := env.registry.Get(ctx, result.Machine.ID)
	require.NoError(t, err)
	assert.Equal(t, "node-a", machine.Name)
	assert.Equal(t, models.DefaultTrafficWeight, machine.TrafficWeight)
}

func TestDeleteCleansAllStores(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.1"})
	require.NoError(t, err)
	_, err = env.tracker.Heartbeat(ctx, result.Machine.ID, "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, env.registry.Delete(ctx, result.Machine.ID))

	_, err = env.registry.Get(ctx, result.Machine.ID)
	assert.ErrorIs(t, err, ErrMachineNotFound)
	assert.Empty(t, env.adapter.machineDeployments(result.Machine.ID))

	online, err := env.tracker.IsOnline(ctx, result.Machine.ID)
	require.NoError(t, err)
	assert.False(t, online)
	_, err = env.tracker.Addresses().Address(ctx, result.Machine.ID)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	// Token rows survive as tombstones but no longer authenticate.
	var tokens []models.MachineToken
	require.NoError(t, env.db.Find(&tokens).Error)
	require.Len(t, tokens, 1)
	assert.NotNil(t, tokens[0].DeletedAt)
	ok, err := env.registry.Authenticate(ctx, result.Machine.ID, result.Token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteToleratesUnreachableGateway(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.1"})
	require.NoError(t, err)

	env.adapter.removeErr = errors.New("connection refused")
	require.NoError(t, env.registry.Delete(ctx, result.Machine.ID))

	_, err = env.registry.Get(ctx, result.Machine.ID)
	assert.ErrorIs(t, err, ErrMachineNotFound)
}

func TestTokenIssueRevokeList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.1"})
	require.NoError(t, err)

	extra, err := env.registry.IssueToken(ctx, result.Machine.ID, "backup token")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(extra.APIToken, MachineTokenPrefix))

	tokens, err := env.registry.Tokens(ctx, result.Machine.ID)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	require.NoError(t, env.registry.RevokeToken(ctx, extra.ID))
	tokens, err = env.registry.Tokens(ctx, result.Machine.ID)
	require.NoError(t, err)
	assert.Len(t, tokens, 1)

	// Revoking twice reports not found.
	assert.ErrorIs(t, env.registry.RevokeToken(ctx, extra.ID), ErrTokenNotFound)

	ok, err := env.registry.Authenticate(ctx, result.Machine.ID, extra.APIToken)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListHidesDisabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.1"})
	require.NoError(t, err)
	_, err = env.registry.Register(ctx, RegisterRequest{NetworkIP: "10.0.0.2"})
	require.NoError(t, err)

	disabled := true
	_, _, err = env.registry.Update(ctx, a.Machine.ID, UpdateRequest{Disabled: &disabled})
	require.NoError(t, err)

	visible, err := env.registry.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "10.0.0.2", visible[0].NetworkIP)

	all, err := env.registry.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
