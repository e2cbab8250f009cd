// Package registry owns the machine lifecycle. Every mutation touches
// up to three stores (directory, address index, gateway) and uses a
// compensation list to keep them consistent: a critical failure midway
// undoes the completed steps, a non-critical gateway failure degrades
// to a "not fully synced" success.
package registry

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"gitlab.com/inference-grid/routing-service/db/repositories"
	"gitlab.com/inference-grid/routing-service/gateway"
	"gitlab.com/inference-grid/routing-service/internal/logger"
	"gitlab.com/inference-grid/routing-service/liveness"
	"gitlab.com/inference-grid/routing-service/models"
)

var zlog *zap.Logger

func init() {
	zlog = logger.New("registry")
}

// ErrMachineNotFound is returned for lookups of unknown machine ids.
var ErrMachineNotFound = errors.New("machine not found")

// Registry coordinates the machine directory, the liveness/address
// cache and the gateway.
type Registry struct {
	machines repositories.MachineRepository
	tokens   repositories.MachineTokenRepository
	tracker  *liveness.Tracker
	adapter  gateway.Adapter
	pricing  models.PricingTable

	// invalidate drops routing-path caches after fleet mutations.
	invalidate func()
}

func New(machines repositories.MachineRepository, tokens repositories.MachineTokenRepository,
	tracker *liveness.Tracker, adapter gateway.Adapter, pricing models.PricingTable, invalidate func()) *Registry {
	if invalidate == nil {
		invalidate = func() {}
	}
	return &Registry{
		machines:   machines,
		tokens:     tokens,
		tracker:    tracker,
		adapter:    adapter,
		pricing:    pricing,
		invalidate: invalidate,
	}
}

// RegisterRequest describes a machine joining the fleet.
type RegisterRequest struct {
	NetworkIP       string   `json:"network_ip" binding:"required"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	TrafficWeight   *float64 `json:"traffic_weight"`
	SupportedModels []string `json:"supported_models"`
}

// RegisterResult reports the directory row, the initial machine token
// (returned in plaintext exactly once) and whether the gateway accepted
// the deployments.
type RegisterResult struct {
	Machine  models.Machine `json:"machine"`
	Token    string         `json:"token,omitempty"`
	Synced   bool           `json:"synced"`
	Existing bool           `json:"existing"`
}

// Register adds a machine to the directory, creates its gateway
// deployments, primes the address index and issues its first token.
// Registering an address that already has a live row is idempotent and
// returns the existing machine without a new token.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	if existing, err := r.byAddress(ctx, req.NetworkIP); err == nil {
		zlog.Info("machine already registered",
			zap.String("network_ip", req.NetworkIP), zap.Uint("machine_id", existing.ID))
		return RegisterResult{Machine: existing, Synced: true, Existing: true}, nil
	} else if !errors.Is(err, repositories.NotFoundError) {
		return RegisterResult{}, err
	}

	weight := models.DefaultTrafficWeight
	if req.TrafficWeight != nil {
		weight = *req.TrafficWeight
	}
	machine := models.Machine{
		NetworkIP:       req.NetworkIP,
		Name:            req.Name,
		Description:     req.Description,
		TrafficWeight:   weight,
		SupportedModels: req.SupportedModels,
	}

	sg := newSaga("register")

	machine, err := r.machines.Create(ctx, machine)
	if err != nil {
		// The address carries a unique index, so a failed insert can
		// mean a concurrent registration won the race.
		if existing, raceErr := r.byAddress(ctx, req.NetworkIP); raceErr == nil {
			zlog.Info("lost registration race, returning existing machine",
				zap.String("network_ip", req.NetworkIP), zap.Uint("machine_id", existing.ID))
			return RegisterResult{Machine: existing, Synced: true, Existing: true}, nil
		}
		return RegisterResult{}, err
	}
	sg.onRollback("directory row", func(ctx context.Context) error {
		return r.machines.Delete(ctx, machine.ID)
	})

	synced := true
	if _, err := r.adapter.CreateDeployments(ctx, &machine, r.pricing); err != nil {
		if gateway.IsCritical(err) {
			sg.compensate(ctx)
			return RegisterResult{}, err
		}
		zlog.Warn("machine registered without gateway sync",
			zap.Uint("machine_id", machine.ID), zap.Error(err))
		synced = false
	} else {
		sg.onRollback("gateway deployments", func(ctx context.Context) error {
			_, err := r.adapter.RemoveDeployments(ctx, machine.ID, r.pricing)
			return err
		})
	}

	if err := r.tracker.Addresses().Set(ctx, machine.ID, machine.NetworkIP); err != nil {
		sg.compensate(ctx)
		return RegisterResult{}, err
	}
	sg.onRollback("address index", func(ctx context.Context) error {
		return r.tracker.Addresses().Purge(ctx, machine.ID, machine.NetworkIP)
	})

	token, err := r.IssueToken(ctx, machine.ID, "initial registration token")
	if err != nil {
		sg.compensate(ctx)
		return RegisterResult{}, err
	}

	r.invalidate()
	zlog.Info("machine registered",
		zap.Uint("machine_id", machine.ID), zap.String("network_ip", machine.NetworkIP),
		zap.Bool("synced", synced))
	return RegisterResult{Machine: machine, Token: token.APIToken, Synced: synced}, nil
}

// UpdateRequest carries the mutable machine fields; nil means "leave
// unchanged". SupportedModels replaces the whole list when present.
type UpdateRequest struct {
	Name            *string   `json:"name"`
	Description     *string   `json:"description"`
	NetworkIP       *string   `json:"network_ip"`
	TrafficWeight   *float64  `json:"traffic_weight"`
	Disabled        *bool     `json:"disabled"`
	SupportedModels *[]string `json:"supported_models"`
}

// Update applies the change to the directory, refreshes the address
// index when the address moved and reconciles the gateway. A critical
// gateway rejection restores the previous directory row and index.
func (r *Registry) Update(ctx context.Context, machineID uint, req UpdateRequest) (models.Machine, bool, error) {
	previous, err := r.Get(ctx, machineID)
	if err != nil {
		return models.Machine{}, false, err
	}

	machine := previous
	if req.Name != nil {
		machine.Name = *req.Name
	}
	if req.Description != nil {
		machine.Description = *req.Description
	}
	if req.NetworkIP != nil {
		machine.NetworkIP = *req.NetworkIP
	}
	if req.TrafficWeight != nil {
		machine.TrafficWeight = *req.TrafficWeight
	}
	if req.Disabled != nil {
		machine.Disabled = *req.Disabled
	}
	if req.SupportedModels != nil {
		machine.SupportedModels = *req.SupportedModels
	}

	sg := newSaga("update")

	machine, err = r.machines.Update(ctx, machine.ID, machine)
	if err != nil {
		return models.Machine{}, false, err
	}
	sg.onRollback("directory row", func(ctx context.Context) error {
		_, err := r.machines.Update(ctx, previous.ID, previous)
		return err
	})

	if machine.NetworkIP != previous.NetworkIP {
		if err := r.tracker.Addresses().Purge(ctx, previous.ID, previous.NetworkIP); err != nil {
			sg.compensate(ctx)
			return models.Machine{}, false, err
		}
		if err := r.tracker.Addresses().Set(ctx, machine.ID, machine.NetworkIP); err != nil {
			sg.compensate(ctx)
			return models.Machine{}, false, err
		}
		sg.onRollback("address index", func(ctx context.Context) error {
			if err := r.tracker.Addresses().Purge(ctx, machine.ID, machine.NetworkIP); err != nil {
				return err
			}
			return r.tracker.Addresses().Set(ctx, previous.ID, previous.NetworkIP)
		})
	}

	synced := true
	if err := r.adapter.SyncDeployments(ctx, &machine, r.pricing); err != nil {
		if gateway.IsCritical(err) {
			sg.compensate(ctx)
			return models.Machine{}, false, err
		}
		zlog.Warn("machine updated without gateway sync",
			zap.Uint("machine_id", machine.ID), zap.Error(err))
		synced = false
	}

	r.invalidate()
	return machine, synced, nil
}

// Delete retires a machine: gateway deployments go first (tolerating an
// unreachable gateway), then tokens are tombstoned, caches purged and
// the directory row removed. The directory delete is last so a crash
// mid-way leaves a row that a retry can finish cleaning up.
func (r *Registry) Delete(ctx context.Context, machineID uint) error {
	machine, err := r.Get(ctx, machineID)
	if err != nil {
		return err
	}

	if _, err := r.adapter.RemoveDeployments(ctx, machineID, r.pricing); err != nil {
		if gateway.IsCritical(err) {
			return err
		}
		zlog.Warn("machine deleted without gateway cleanup",
			zap.Uint("machine_id", machineID), zap.Error(err))
	}

	if err := r.revokeAllTokens(ctx, machineID); err != nil {
		return err
	}

	if err := r.tracker.Purge(ctx, machineID); err != nil {
		return err
	}
	if err := r.tracker.Addresses().Purge(ctx, machineID, machine.NetworkIP); err != nil {
		return err
	}

	if err := r.machines.Delete(ctx, machineID); err != nil {
		return err
	}

	r.invalidate()
	zlog.Info("machine deleted", zap.Uint("machine_id", machineID))
	return nil
}

// Get returns the directory row for a machine id.
func (r *Registry) Get(ctx context.Context, machineID uint) (models.Machine, error) {
	machine, err := r.machines.Get(ctx, machineID)
	if errors.Is(err, repositories.NotFoundError) {
		return models.Machine{}, ErrMachineNotFound
	}
	return machine, err
}

// List returns directory rows, hiding disabled machines unless asked.
func (r *Registry) List(ctx context.Context, includeDisabled bool) ([]models.Machine, error) {
	query := r.machines.GetQuery()
	query.SortBy = "id"
	if !includeDisabled {
		query.Conditions = []repositories.QueryCondition{repositories.EQ("disabled", false)}
	}
	return r.machines.FindAll(ctx, query)
}

// GetByAddress resolves a machine by its network address, the primary
// handle of the fleet admin API.
func (r *Registry) GetByAddress(ctx context.Context, networkIP string) (models.Machine, error) {
	machine, err := r.byAddress(ctx, networkIP)
	if errors.Is(err, repositories.NotFoundError) {
		return models.Machine{}, ErrMachineNotFound
	}
	return machine, err
}

func (r *Registry) byAddress(ctx context.Context, networkIP string) (models.Machine, error) {
	query := r.machines.GetQuery()
	query.Conditions = []repositories.QueryCondition{repositories.EQ("network_ip", networkIP)}
	return r.machines.Find(ctx, query)
}
