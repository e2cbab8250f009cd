package gateway

import (
	"context"
	"errors"
	"fmt"

	"gitlab.com/inference-grid/routing-service/models"
)

// ErrNotConfigured is returned when the gateway integration has no URL
// or master key configured. It is a non-critical failure: fleet
// mutations proceed and report "not fully synced".
var ErrNotConfigured = errors.New("gateway integration not configured")

// RejectedError is a failure the gateway itself reported: the change
// was received and explicitly refused. Fleet-mutation sagas treat it as
// critical and roll back.
type RejectedError struct {
	Status       int
	DeploymentID string
	Body         string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected %s: status %d: %s", e.DeploymentID, e.Status, e.Body)
}

// IsCritical reports whether a gateway failure must abort the enclosing
// fleet mutation. Only explicit gateway rejections are critical; an
// unreachable or unconfigured gateway is tolerated with a warning.
func IsCritical(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// Deployment is one (machine, model) routing entry in the gateway,
// identified deterministically as "{model}-machine-{machine_id}".
type Deployment struct {
	ID                 string  `json:"id"`
	ModelName          string  `json:"model_name"`
	APIBase            string  `json:"api_base"`
	Weight             float64 `json:"weight"`
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
	MachineID          uint    `json:"machine_id"`
	MachineName        string  `json:"machine_name"`
}

// DeploymentID builds the deterministic deployment identifier for a
// (model, machine) pair.
func DeploymentID(model string, machineID uint) string {
	return fmt.Sprintf("%s-machine-%d", model, machineID)
}

// Adapter keeps the external LLM gateway in sync with the machine
// directory. Implementations must make every operation idempotent: the
// registrar replays them as compensating actions after partial
// failures.
type Adapter interface {
	// CreateDeployments adds one deployment per model the machine
	// serves, skipping deployments that already exist.
	CreateDeployments(ctx context.Context, machine *models.Machine, table models.PricingTable) ([]Deployment, error)
	// SyncDeployments diffs the gateway against the machine's desired
	// state: adds missing deployments, updates changed ones, removes
	// models the machine no longer serves. A disabled machine is synced
	// to zero deployments.
	SyncDeployments(ctx context.Context, machine *models.Machine, table models.PricingTable) error
	// RemoveDeployments deletes every deployment belonging to the
	// machine and returns the ids actually removed.
	RemoveDeployments(ctx context.Context, machineID uint, table models.PricingTable) ([]string, error)
	// Deployments lists the gateway's current deployments by id.
	Deployments(ctx context.Context) (map[string]Deployment, error)
}
