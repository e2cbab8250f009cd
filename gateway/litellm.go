package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gitlab.com/inference-grid/routing-service/internal/config"
	"gitlab.com/inference-grid/routing-service/internal/logger"
	"gitlab.com/inference-grid/routing-service/models"
)

var zlog *zap.Logger

func init() {
	zlog = logger.New("gateway")
}

// Client talks to a LiteLLM-compatible gateway over its admin API.
type Client struct {
	baseURL   string
	masterKey string
	proxyPort int
	http      *http.Client
}

// NewClient builds a gateway client from configuration. URL and master
// key may be empty; every call then fails with ErrNotConfigured.
func NewClient(cfg config.Gateway) *Client {
	return &Client{
		baseURL:   cfg.URL,
		masterKey: cfg.MasterKey,
		proxyPort: cfg.ProxyPort,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) configured() bool {
	return c.baseURL != "" && c.masterKey != ""
}

// apiBase is the machine-side OpenAI-compatible endpoint a deployment
// routes to.
func (c *Client) apiBase(networkIP string) string {
	return fmt.Sprintf("http://%s:%d/v1", networkIP, c.proxyPort)
}

type deploymentParams struct {
	Model   string  `json:"model"`
	APIBase string  `json:"api_base"`
	APIKey  string  `json:"api_key"`
	Weight  float64 `json:"weight"`
}

type deploymentInfo struct {
	ID                 string  `json:"id"`
	Mode               string  `json:"mode"`
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
	MachineID          uint    `json:"machine_id"`
	MachineName        string  `json:"machine_name"`
	TrafficWeight      float64 `json:"traffic_weight"`
}

type deploymentPayload struct {
	ModelName string           `json:"model_name,omitempty"`
	ModelID   string           `json:"model_id,omitempty"`
	Params    deploymentParams `json:"litellm_params"`
	Info      *deploymentInfo  `json:"model_info,omitempty"`
}

// machineModels returns the pricing entries the machine serves.
func machineModels(machine *models.Machine, table models.PricingTable) []models.ModelPricing {
	var entries []models.ModelPricing
	for _, name := range table.Names() {
		if machine.ServesModel(name) {
			entries = append(entries, table[name])
		}
	}
	return entries
}

func (c *Client) CreateDeployments(ctx context.Context, machine *models.Machine, table models.PricingTable) ([]Deployment, error) {
	if !c.configured() {
		return nil, ErrNotConfigured
	}

	existing, err := c.existingIDs(ctx)
	if err != nil {
		return nil, err
	}

	var added []Deployment
	for _, entry := range machineModels(machine, table) {
		deploymentID := DeploymentID(entry.Name, machine.ID)
		if _, ok := existing[deploymentID]; ok {
			zlog.Info("deployment already exists, skipping", zap.String("deployment_id", deploymentID))
			continue
		}

		deployment := c.deployment(machine, entry)
		if err := c.post(ctx, "/model/new", c.newPayload(machine, entry), deploymentID); err != nil {
			return added, err
		}
		added = append(added, deployment)
		zlog.Info("added deployment", zap.String("deployment_id", deploymentID),
			zap.Uint("machine_id", machine.ID))
	}

	return added, nil
}

func (c *Client) SyncDeployments(ctx context.Context, machine *models.Machine, table models.PricingTable) error {
	if !c.configured() {
		return ErrNotConfigured
	}

	if machine.Disabled {
		_, err := c.RemoveDeployments(ctx, machine.ID, table)
		return err
	}

	existing, err := c.existingIDs(ctx)
	if err != nil {
		return err
	}

	serves := make(map[string]bool)
	for _, entry := range machineModels(machine, table) {
		deploymentID := DeploymentID(entry.Name, machine.ID)
		serves[deploymentID] = true

		if _, ok := existing[deploymentID]; ok {
			payload := deploymentPayload{
				ModelID: deploymentID,
				Params:  c.params(machine, entry),
			}
			if err := c.post(ctx, "/model/update", payload, deploymentID); err != nil {
				return err
			}
			continue
		}
		if err := c.post(ctx, "/model/new", c.newPayload(machine, entry), deploymentID); err != nil {
			return err
		}
	}

	// Remove deployments for models the machine no longer serves.
	for _, name := range table.Names() {
		deploymentID := DeploymentID(name, machine.ID)
		if serves[deploymentID] {
			continue
		}
		if _, ok := existing[deploymentID]; !ok {
			continue
		}
		if err := c.deleteDeployment(ctx, deploymentID); err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) RemoveDeployments(ctx context.Context, machineID uint, table models.PricingTable) ([]string, error) {
	if !c.configured() {
		return nil, ErrNotConfigured
	}

	var removed []string
	for _, name := range table.Names() {
		deploymentID := DeploymentID(name, machineID)
		err := c.deleteDeployment(ctx, deploymentID)
		if err != nil {
			zlog.Warn("failed to remove deployment",
				zap.String("deployment_id", deploymentID), zap.Error(err))
			continue
		}
		removed = append(removed, deploymentID)
	}

	return removed, nil
}

func (c *Client) Deployments(ctx context.Context) (map[string]Deployment, error) {
	if !c.configured() {
		return nil, ErrNotConfigured
	}

	body, err := c.get(ctx, "/model/info")
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []struct {
			ModelName string           `json:"model_name"`
			Params    deploymentParams `json:"litellm_params"`
			Info      deploymentInfo   `json:"model_info"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode gateway deployments: %w", err)
	}

	deployments := make(map[string]Deployment, len(payload.Data))
	for _, item := range payload.Data {
		deployments[item.Info.ID] = Deployment{
			ID:                 item.Info.ID,
			ModelName:          item.ModelName,
			APIBase:            item.Params.APIBase,
			Weight:             item.Params.Weight,
			InputCostPerToken:  item.Info.InputCostPerToken,
			OutputCostPerToken: item.Info.OutputCostPerToken,
			MachineID:          item.Info.MachineID,
			MachineName:        item.Info.MachineName,
		}
	}
	return deployments, nil
}

func (c *Client) deployment(machine *models.Machine, entry models.ModelPricing) Deployment {
	return Deployment{
		ID:                 DeploymentID(entry.Name, machine.ID),
		ModelName:          entry.Name,
		APIBase:            c.apiBase(machine.NetworkIP),
		Weight:             machine.TrafficWeight,
		InputCostPerToken:  entry.PromptTokenPrice,
		OutputCostPerToken: entry.CompletionTokenPrice,
		MachineID:          machine.ID,
		MachineName:        machine.Name,
	}
}

func (c *Client) params(machine *models.Machine, entry models.ModelPricing) deploymentParams {
	return deploymentParams{
		Model:   "openai/" + entry.ProviderID,
		APIBase: c.apiBase(machine.NetworkIP),
		APIKey:  "dummy", // machines use their own upstream keys
		Weight:  machine.TrafficWeight,
	}
}

func (c *Client) newPayload(machine *models.Machine, entry models.ModelPricing) deploymentPayload {
	return deploymentPayload{
		ModelName: entry.Name,
		Params:    c.params(machine, entry),
		Info: &deploymentInfo{
			ID:                 DeploymentID(entry.Name, machine.ID),
			Mode:               "completion",
			InputCostPerToken:  entry.PromptTokenPrice,
			OutputCostPerToken: entry.CompletionTokenPrice,
			MachineID:          machine.ID,
			MachineName:        machine.Name,
			TrafficWeight:      machine.TrafficWeight,
		},
	}
}

// existingIDs lists the deployment ids currently known to the gateway.
func (c *Client) existingIDs(ctx context.Context) (map[string]struct{}, error) {
	body, err := c.get(ctx, "/v1/models")
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode gateway model list: %w", err)
	}

	ids := make(map[string]struct{}, len(payload.Data))
	for _, item := range payload.Data {
		ids[item.ID] = struct{}{}
	}
	return ids, nil
}

func (c *Client) deleteDeployment(ctx context.Context, deploymentID string) error {
	err := c.post(ctx, "/model/delete", map[string]string{"id": deploymentID}, deploymentID)
	var rejected *RejectedError
	if errors.As(err, &rejected) && rejected.Status == http.StatusNotFound {
		// A deployment that is already gone counts as removed.
		return nil
	}
	return err
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.masterKey)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, &RejectedError{Status: res.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload interface{}, deploymentID string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.masterKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		resBody, _ := io.ReadAll(res.Body)
		return &RejectedError{Status: res.StatusCode, DeploymentID: deploymentID, Body: string(resBody)}
	}
	return nil
}
