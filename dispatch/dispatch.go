// Package dispatch forwards admitted chat requests to machines and
// settles their cost afterwards. Requests are admitted on the cached
// balance, routed to a selector-chosen machine, and debited from token
// usage once the response (or stream) has been fully drained.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/inference-grid/routing-service/db/repositories"
	"gitlab.com/inference-grid/routing-service/internal/config"
	"gitlab.com/inference-grid/routing-service/internal/logger"
	"gitlab.com/inference-grid/routing-service/ledger"
	"gitlab.com/inference-grid/routing-service/models"
	"gitlab.com/inference-grid/routing-service/selector"
)

var zlog *zap.Logger

func init() {
	zlog = logger.New("dispatch")
}

// UpstreamError is a non-2xx response from a machine. Handlers map it
// to 502 while preserving the machine's status and body for debugging.
type UpstreamError struct {
	Status  int
	Machine models.MachineInfo
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("machine %d returned status %d: %s", e.Machine.ID, e.Status, e.Body)
}

// Caller identifies the authenticated subject a request is billed to.
type Caller struct {
	SubjectID string
	APIKeyID  string
}

// Result is a settled request: the machine that served it, the raw
// response body and the billed usage.
type Result struct {
	Machine models.MachineInfo
	Body    []byte
	Usage   models.Usage
	Cost    float64
}

// Dispatcher routes chat requests across the online fleet.
type Dispatcher struct {
	selector *selector.Selector
	ledger   *ledger.Ledger
	usage    repositories.UsageRecordRepository
	client   *http.Client
	port     int

	pending sync.WaitGroup
}

func New(sel *selector.Selector, led *ledger.Ledger, usage repositories.UsageRecordRepository, cfg config.Gateway) *Dispatcher {
	return &Dispatcher{
		selector: sel,
		ledger:   led,
		usage:    usage,
		// Per-request deadlines come from the caller's context; the
		// client timeout is only a backstop against wedged machines.
		client: &http.Client{Timeout: 10 * time.Minute},
		port:   cfg.ProxyPort,
	}
}

// upstreamRequest is the payload forwarded to a machine. The model is
// rewritten to the provider-side identifier and streams ask for a usage
// block in the final chunk.
type upstreamRequest struct {
	models.ChatRequest
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatCompletion is the subset of the machine response the dispatcher
// inspects; the full body is passed to the client untouched.
type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *models.Usage `json:"usage"`
}

// machineURL builds the machine's OpenAI-compatible endpoint. An
// address that already carries a port wins over the configured default.
func (d *Dispatcher) machineURL(machine models.MachineInfo) string {
	host := machine.NetworkIP
	if !strings.Contains(host, ":") {
		host = fmt.Sprintf("%s:%d", host, d.port)
	}
	return "http://" + host + "/v1/chat/completions"
}

// Route forwards a non-streaming request to one machine and debits the
// caller from the returned usage. A machine that is unreachable or
// answers non-2xx is retried once on a different machine when one is
// online. Pricing is keyed by the model the caller requested.
func (d *Dispatcher) Route(ctx context.Context, caller Caller, req models.ChatRequest) (*Result, error) {
	entry, ok := d.ledger.Pricing().Lookup(req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownModel, req.Model)
	}
	if err := d.ledger.Admit(ctx, caller.SubjectID); err != nil {
		return nil, err
	}

	machines, err := d.selector.SelectMachines(ctx, 1)
	if err != nil {
		return nil, err
	}
	machine := machines[0]
	payload := upstreamRequest{ChatRequest: rewrite(req, entry, false)}

	start := time.Now()
	body, err := d.attempt(ctx, caller, req, machine, payload)
	if err != nil {
		retry, ok := d.retryCandidate(ctx, machine)
		if !ok {
			return nil, err
		}
		zlog.Warn("machine failed, retrying on another",
			zap.Uint("failed_machine_id", machine.ID), zap.Uint("machine_id", retry.ID), zap.Error(err))
		machine = retry
		body, err = d.attempt(ctx, caller, req, machine, payload)
		if err != nil {
			return nil, err
		}
	}

	var completion chatCompletion
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("unparseable machine response: %w", err)
	}
	var usage models.Usage
	if completion.Usage != nil {
		usage = *completion.Usage
	}

	cost := d.settle(ctx, caller, req.Model, usage)
	d.record(caller, req, machine, usage, cost, 0, time.Since(start), models.OutcomeCompleted)

	return &Result{Machine: machine, Body: body, Usage: usage, Cost: cost}, nil
}

// attempt forwards the payload to one machine and returns its body.
// Unreachable machines and non-2xx responses come back as errors; the
// latter leave a usage row with the upstream outcome.
func (d *Dispatcher) attempt(ctx context.Context, caller Caller, req models.ChatRequest,
	machine models.MachineInfo, payload upstreamRequest) ([]byte, error) {
	start := time.Now()
	body, status, err := d.forward(ctx, machine, payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		d.record(caller, req, machine, models.Usage{}, 0, 0, time.Since(start), models.OutcomeUpstream)
		return nil, &UpstreamError{Status: status, Machine: machine, Body: string(body)}
	}
	return body, nil
}

// retryCandidate picks a machine for the one permitted retry after an
// upstream failure. Selection is round-robin, so a fresh pick lands on
// a different machine whenever more than one is online; when it keeps
// returning the failed machine the retry is skipped.
func (d *Dispatcher) retryCandidate(ctx context.Context, failed models.MachineInfo) (models.MachineInfo, bool) {
	for i := 0; i < 2; i++ {
		machines, err := d.selector.SelectMachines(ctx, 1)
		if err != nil {
			return models.MachineInfo{}, false
		}
		if machines[0].ID != failed.ID {
			return machines[0], true
		}
	}
	return models.MachineInfo{}, false
}

func rewrite(req models.ChatRequest, entry models.ModelPricing, stream bool) models.ChatRequest {
	req.Model = entry.ProviderID
	req.Stream = stream
	return req
}

func (d *Dispatcher) forward(ctx context.Context, machine models.MachineInfo, payload upstreamRequest) ([]byte, int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.machineURL(machine), bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("machine %d unreachable: %w", machine.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// settle debits the caller for the request's usage. Billing failures
// are logged, never surfaced: the response was already served.
func (d *Dispatcher) settle(ctx context.Context, caller Caller, model string, usage models.Usage) float64 {
	cost, err := d.ledger.Cost(model, usage)
	if err != nil {
		zlog.Error("cost computation failed", zap.String("model", model), zap.Error(err))
		return 0
	}
	if cost == 0 {
		return 0
	}
	if _, err := d.ledger.Debit(ctx, caller.SubjectID, cost, "chat completion: "+model); err != nil {
		zlog.Error("debit failed",
			zap.String("subject", caller.SubjectID), zap.Float64("cost", cost), zap.Error(err))
	}
	return cost
}

// record writes the usage row in the background.
func (d *Dispatcher) record(caller Caller, req models.ChatRequest, machine models.MachineInfo,
	usage models.Usage, cost float64, ttft, total time.Duration, outcome string) {
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		_, err := d.usage.Create(context.Background(), models.UsageRecord{
			SubjectID:        caller.SubjectID,
			APIKeyID:         caller.APIKeyID,
			Model:            req.Model,
			ServedModel:      req.Model,
			MachineID:        machine.ID,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
			TTFT:             ttft.Seconds(),
			TotalTime:        total.Seconds(),
			Cost:             cost,
			Outcome:          outcome,
		})
		if err != nil {
			zlog.Error("failed to write usage record", zap.Error(err))
		}
	}()
}

// Drain blocks until background usage writes finish. Called at
// shutdown and by tests.
func (d *Dispatcher) Drain() {
	d.pending.Wait()
}
