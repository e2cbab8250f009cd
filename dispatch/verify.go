package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gitlab.com/inference-grid/routing-service/ledger"
	"gitlab.com/inference-grid/routing-service/models"
)

// BranchTimeout bounds each verification branch independently, so one
// slow model cannot stall the whole verdict.
const BranchTimeout = 60 * time.Second

const (
	VerdictYes = "yes"
	VerdictNo  = "no"
)

// ErrNoModels rejects verification requests without models to consult.
var ErrNoModels = fmt.Errorf("no models to verify with")

// Verify fans the same conversation out to several models in parallel
// and aggregates their yes/no judgments. A branch that errors or times
// out counts as "no"; the verdict is "yes" when at least minYes
// branches said yes.
func (d *Dispatcher) Verify(ctx context.Context, caller Caller, req models.VerifyRequest) (models.VerifyResponse, error) {
	if len(req.Models) == 0 {
		return models.VerifyResponse{}, ErrNoModels
	}
	for _, model := range req.Models {
		if _, ok := d.ledger.Pricing().Lookup(model); !ok {
			return models.VerifyResponse{}, fmt.Errorf("%w: %s", ledger.ErrUnknownModel, model)
		}
	}
	if err := d.ledger.Admit(ctx, caller.SubjectID); err != nil {
		return models.VerifyResponse{}, err
	}

	minYes := req.MinYes
	if minYes <= 0 {
		// Default to a strict majority.
		minYes = len(req.Models)/2 + 1
	}

	branches := make([]models.VerifyBranch, len(req.Models))
	var wg sync.WaitGroup
	wg.Add(len(req.Models))
	for i, model := range req.Models {
		go func(i int, model string) {
			defer wg.Done()
			branchCtx, cancel := context.WithTimeout(ctx, BranchTimeout)
			defer cancel()
			branches[i] = d.verifyBranch(branchCtx, caller, model, req.Messages)
		}(i, model)
	}
	wg.Wait()

	yes := 0
	for _, branch := range branches {
		if branch.Result == VerdictYes {
			yes++
		}
	}
	verdict := VerdictNo
	if yes >= minYes {
		verdict = VerdictYes
	}
	return models.VerifyResponse{Result: verdict, Results: branches}, nil
}

func (d *Dispatcher) verifyBranch(ctx context.Context, caller Caller, model string, messages []models.ChatMessage) models.VerifyBranch {
	entry, _ := d.ledger.Pricing().Lookup(model)

	machines, err := d.selector.SelectMachines(ctx, 1)
	if err != nil {
		return models.VerifyBranch{Model: model, Result: VerdictNo, Error: err.Error()}
	}
	machine := machines[0]
	branch := models.VerifyBranch{Machine: machine, Model: model}

	payload := upstreamRequest{ChatRequest: rewrite(models.ChatRequest{
		Model:    model,
		Messages: messages,
	}, entry, false)}

	start := time.Now()
	body, err := d.attempt(ctx, caller, models.ChatRequest{Model: model}, machine, payload)
	if err != nil {
		// One retry on another machine before the branch counts as no.
		retry, ok := d.retryCandidate(ctx, machine)
		if ok {
			machine = retry
			branch.Machine = machine
			body, err = d.attempt(ctx, caller, models.ChatRequest{Model: model}, machine, payload)
		}
		if err != nil {
			branch.Result = VerdictNo
			branch.Error = err.Error()
			return branch
		}
	}

	var completion chatCompletion
	if err := json.Unmarshal(body, &completion); err != nil || len(completion.Choices) == 0 {
		branch.Result = VerdictNo
		branch.Error = "unparseable machine response"
		return branch
	}

	branch.Result = parseVerdict(completion.Choices[0].Message.Content)

	var usage models.Usage
	if completion.Usage != nil {
		usage = *completion.Usage
	}
	cost := d.settle(ctx, caller, model, usage)
	d.record(caller, models.ChatRequest{Model: model}, machine, usage, cost, 0, time.Since(start), models.OutcomeCompleted)
	return branch
}

// parseVerdict normalizes a model answer to yes/no. Anything that does
// not clearly start with "yes" counts as no.
func parseVerdict(content string) string {
	normalized := strings.ToLower(strings.TrimSpace(content))
	normalized = strings.Trim(normalized, `."'!`)
	if strings.HasPrefix(normalized, VerdictYes) {
		return VerdictYes
	}
	return VerdictNo
}
