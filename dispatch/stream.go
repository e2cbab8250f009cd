package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gitlab.com/inference-grid/routing-service/ledger"
	"gitlab.com/inference-grid/routing-service/models"
)

// StreamWriter delivers one SSE event line (including the "data: "
// prefix) to the client. A write error means the client is gone; the
// dispatcher keeps draining the machine so usage can still be billed.
type StreamWriter func(event []byte) error

var dataPrefix = []byte("data: ")
var doneSentinel = []byte("[DONE]")

// streamBackstop bounds how long a stream may run once the caller's
// context no longer applies (i.e. after a client disconnect).
const streamBackstop = 10 * time.Minute

// RouteStream forwards a streaming request, relaying SSE events to the
// writer as they arrive. A machine that fails before the stream opens
// is retried once on a different one. The debit happens after the
// machine stream is fully drained, even when the client disconnected
// mid-stream.
func (d *Dispatcher) RouteStream(ctx context.Context, caller Caller, req models.ChatRequest, w StreamWriter) (*Result, error) {
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

	payload := upstreamRequest{
		ChatRequest:   rewrite(req, entry, true),
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	// Detached from the caller's context: a client disconnect must not
	// cancel the upstream read before the usage block arrives.
	upstreamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), streamBackstop)
	defer cancel()

	start := time.Now()
	resp, err := d.openStream(upstreamCtx, caller, req, machine, encoded)
	if err != nil {
		// Nothing has been relayed yet, so the request can still move
		// to another machine.
		retry, ok := d.retryCandidate(ctx, machine)
		if !ok {
			return nil, err
		}
		zlog.Warn("machine failed, retrying stream on another",
			zap.Uint("failed_machine_id", machine.ID), zap.Uint("machine_id", retry.ID), zap.Error(err))
		machine = retry
		start = time.Now()
		resp, err = d.openStream(upstreamCtx, caller, req, machine, encoded)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	var (
		usage      models.Usage
		ttft       time.Duration
		clientGone bool
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if ttft == 0 {
			ttft = time.Since(start)
		}

		if !clientGone {
			if err := w(append([]byte(nil), line...)); err != nil {
				zlog.Info("client disconnected mid-stream, draining machine",
					zap.Uint("machine_id", machine.ID), zap.Error(err))
				clientGone = true
			}
		}

		data, ok := bytes.CutPrefix(line, dataPrefix)
		if !ok {
			continue
		}
		if bytes.Equal(bytes.TrimSpace(data), doneSentinel) {
			break
		}
		var chunk chatCompletion
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}
	if err := scanner.Err(); err != nil {
		zlog.Warn("machine stream ended abnormally",
			zap.Uint("machine_id", machine.ID), zap.Error(err))
	}

	outcome := models.OutcomeCompleted
	if clientGone {
		outcome = models.OutcomeClientGone
	}
	cost := d.settle(upstreamCtx, caller, req.Model, usage)
	d.record(caller, req, machine, usage, cost, ttft, time.Since(start), outcome)

	return &Result{Machine: machine, Usage: usage, Cost: cost}, nil
}

// openStream opens the SSE connection to one machine. A non-2xx answer
// is consumed, recorded and returned as an UpstreamError; the caller
// owns the body on success.
func (d *Dispatcher) openStream(ctx context.Context, caller Caller, req models.ChatRequest,
	machine models.MachineInfo, encoded []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.machineURL(machine), bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("machine %d unreachable: %w", machine.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		d.record(caller, req, machine, models.Usage{}, 0, 0, time.Since(start), models.OutcomeUpstream)
		return nil, &UpstreamError{Status: resp.StatusCode, Machine: machine, Body: string(body)}
	}
	return resp, nil
}
