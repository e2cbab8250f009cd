package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gitlab.com/inference-grid/routing-service/cache"
	repositories_gorm "gitlab.com/inference-grid/routing-service/db/repositories/gorm"
	"gitlab.com/inference-grid/routing-service/internal/config"
	"gitlab.com/inference-grid/routing-service/ledger"
	"gitlab.com/inference-grid/routing-service/liveness"
	"gitlab.com/inference-grid/routing-service/models"
	"gitlab.com/inference-grid/routing-service/selector"
)

var testPricing = models.NewPricingTable([]models.ModelPricing{
	{Name: "grid-small", ProviderID: "small-v1", PromptTokenPrice: 0.001, CompletionTokenPrice: 0.002},
	{Name: "grid-medium", ProviderID: "medium-v1", PromptTokenPrice: 0.005, CompletionTokenPrice: 0.01},
	{Name: "grid-large", ProviderID: "large-v1", PromptTokenPrice: 0.01, CompletionTokenPrice: 0.02},
})

type testEnv struct {
	dispatcher *Dispatcher
	tracker    *liveness.Tracker
	ledger     *ledger.Ledger
	db         *gorm.DB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// A second pool connection would open a fresh in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Machine{}, &models.CreditBalance{},
		&models.CreditHistory{}, &models.UsageRecord{}))

	store := cache.NewMemoryStore()
	machines := repositories_gorm.NewMachineRepository(db)
	tracker := liveness.NewTracker(store, machines)
	led := ledger.New(store, repositories_gorm.NewCreditBalanceRepository(db),
		repositories_gorm.NewCreditHistoryRepository(db), testPricing, nil)
	sel := selector.New(tracker, machines)
	d := New(sel, led, repositories_gorm.NewUsageRecordRepository(db), config.Gateway{ProxyPort: 34523})
	return &testEnv{dispatcher: d, tracker: tracker, ledger: led, db: db}
}

func (env *testEnv) addMachine(t *testing.T, id uint, addr string) {
	t.Helper()
	_, err := env.tracker.Heartbeat(context.Background(), id, addr)
	require.NoError(t, err)
}

func (env *testEnv) fund(t *testing.T, subject string, credits float64) {
	t.Helper()
	require.NoError(t, env.db.Create(&models.CreditBalance{SubjectID: subject, Credits: credits}).Error)
}

// fakeMachine returns the host:port of an httptest server acting as a
// machine endpoint.
func fakeMachine(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://")
}

func completionBody(content string, usage models.Usage) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": usage,
	})
	return body
}

var caller = Caller{SubjectID: "alice", APIKeyID: "key-1"}

func TestRouteDebitsAndRecordsUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)

	var gotModel string
	addr := fakeMachine(t, func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		w.Write(completionBody("hello", models.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}))
	})
	env.addMachine(t, 1, addr)

	result, err := env.dispatcher.Route(ctx, caller, models.ChatRequest{
		Model:    "grid-small",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	// The machine sees the provider identifier, not the public name.
	assert.Equal(t, "small-v1", gotModel)
	assert.Equal(t, 150, result.Usage.TotalTokens)
	assert.InDelta(t, 100*0.001+50*0.002, result.Cost, 1e-9)

	balance, err := env.ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 10-result.Cost, balance, 1e-9)

	env.dispatcher.Drain()
	var records []models.UsageRecord
	require.NoError(t, env.db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, "grid-small", records[0].Model)
	assert.Equal(t, uint(1), records[0].MachineID)
	assert.Equal(t, models.OutcomeCompleted, records[0].Outcome)
	assert.Equal(t, "key-1", records[0].APIKeyID)
}

func TestRouteUnknownModel(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)

	_, err := env.dispatcher.Route(context.Background(), caller, models.ChatRequest{Model: "grid-unknown"})
	assert.ErrorIs(t, err, ledger.ErrUnknownModel)
}

func TestRouteInsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	env.addMachine(t, 1, fakeMachine(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the machine")
	}))

	_, err := env.dispatcher.Route(context.Background(), caller, models.ChatRequest{Model: "grid-small"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
}

func TestRouteNoMachines(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)

	_, err := env.dispatcher.Route(context.Background(), caller, models.ChatRequest{Model: "grid-small"})
	assert.ErrorIs(t, err, selector.ErrNoMachines)
}

func TestRouteUpstreamError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)

	addr := fakeMachine(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	})
	env.addMachine(t, 1, addr)

	_, err := env.dispatcher.Route(ctx, caller, models.ChatRequest{Model: "grid-small"})
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusServiceUnavailable, upstream.Status)

	// Failed requests cost nothing.
	balance, err := env.ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance)

	env.dispatcher.Drain()
	var records []models.UsageRecord
	require.NoError(t, env.db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, models.OutcomeUpstream, records[0].Outcome)
}

func TestRouteRetriesOnAnotherMachine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)

	bad := fakeMachine(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	good := fakeMachine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionBody("hello", models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}))
	})
	env.addMachine(t, 1, bad)
	env.addMachine(t, 2, good)

	result, err := env.dispatcher.Route(ctx, caller, models.ChatRequest{
		Model:    "grid-small",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint(2), result.Machine.ID)
	assert.Equal(t, 15, result.Usage.TotalTokens)

	// Both attempts leave a usage row: the failed one with the upstream
	// outcome, the retry as completed.
	env.dispatcher.Drain()
	var records []models.UsageRecord
	require.NoError(t, env.db.Find(&records).Error)
	require.Len(t, records, 2)
	outcomes := map[uint]string{}
	for _, record := range records {
		outcomes[record.MachineID] = record.Outcome
	}
	assert.Equal(t, models.OutcomeUpstream, outcomes[1])
	assert.Equal(t, models.OutcomeCompleted, outcomes[2])
}

func TestRouteRetriesUnreachableMachine(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)

	// A machine that is online in the tracker but not listening.
	env.addMachine(t, 1, "127.0.0.1:1")
	env.addMachine(t, 2, fakeMachine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionBody("hello", models.Usage{TotalTokens: 3}))
	}))

	result, err := env.dispatcher.Route(context.Background(), caller, models.ChatRequest{Model: "grid-small"})
	require.NoError(t, err)
	assert.Equal(t, uint(2), result.Machine.ID)
}

func streamingMachine(t *testing.T, chunks []string) string {
	return fakeMachine(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream        bool `json:"stream"`
			StreamOptions *struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			flusher.Flush()
		}
	})
}

var streamChunks = []string{
	`{"choices":[{"delta":{"content":"hel"}}]}`,
	`{"choices":[{"delta":{"content":"lo"}}]}`,
	`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`,
	`[DONE]`,
}

func TestRouteStreamRelaysAndSettles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	env.addMachine(t, 1, streamingMachine(t, streamChunks))

	var events []string
	result, err := env.dispatcher.RouteStream(ctx, caller, models.ChatRequest{
		Model:    "grid-small",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
		Stream:   true,
	}, func(event []byte) error {
		events = append(events, string(event))
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, "data: [DONE]", events[3])
	assert.Equal(t, 30, result.Usage.TotalTokens)

	expectedCost := 10*0.001 + 20*0.002
	assert.InDelta(t, expectedCost, result.Cost, 1e-9)
	balance, err := env.ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 10-expectedCost, balance, 1e-9)

	env.dispatcher.Drain()
	var records []models.UsageRecord
	require.NoError(t, env.db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, models.OutcomeCompleted, records[0].Outcome)
	assert.Greater(t, records[0].TTFT, 0.0)
}

func TestRouteStreamClientDisconnectStillBills(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	env.addMachine(t, 1, streamingMachine(t, streamChunks))

	delivered := 0
	_, err := env.dispatcher.RouteStream(ctx, caller, models.ChatRequest{
		Model:  "grid-small",
		Stream: true,
	}, func(event []byte) error {
		delivered++
		if delivered > 1 {
			return errors.New("broken pipe")
		}
		return nil
	})
	require.NoError(t, err)

	// The machine stream was drained past the disconnect, so the final
	// usage block was still captured and billed.
	balance, err := env.ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 10-(10*0.001+20*0.002), balance, 1e-9)

	env.dispatcher.Drain()
	var records []models.UsageRecord
	require.NoError(t, env.db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, models.OutcomeClientGone, records[0].Outcome)
}

func TestRouteStreamRetriesOnAnotherMachine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)

	bad := fakeMachine(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	env.addMachine(t, 1, bad)
	env.addMachine(t, 2, streamingMachine(t, streamChunks))

	var events []string
	result, err := env.dispatcher.RouteStream(ctx, caller, models.ChatRequest{
		Model:  "grid-small",
		Stream: true,
	}, func(event []byte) error {
		events = append(events, string(event))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint(2), result.Machine.ID)
	require.Len(t, events, 4)
	assert.Equal(t, 30, result.Usage.TotalTokens)
}

func TestVerifyBranchRetriesOnAnotherMachine(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)

	bad := fakeMachine(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	env.addMachine(t, 1, bad)
	env.addMachine(t, 2, verdictMachine(t, map[string]string{"small-v1": "yes"}, nil))

	resp, err := env.dispatcher.Verify(context.Background(), caller, models.VerifyRequest{
		Models:   []string{"grid-small"},
		Messages: []models.ChatMessage{{Role: "user", Content: "is the sky blue?"}},
		MinYes:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictYes, resp.Result)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint(2), resp.Results[0].Machine.ID)
}

// verdictMachine answers by provider model id.
func verdictMachine(t *testing.T, answers map[string]string, delays map[string]time.Duration) string {
	return fakeMachine(t, func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if delay, ok := delays[req.Model]; ok {
			time.Sleep(delay)
		}
		w.Write(completionBody(answers[req.Model], models.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}))
	})
}

func TestVerifyQuorum(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	env.addMachine(t, 1, verdictMachine(t, map[string]string{
		"small-v1": "Yes.",
		"large-v1": "No, that is not correct.",
	}, nil))

	resp, err := env.dispatcher.Verify(ctx, caller, models.VerifyRequest{
		Models:   []string{"grid-small", "grid-large"},
		Messages: []models.ChatMessage{{Role: "user", Content: "is the sky blue?"}},
		MinYes:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictYes, resp.Result)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, VerdictYes, resp.Results[0].Result)
	assert.Equal(t, VerdictNo, resp.Results[1].Result)

	resp, err = env.dispatcher.Verify(ctx, caller, models.VerifyRequest{
		Models:   []string{"grid-small", "grid-large"},
		Messages: []models.ChatMessage{{Role: "user", Content: "is the sky blue?"}},
		MinYes:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictNo, resp.Result)
}

func TestVerifyTimedOutBranchCountsAsNo(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)
	env.addMachine(t, 1, verdictMachine(t, map[string]string{
		"small-v1":  "yes",
		"large-v1":  "yes",
		"medium-v1": "yes",
	}, map[string]time.Duration{"medium-v1": 2 * time.Second}))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	resp, err := env.dispatcher.Verify(ctx, caller, models.VerifyRequest{
		Models:   []string{"grid-small", "grid-medium", "grid-large"},
		Messages: []models.ChatMessage{{Role: "user", Content: "check"}},
		MinYes:   3,
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictNo, resp.Result)

	yes := 0
	for _, branch := range resp.Results {
		if branch.Result == VerdictYes {
			yes++
		}
	}
	assert.Equal(t, 2, yes)
	assert.NotEmpty(t, resp.Results[1].Error)
}

func TestVerifyUnknownModelRejected(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)

	_, err := env.dispatcher.Verify(context.Background(), caller, models.VerifyRequest{
		Models: []string{"grid-small", "grid-bogus"},
	})
	assert.ErrorIs(t, err, ledger.ErrUnknownModel)
}

func TestVerifyDefaultsToMajority(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)
	env.addMachine(t, 1, verdictMachine(t, map[string]string{
		"small-v1": "yes",
		"large-v1": "no",
		"medium-v1": "yes",
	}, nil))

	resp, err := env.dispatcher.Verify(context.Background(), caller, models.VerifyRequest{
		Models:   []string{"grid-small", "grid-medium", "grid-large"},
		Messages: []models.ChatMessage{{Role: "user", Content: "check"}},
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictYes, resp.Result)
}
