package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/llm"
	"ChainAI-Agent/internal/web3"
)

const stubProvider llm.Provider = "stub"

type stubBackend struct {
	interp       *llm.Interpretation
	interpretErr error
	summary      string
	summarizeErr error
	wait         time.Duration

	mu          sync.Mutex
	summarized  []llm.FunctionResult
	summaryCall bool
	history     conversation.History
}

func (s *stubBackend) Interpret(ctx context.Context, _ string, history conversation.History) (*llm.Interpretation, error) {
	s.mu.Lock()
	s.history = history
	s.mu.Unlock()
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.interpretErr != nil {
		return nil, s.interpretErr
	}
	return s.interp, nil
}

func (s *stubBackend) Summarize(_ context.Context, _ string, _ conversation.History, interp *llm.Interpretation, results []llm.FunctionResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaryCall = true
	s.summarized = results
	if err := llm.CheckResults(interp, results); err != nil {
		return "", err
	}
	if s.summarizeErr != nil {
		return "", s.summarizeErr
	}
	return s.summary, nil
}

type stubChain struct {
	web3.Capabilities
	latestCalls int
	mu          sync.Mutex
}

func (s *stubChain) LatestBlock(context.Context) (*web3.Block, error) {
	s.mu.Lock()
	s.latestCalls++
	s.mu.Unlock()
	return &web3.Block{Number: 19000000, Hash: "0xabc"}, nil
}

func (s *stubChain) Balance(_ context.Context, address string) (*web3.Balance, error) {
	return nil, errors.New("invalid address " + address)
}

func newTestOrchestrator(t *testing.T, backend llm.Backend, chain web3.Capabilities, history conversation.History, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithFactory(stubProvider, func(llm.Config, []llm.ToolSpec) (llm.Backend, error) {
		return backend, nil
	})}, opts...)
	orch, err := New(Config{Provider: stubProvider, History: history}, chain, opts...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch
}

func TestRunLatestBlock(t *testing.T) {
	backend := &stubBackend{
		interp: &llm.Interpretation{Provider: stubProvider, ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "getLatestBlock", Arguments: json.RawMessage(`{}`)},
		}},
		summary: "The latest block is 19000000.",
	}
	chain := &stubChain{}
	orch := newTestOrchestrator(t, backend, chain, nil)

	outcome, err := orch.Run(context.Background(), "what is the latest block")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.HasErrors {
		t.Fatalf("expected no errors: %+v", outcome.Results)
	}
	if len(outcome.Results) != 1 || outcome.Results[0].Status != llm.StatusSuccess {
		t.Fatalf("unexpected results %+v", outcome.Results)
	}
	if !strings.Contains(outcome.FinalResponse, "19000000") {
		t.Fatalf("unexpected final response %q", outcome.FinalResponse)
	}
	if len(outcome.Context) != 2 || outcome.Context[0].Role != conversation.RoleUser || outcome.Context[1].Content != outcome.FinalResponse {
		t.Fatalf("unexpected context %+v", outcome.Context)
	}
	if chain.latestCalls != 1 {
		t.Fatalf("expected one chain call, got %d", chain.latestCalls)
	}
	if orch.State() != StateDone {
		t.Fatalf("expected Done, got %s", orch.State())
	}
}

func TestRunAuthenticationFailureSkipsDispatch(t *testing.T) {
	backend := &stubBackend{interpretErr: xerrors.New(xerrors.CodeAuthentication, "openai rejected the API key")}
	chain := &stubChain{}
	history := conversation.History{{Role: conversation.RoleUser, Content: "hi"}, {Role: conversation.RoleAssistant, Content: "hello"}}
	orch := newTestOrchestrator(t, backend, chain, history)

	outcome, err := orch.Run(context.Background(), "what is the latest block")
	if err == nil {
		t.Fatalf("expected error, got %+v", outcome)
	}
	if xerrors.CodeOf(err) != xerrors.CodeAuthentication {
		t.Fatalf("expected authentication failure, got %s", xerrors.CodeOf(err))
	}
	if outcome != nil {
		t.Fatalf("expected no outcome")
	}
	if chain.latestCalls != 0 || backend.summaryCall {
		t.Fatalf("nothing should run after a failed interpretation")
	}
	if len(history) != 2 {
		t.Fatalf("caller history must not change")
	}
	if orch.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", orch.State())
	}
}

func TestRunPartialFailure(t *testing.T) {
	backend := &stubBackend{
		interp: &llm.Interpretation{Provider: stubProvider, ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "getLatestBlock"},
			{ID: "call_2", Name: "getBalance", Arguments: json.RawMessage(`{"address":"0xnothex"}`)},
		}},
		summary: "Block fetched, balance lookup failed.",
	}
	orch := newTestOrchestrator(t, backend, &stubChain{}, nil)

	outcome, err := orch.Run(context.Background(), "latest block and balance of 0xnothex")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !outcome.HasErrors {
		t.Fatalf("expected hasErrors")
	}
	if len(outcome.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(outcome.Results))
	}
	if outcome.Results[0].Status != llm.StatusSuccess || outcome.Results[1].Status != llm.StatusFailed {
		t.Fatalf("unexpected results %+v", outcome.Results)
	}
	if outcome.FinalResponse == "" {
		t.Fatalf("final response should still be produced")
	}
	if len(backend.summarized) != 2 {
		t.Fatalf("summarize should receive every result")
	}
}

func TestRunSummarizeFailureFallsBack(t *testing.T) {
	backend := &stubBackend{
		interp:       &llm.Interpretation{Provider: stubProvider, Content: "hello"},
		summarizeErr: errors.New("upstream closed"),
	}
	orch := newTestOrchestrator(t, backend, nil, nil)

	outcome, err := orch.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.FinalResponse != llm.FallbackSummary {
		t.Fatalf("expected fallback, got %q", outcome.FinalResponse)
	}
	if len(outcome.Results) != 0 || outcome.HasErrors {
		t.Fatalf("unexpected results %+v", outcome.Results)
	}
	if outcome.Context[1].Content != llm.FallbackSummary {
		t.Fatalf("context should record the fallback answer")
	}
}

func TestRunInterpretTimeout(t *testing.T) {
	backend := &stubBackend{wait: 200 * time.Millisecond}
	orch := newTestOrchestrator(t, backend, nil, nil, WithLLMTimeout(10*time.Millisecond))

	_, err := orch.Run(context.Background(), "hi")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %s", xerrors.CodeOf(err))
	}
}

func TestRunOnlyOnce(t *testing.T) {
	backend := &stubBackend{interp: &llm.Interpretation{}, summary: "ok"}
	orch := newTestOrchestrator(t, backend, nil, nil)

	if _, err := orch.Run(context.Background(), "hi"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := orch.Run(context.Background(), "hi"); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict on second run, got %v", err)
	}
}

func TestRunEvictsOldestTurns(t *testing.T) {
	history := make(conversation.History, 0, conversation.MaxTurns)
	for i := 0; i < conversation.MaxTurns/2; i++ {
		history = conversation.Append(history, "q", "a")
	}
	history[0].Content = "oldest"
	backend := &stubBackend{interp: &llm.Interpretation{}, summary: "newest"}
	orch := newTestOrchestrator(t, backend, nil, history)

	outcome, err := orch.Run(context.Background(), "next")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(outcome.Context) != conversation.MaxTurns {
		t.Fatalf("expected %d turns, got %d", conversation.MaxTurns, len(outcome.Context))
	}
	if outcome.Context[0].Content == "oldest" {
		t.Fatalf("oldest turn should be evicted")
	}
	if last := outcome.Context[len(outcome.Context)-1]; last.Content != "newest" {
		t.Fatalf("unexpected last turn %+v", last)
	}
	if history[0].Content != "oldest" {
		t.Fatalf("caller history must not be modified")
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(Config{Provider: "mystery"}, nil)
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{Provider: llm.ProviderOpenAI}, nil)
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error for missing key, got %v", err)
	}
}

func TestNewRejectsUnknownRole(t *testing.T) {
	history := conversation.History{{Role: "narrator", Content: "x"}}
	_, err := New(Config{Provider: stubProvider, History: history}, nil,
		WithFactory(stubProvider, func(llm.Config, []llm.ToolSpec) (llm.Backend, error) { return &stubBackend{}, nil }))
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
