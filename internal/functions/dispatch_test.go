package functions

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"ChainAI-Agent/internal/llm"
	"ChainAI-Agent/internal/web3"
)

func TestDispatchPreservesOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	registry := NewRegistry(&stubChain{})
	calls := []llm.ToolCall{
		{ID: "a", Name: string(GetLatestBlock)},
		{ID: "b", Name: "notAFunction"},
		{ID: "c", Name: string(GetBalance), Arguments: json.RawMessage(`{"address":"0x00000000000000000000000000000000000000aa"}`)},
		{ID: "d", Name: string(GetBalance)},
	}

	results := registry.Dispatch(context.Background(), calls)
	if len(results) != len(calls) {
		t.Fatalf("expected %d results, got %d", len(calls), len(results))
	}
	want := []llm.Status{llm.StatusSuccess, llm.StatusFailed, llm.StatusSuccess, llm.StatusFailed}
	for i, status := range want {
		if results[i].Status != status {
			t.Fatalf("result %d: expected %s, got %+v", i, status, results[i])
		}
	}
	if block, ok := results[0].Data.(*web3.Block); !ok || block.Number != 42 {
		t.Fatalf("unexpected block result %+v", results[0].Data)
	}
}

func TestDispatchIsolatesPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	chain := &stubChain{balance: func(string) (*web3.Balance, error) {
		panic("boom")
	}}
	registry := NewRegistry(chain)
	calls := []llm.ToolCall{
		{Name: string(GetBalance), Arguments: json.RawMessage(`{"address":"0x00000000000000000000000000000000000000aa"}`)},
		{Name: string(GetLatestBlock)},
	}

	results := registry.Dispatch(context.Background(), calls)
	if results[0].Status != llm.StatusFailed || results[1].Status != llm.StatusSuccess {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestDispatchRespectsParallelism(t *testing.T) {
	defer goleak.VerifyNone(t)

	var running, peak int32
	chain := &stubChain{block: func(context.Context) (*web3.Block, error) {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if current <= old || atomic.CompareAndSwapInt32(&peak, old, current) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return &web3.Block{Number: 1}, nil
	}}
	registry := NewRegistry(chain, WithParallelism(2))

	calls := make([]llm.ToolCall, 6)
	for i := range calls {
		calls[i] = llm.ToolCall{Name: string(GetLatestBlock)}
	}
	results := registry.Dispatch(context.Background(), calls)
	for i, result := range results {
		if result.Status != llm.StatusSuccess {
			t.Fatalf("result %d failed: %+v", i, result)
		}
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", got)
	}
}

func TestDispatchEmpty(t *testing.T) {
	registry := NewRegistry(nil)
	if results := registry.Dispatch(context.Background(), nil); len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}
