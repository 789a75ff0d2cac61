package task

import (
	"context"
	"errors"
	"testing"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/query"
	"ChainAI-Agent/internal/web3"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 3)
	ctx := context.Background()

	cases := map[string]Submission{
		"empty query": {Request: query.Request{Query: "  "}},
		"backend key": {Request: query.Request{Query: "q", Options: query.Options{
			BackendConfig: query.BackendConfig{APIKey: "sk-caller"},
		}}},
		"explorer key": {Request: query.Request{Query: "q", Options: query.Options{
			ExplorerCredentials: web3.ExplorerCredentials{APIKey: "scan"},
		}}},
	}
	for name, sub := range cases {
		if _, err := service.Submit(ctx, sub); xerrors.CodeOf(err) != CodeTaskValidation {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}

	badRole := Submission{Request: query.Request{Query: "q", Options: query.Options{
		Context: conversation.History{{Role: "robot", Content: "x"}},
	}}}
	if _, err := service.Submit(ctx, badRole); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for unknown role, got %v", err)
	}
}

func TestSubmitRunsPreflight(t *testing.T) {
	denied := xerrors.New(xerrors.CodeConfiguration, "no server-side API key configured for backend openai")
	var seen query.Request
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 3, WithPreflight(func(req query.Request) error {
		seen = req
		return denied
	}))
	_, err := service.Submit(context.Background(), Submission{Request: query.Request{Query: "  latest block "}})
	if !errors.Is(err, denied) {
		t.Fatalf("expected preflight error, got %v", err)
	}
	if seen.Query != "latest block" {
		t.Fatalf("preflight should see the trimmed query, got %q", seen.Query)
	}
}

func TestSubmitIsIdempotentByID(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 3)
	ctx := context.Background()

	first, err := service.Submit(ctx, Submission{ID: "fixed", Request: query.Request{Query: "q1"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, Submission{ID: "fixed", Request: query.Request{Query: "q2"}})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Request.Query != first.Request.Query {
		t.Fatalf("resubmission should return the existing task, got %+v", second)
	}
	if len(queue.pending) != 1 {
		t.Fatalf("expected a single queued message, got %d", len(queue.pending))
	}
}

func TestSubmitMarksTaskFailedWhenPublishFails(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 3)
	service.newID = func() string { return "t-1" }

	_, err := service.Submit(context.Background(), Submission{Request: query.Request{Query: "q"}})
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	task, err := store.Get(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusFailed || task.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected task state %+v", task)
	}
}

func TestServiceRequiresInitialization(t *testing.T) {
	service := NewService(nil, nil, 0)
	if _, err := service.Submit(context.Background(), Submission{Request: query.Request{Query: "q"}}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
	if _, err := service.Get(context.Background(), "x"); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
