package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/llm"
)

type recorder struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (r *recorder) add(t *testing.T, req *http.Request) {
	t.Helper()
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	r.mu.Lock()
	r.bodies = append(r.bodies, decoded)
	r.mu.Unlock()
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(llm.Config{APIKey: "sk-test", BaseURL: srv.URL}, []llm.ToolSpec{{
		Name:        "getBalance",
		Description: "Get the current balance of a wallet address",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"address": map[string]any{"type": "string"}},
			"required":   []string{"address"},
		},
	}}, WithMaxRetries(0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

const toolCallResponse = `{
  "id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
  "choices": [{
    "index": 0, "finish_reason": "tool_calls",
    "message": {"role": "assistant", "content": null, "tool_calls": [
      {"id": "call_a", "type": "function", "function": {"name": "getBalance", "arguments": "{\"address\":\"0xabc\"}"}},
      {"id": "call_b", "type": "function", "function": {"name": "getBalance", "arguments": "{\"address\":\"0xdef\"}"}}
    ]}
  }]
}`

const textResponse = `{
  "id": "chatcmpl-2", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Both wallets hold 1 ETH."}}]
}`

func TestInterpretReturnsToolCalls(t *testing.T) {
	rec := &recorder{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		rec.add(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, toolCallResponse)
	})

	history := conversation.History{{Role: conversation.RoleUser, Content: "hi"}, {Role: conversation.RoleAssistant, Content: "hello"}}
	interp, err := client.Interpret(context.Background(), "balances of 0xabc and 0xdef", history)
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if len(interp.ToolCalls) != 2 || interp.ToolCalls[1].ID != "call_b" {
		t.Fatalf("unexpected tool calls: %+v", interp.ToolCalls)
	}
	if string(interp.ToolCalls[0].Arguments) != `{"address":"0xabc"}` {
		t.Fatalf("unexpected arguments: %s", interp.ToolCalls[0].Arguments)
	}

	messages := rec.bodies[0]["messages"].([]any)
	if len(messages) != 4 {
		t.Fatalf("expected preamble + 2 history + query, got %d", len(messages))
	}
	first := messages[0].(map[string]any)
	if first["role"] != "system" || first["content"] != llm.SystemPreamble {
		t.Fatalf("unexpected first message: %v", first)
	}
	last := messages[3].(map[string]any)
	if last["role"] != "user" || last["content"] != "balances of 0xabc and 0xdef" {
		t.Fatalf("unexpected last message: %v", last)
	}
	if tools := rec.bodies[0]["tools"].([]any); len(tools) != 1 {
		t.Fatalf("expected tool declarations to be sent")
	}
}

func TestSummarizeReplaysToolTurns(t *testing.T) {
	rec := &recorder{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rec.add(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, textResponse)
	})

	interp := &llm.Interpretation{Provider: llm.ProviderOpenAI, ToolCalls: []llm.ToolCall{
		{ID: "call_a", Name: "getBalance", Arguments: json.RawMessage(`{"address":"0xabc"}`)},
		{ID: "call_b", Name: "getBalance", Arguments: json.RawMessage(`{"address":"0xdef"}`)},
	}}
	results := []llm.FunctionResult{llm.Succeeded(map[string]string{"balance": "1"}), llm.Failed("boom")}

	answer, err := client.Summarize(context.Background(), "balances", nil, interp, results)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if answer != "Both wallets hold 1 ETH." {
		t.Fatalf("unexpected answer %q", answer)
	}

	messages := rec.bodies[0]["messages"].([]any)
	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(messages))
	}
	assistant := messages[2].(map[string]any)
	if assistant["role"] != "assistant" || len(assistant["tool_calls"].([]any)) != 2 {
		t.Fatalf("unexpected assistant turn: %v", assistant)
	}
	for i, id := range []string{"call_a", "call_b"} {
		tool := messages[3+i].(map[string]any)
		if tool["role"] != "tool" || tool["tool_call_id"] != id {
			t.Fatalf("unexpected tool turn %d: %v", i, tool)
		}
	}
	if _, ok := rec.bodies[0]["tools"]; ok {
		t.Fatalf("summary request should not declare tools")
	}
}

func TestInterpretClassifiesErrors(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   xerrors.Code
	}{
		{http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`, xerrors.CodeAuthentication},
		{http.StatusNotFound, `{"error":{"message":"The model gpt-9 does not exist","type":"invalid_request_error","code":"model_not_found"}}`, xerrors.CodeModelUnavailable},
		{http.StatusInternalServerError, `{"error":{"message":"overloaded","type":"server_error"}}`, xerrors.CodeBackendFailure},
	}
	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, tc.body)
		})
		_, err := client.Interpret(context.Background(), "q", nil)
		if got := xerrors.CodeOf(err); got != tc.want {
			t.Fatalf("status %d: expected %s, got %s (%v)", tc.status, tc.want, got, err)
		}
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(llm.Config{}, nil); !xerrors.HasCode(err, xerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSummarizeRejectsMismatchedResults(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})
	interp := &llm.Interpretation{ToolCalls: []llm.ToolCall{{ID: "1", Name: "getLatestBlock"}}}
	if _, err := client.Summarize(context.Background(), "q", nil, interp, nil); err == nil {
		t.Fatalf("expected mismatch error")
	}
}
