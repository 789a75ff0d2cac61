package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(llm.Config{APIKey: "sk-ant-test", BaseURL: srv.URL}, []llm.ToolSpec{{
		Name:        "getTransactionStatus",
		Description: "Get the status of a transaction by its hash",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"txHash": map[string]any{"type": "string"}},
			"required":   []string{"txHash"},
		},
	}}, WithMaxRetries(0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestInterpretReadsToolUseBlocks(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "sk-ant-test" {
			t.Errorf("missing api key header")
		}
		captured = decodeBody(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude",
			"stop_reason":"tool_use","usage":{"input_tokens":1,"output_tokens":1},
			"content":[{"type":"text","text":"Checking."},
			{"type":"tool_use","id":"toolu_1","name":"getTransactionStatus","input":{"txHash":"0x01"}}]}`)
	})

	history := conversation.History{{Role: conversation.RoleSystem, Content: "be brief"}}
	interp, err := client.Interpret(context.Background(), "status of 0x01?", history)
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if interp.Content != "Checking." || len(interp.ToolCalls) != 1 {
		t.Fatalf("unexpected interpretation: %+v", interp)
	}
	var args map[string]string
	if err := json.Unmarshal(interp.ToolCalls[0].Arguments, &args); err != nil || args["txHash"] != "0x01" {
		t.Fatalf("unexpected arguments %s", interp.ToolCalls[0].Arguments)
	}

	system := captured["system"].([]any)
	if len(system) != 1 || system[0].(map[string]any)["text"] != llm.SystemPreamble {
		t.Fatalf("unexpected system blocks: %v", system)
	}
	messages := captured["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system context then query, got %d messages", len(messages))
	}
	if text := firstText(t, messages[0]); text != "[system] be brief" {
		t.Fatalf("system context must stay in place, got %q", text)
	}
	if text := firstText(t, messages[1]); text != "status of 0x01?" {
		t.Fatalf("query must be the last message, got %q", text)
	}
	if tools, _ := captured["tools"].([]any); len(tools) != 1 {
		t.Fatalf("expected tools on interpret request, got %v", captured["tools"])
	}
}

func firstText(t *testing.T, message any) string {
	t.Helper()
	block := message.(map[string]any)["content"].([]any)[0].(map[string]any)
	text, _ := block["text"].(string)
	return text
}

func TestSummarizeSendsToolResults(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured = decodeBody(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_2","type":"message","role":"assistant","model":"claude",
			"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1},
			"content":[{"type":"text","text":"The transaction failed."}]}`)
	})

	interp := &llm.Interpretation{Provider: llm.ProviderAnthropic, ToolCalls: []llm.ToolCall{
		{ID: "toolu_1", Name: "getTransactionStatus", Arguments: json.RawMessage(`{"txHash":"0x01"}`)},
	}}
	answer, err := client.Summarize(context.Background(), "status?", nil, interp, []llm.FunctionResult{llm.Failed("not found")})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if answer != "The transaction failed." {
		t.Fatalf("unexpected answer %q", answer)
	}

	messages := captured["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("expected user, assistant, user messages, got %d", len(messages))
	}
	use := messages[1].(map[string]any)["content"].([]any)[0].(map[string]any)
	if use["type"] != "tool_use" || use["id"] != "toolu_1" {
		t.Fatalf("unexpected tool_use block: %v", use)
	}
	result := messages[2].(map[string]any)["content"].([]any)[0].(map[string]any)
	if result["type"] != "tool_result" || result["tool_use_id"] != "toolu_1" || result["is_error"] != true {
		t.Fatalf("unexpected tool_result block: %v", result)
	}
	// tool_use / tool_result 块只有在声明工具时才会被接受。
	tools, _ := captured["tools"].([]any)
	if len(tools) != 1 || tools[0].(map[string]any)["name"] != "getTransactionStatus" {
		t.Fatalf("summarize request must declare tools, got %v", captured["tools"])
	}
}

func TestInterpretClassifiesAuthentication(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	})
	_, err := client.Interpret(context.Background(), "q", nil)
	if !xerrors.HasCode(err, xerrors.CodeAuthentication) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}
