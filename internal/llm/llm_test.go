package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
)

func TestClassifyStatus(t *testing.T) {
	cause := errors.New("boom")
	cases := []struct {
		status int
		want   xerrors.Code
	}{
		{401, xerrors.CodeAuthentication},
		{403, xerrors.CodeAuthentication},
		{404, xerrors.CodeModelUnavailable},
		{500, xerrors.CodeBackendFailure},
	}
	for _, tc := range cases {
		if got := xerrors.CodeOf(ClassifyStatus(ProviderOpenAI, tc.status, cause)); got != tc.want {
			t.Fatalf("status %d: expected %s, got %s", tc.status, tc.want, got)
		}
	}
}

func TestBackendErrorDetectsTimeout(t *testing.T) {
	err := BackendError(ProviderGemini, fmt.Errorf("post: %w", context.DeadlineExceeded))
	if !xerrors.HasCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	coded := xerrors.New(xerrors.CodeAuthentication, "")
	if BackendError(ProviderGemini, coded) != error(coded) {
		t.Fatalf("coded errors should pass through")
	}
}

func TestCheckResults(t *testing.T) {
	interp := &Interpretation{ToolCalls: []ToolCall{{ID: "1", Name: "getLatestBlock"}}}
	if err := CheckResults(interp, []FunctionResult{Succeeded(1)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckResults(interp, nil); !xerrors.HasCode(err, xerrors.CodeSummarization) {
		t.Fatalf("expected mismatch error, got %v", err)
	}
}

func TestFailedCarriesMessage(t *testing.T) {
	result := Failed("missing argument: %s", "address")
	var decoded struct {
		Status string            `json:"status"`
		Data   map[string]string `json:"data"`
	}
	if err := json.Unmarshal([]byte(result.Content()), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Status != "Failed" || decoded.Data["message"] != "missing argument: address" {
		t.Fatalf("unexpected content: %+v", decoded)
	}
}

func TestDecodeArgumentsEmpty(t *testing.T) {
	args, err := DecodeArguments(nil)
	if err != nil || len(args) != 0 {
		t.Fatalf("expected empty object, got %v %v", args, err)
	}
	if _, err := DecodeArguments(json.RawMessage(`[1]`)); err == nil {
		t.Fatalf("expected error for non-object arguments")
	}
}

func TestParseProvider(t *testing.T) {
	if ParseProvider(" OpenAI ") != ProviderOpenAI || ParseProvider("python") != ProviderPythonBridge {
		t.Fatalf("unexpected normalization")
	}
}

func TestContextTextPrefixesInlineRoles(t *testing.T) {
	cases := map[conversation.Role]string{
		conversation.RoleSystem:    "[system] be brief",
		conversation.RoleTool:      "[tool] be brief",
		conversation.RoleUser:      "be brief",
		conversation.RoleAssistant: "be brief",
	}
	for role, want := range cases {
		if got := ContextText(conversation.Turn{Role: role, Content: "be brief"}); got != want {
			t.Fatalf("%s: expected %q, got %q", role, want, got)
		}
	}
}
