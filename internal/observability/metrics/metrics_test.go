package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/llm"
)

func TestObserveCounters(t *testing.T) {
	m := New()

	m.ObserveHTTPRequest("query", "POST", 201, 120*time.Millisecond)
	m.ObserveHTTPRequest("query", "POST", 201, 80*time.Millisecond)
	m.ObserveLLMCall("openai", "interpret", nil, time.Second)
	m.ObserveLLMCall("openai", "interpret", xerrors.New(xerrors.CodeAuthentication, "bad key"), time.Second)
	m.ObserveLLMCall("gemini", "summarize", errors.New("plain"), time.Second)
	m.ObserveFunctionCall("getBalance", llm.StatusFailed, 10*time.Millisecond)
	m.ObserveTask("submitted")

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("query", "POST", "201")); got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.llmCalls.WithLabelValues("openai", "interpret", "authentication_failure")); got != 1 {
		t.Fatalf("expected auth failure counter, got %v", got)
	}
	if got := testutil.ToFloat64(m.llmCalls.WithLabelValues("gemini", "summarize", "unknown")); got != 1 {
		t.Fatalf("expected unknown outcome counter, got %v", got)
	}
	if got := testutil.ToFloat64(m.functionCalls.WithLabelValues("getBalance", "Failed")); got != 1 {
		t.Fatalf("expected function counter, got %v", got)
	}
	if got := testutil.ToFloat64(m.tasks.WithLabelValues("submitted")); got != 1 {
		t.Fatalf("expected task counter, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveFunctionCall("getLatestBlock", llm.StatusSuccess, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `chainai_function_calls_total{function="getLatestBlock",status="Success"} 1`) {
		t.Fatalf("metric missing from output:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveHTTPRequest("query", "POST", 200, time.Millisecond)
	m.ObserveTask("submitted")
}
