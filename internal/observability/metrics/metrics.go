package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/llm"
)

const namespace = "chainai"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics 汇总服务的全部指标。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
	llmCalls        *prometheus.CounterVec
	llmLatency      *prometheus.HistogramVec
	functionCalls   *prometheus.CounterVec
	functionLatency *prometheus.HistogramVec
	tasks           *prometheus.CounterVec
}

// New 创建独立注册表并注册全部指标，避免测试之间共享全局状态。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by handler, method and status code.",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   latencyBuckets,
		}, []string{"handler", "method"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Language-model calls by provider, phase and outcome.",
		}, []string{"provider", "phase", "outcome"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Language-model call latency.",
			Buckets:   latencyBuckets,
		}, []string{"provider", "phase"}),
		functionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Dispatched function calls by function and status.",
		}, []string{"function", "status"}),
		functionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "function_call_duration_seconds",
			Help:      "Function call latency.",
			Buckets:   latencyBuckets,
		}, []string{"function"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Async query tasks by lifecycle event.",
		}, []string{"event"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpLatency,
		m.llmCalls,
		m.llmLatency,
		m.functionCalls,
		m.functionLatency,
		m.tasks,
	)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(handler, method).Observe(elapsed.Seconds())
}

// ObserveLLMCall 记录一次模型调用，outcome 为 ok 或错误码。
func (m *Metrics) ObserveLLMCall(provider, phase string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(xerrors.CodeOf(err)))
	}
	m.llmCalls.WithLabelValues(provider, phase, outcome).Inc()
	m.llmLatency.WithLabelValues(provider, phase).Observe(elapsed.Seconds())
}

// ObserveFunctionCall 记录一次函数调用。
func (m *Metrics) ObserveFunctionCall(name string, status llm.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.functionCalls.WithLabelValues(name, string(status)).Inc()
	m.functionLatency.WithLabelValues(name).Observe(elapsed.Seconds())
}

// ObserveTask 记录任务生命周期事件，例如 submitted、succeeded、retried、failed。
func (m *Metrics) ObserveTask(event string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(event).Inc()
}

// Handler 返回 Prometheus 文本格式的导出处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer 在独立端口上暴露 /metrics。
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
