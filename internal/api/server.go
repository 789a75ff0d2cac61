package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/llm"
	"ChainAI-Agent/internal/observability/metrics"
	"ChainAI-Agent/internal/query"
	"ChainAI-Agent/internal/storage/mysql"
	"ChainAI-Agent/internal/task"
	"ChainAI-Agent/pkg/logger"
)

const (
	basePath = "/api/v1/chain-ai"
	// maxBodyBytes 限制请求体大小，上下文最多 10 轮，1 MiB 足够。
	maxBodyBytes = 1 << 20
)

// QueryService 是同步查询所需的能力，由 query.Service 实现。
type QueryService interface {
	Handle(ctx context.Context, req query.Request) (*query.Result, error)
	History(ctx context.Context, limit int) ([]mysql.QueryRecord, error)
	Functions() []llm.ToolSpec
}

// TaskService 是异步任务所需的能力，由 task.Service 实现。
type TaskService interface {
	Submit(ctx context.Context, sub task.Submission) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr           string
	queries        QueryService
	tasks          TaskService
	metrics        *metrics.Metrics
	requestTimeout time.Duration
	started        time.Time
	now            func() time.Time
}

// Option 自定义 Server。
type Option func(*Server)

// WithTaskService 启用异步任务接口。
func WithTaskService(tasks TaskService) Option {
	return func(s *Server) {
		s.tasks = tasks
	}
}

// WithMetrics 启用请求指标与 /metrics 导出。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRequestTimeout 设置单个请求的处理时限。
func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

// WithClock 替换时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, queries QueryService, opts ...Option) *Server {
	s := &Server{addr: addr, queries: queries, requestTimeout: 120 * time.Second, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.started = s.now()
	return s
}

// Handler 返回带中间件的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthcheck", s.handleHealth)
	mux.HandleFunc("POST "+basePath+"/query", s.handleQuery)
	mux.HandleFunc("GET "+basePath+"/functions", s.handleFunctions)
	mux.HandleFunc("GET "+basePath+"/history", s.handleHistory)
	mux.HandleFunc("POST "+basePath+"/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET "+basePath+"/tasks", s.handleListTasks)
	mux.HandleFunc("GET "+basePath+"/tasks/stats", s.handleTaskStats)
	mux.HandleFunc("GET "+basePath+"/tasks/{id}", s.handleTaskDetail)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return cors.AllowAll().Handler(s.instrument(mux))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("API 服务已启动", slog.String("address", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Status  string       `json:"status"`
	Results healthResult `json:"results"`
}

type healthResult struct {
	Uptime    float64 `json:"uptime"`
	Message   string  `json:"message"`
	Timestamp int64   `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "success",
		Results: healthResult{
			Uptime:    now.Sub(s.started).Seconds(),
			Message:   "OK",
			Timestamp: now.UnixMilli(),
		},
	})
}

// queryResponse 是查询成功时的响应体。
type queryResponse struct {
	Status    string               `json:"status"`
	RequestID string               `json:"requestId,omitempty"`
	HasErrors bool                 `json:"hasErrors"`
	Results   []llm.FunctionResult `json:"results"`
	Context   conversation.History `json:"context"`
	Final     string               `json:"finalResponse"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	result, err := s.queries.Handle(r.Context(), req)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	outcome := result.Outcome
	results := outcome.Results
	if results == nil {
		results = []llm.FunctionResult{}
	}
	writeJSON(w, http.StatusCreated, queryResponse{
		Status:    "success",
		RequestID: result.RequestID,
		HasErrors: outcome.HasErrors,
		Results:   results,
		Context:   outcome.Context,
		Final:     outcome.FinalResponse,
	})
}

func (s *Server) handleFunctions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"functions": s.queries.Functions(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	records, err := s.queries.History(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "history": records})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w, r) {
		return
	}
	var sub task.Submission
	if err := decodeBody(w, r, &sub); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	created, err := s.tasks.Submit(r.Context(), sub)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "success", "task": created})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w, r) {
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(r.Context(), w, xerrors.New(xerrors.CodeInvalidArgument, "task id is required"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "task": found})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w, r) {
		return
	}
	opts, err := task.ParseListQuery(r.URL.Query())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "tasks": tasks})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w, r) {
		return
	}
	opts, err := task.ParseListQuery(r.URL.Query())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "stats": stats})
}

func (s *Server) requireTasks(w http.ResponseWriter, r *http.Request) bool {
	if s.tasks != nil {
		return true
	}
	writeError(r.Context(), w, xerrors.New(xerrors.CodeInitializationFailure, "async tasks are not enabled"))
	return false
}

func intParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, name+" must be an integer")
	}
	return value, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "request body is required")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "request body is not valid JSON")
	}
	return nil
}

// errorResponse 是统一的失败响应体。
type errorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	body := errorResponse{Status: "failed", Code: string(xerrors.CodeOf(err))}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		// 鉴权与模型错误需要原样带出后端给出的原因。
		if cause := errors.Unwrap(e); cause != nil && verbatimCause(e.Code()) {
			body.Message += ": " + cause.Error()
		}
	} else {
		body.Message = "internal server error"
	}
	// 函数与总结失败已在编排内部恢复，越过边界时按服务端错误处理。
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	log := logger.FromContext(ctx)
	if status >= http.StatusInternalServerError {
		log.Error("请求处理失败", slog.String("code", body.Code), slog.String("error", err.Error()))
	} else {
		log.Info("请求被拒绝", slog.String("code", body.Code), slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

func verbatimCause(code xerrors.Code) bool {
	return code == xerrors.CodeAuthentication || code == xerrors.CodeModelUnavailable
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
