package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChainAI-Agent/internal/agent"
	"ChainAI-Agent/internal/config"
	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/functions"
	"ChainAI-Agent/internal/llm"
	"ChainAI-Agent/internal/llm/pythonbridge"
	"ChainAI-Agent/internal/storage/mysql"
	"ChainAI-Agent/internal/web3"
	"ChainAI-Agent/pkg/logger"
)

// ChainResolver 为每次请求提供链上能力。
type ChainResolver interface {
	Capabilities(chainID int64, creds web3.ExplorerCredentials) (web3.Capabilities, error)
	TokenSymbols(chainID int64) string
	DefaultChainID() int64
}

// Service 处理自然语言查询。
type Service struct {
	llm        config.LLMConfig
	agent      config.AgentConfig
	chains     ChainResolver
	history    mysql.HistoryRepository
	agentOpts  []agent.Option
	now        func() time.Time
	newRequest func() string
}

// Option 自定义查询服务。
type Option func(*Service)

// WithHistory 设置查询历史仓库。
func WithHistory(repo mysql.HistoryRepository) Option {
	return func(s *Service) {
		s.history = repo
	}
}

// WithAgentOptions 追加每次编排使用的选项。
func WithAgentOptions(opts ...agent.Option) Option {
	return func(s *Service) {
		s.agentOpts = append(s.agentOpts, opts...)
	}
}

// WithClock 替换记录时间使用的时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造查询服务。chains 为 nil 时只能执行离线函数。
func NewService(llmCfg config.LLMConfig, agentCfg config.AgentConfig, chains ChainResolver, opts ...Option) *Service {
	s := &Service{
		llm:        llmCfg,
		agent:      agentCfg,
		chains:     chains,
		now:        time.Now,
		newRequest: uuid.NewString,
	}
	if llmCfg.Python.Enabled {
		s.agentOpts = append(s.agentOpts, agent.WithFactory(llm.ProviderPythonBridge, pythonbridge.NewFactory(pythonbridge.Options{
			Python:     llmCfg.Python.PythonExecutable,
			Script:     llmCfg.Python.ScriptPath,
			WorkingDir: llmCfg.Python.WorkingDir,
		})))
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Result 是一次查询的结果及其审计信息。
type Result struct {
	RequestID string
	Provider  llm.Provider
	ChainID   int64
	Outcome   *agent.Outcome
}

// Handle 校验请求、补全默认值并执行一次完整编排。
func (s *Service) Handle(ctx context.Context, req Request) (*Result, error) {
	started := s.now()
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = s.newRequest()
	}
	log := logger.FromContext(ctx).With(slog.String("request_id", requestID))

	// 校验请求。
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "query is required")
	}
	history := conversation.Normalize(req.Options.Context)
	if err := conversation.Validate(history); err != nil {
		return nil, err
	}

	// 补全后端与凭据。
	provider, backend, err := s.resolveBackend(req.Options)
	if err != nil {
		return nil, err
	}
	chainID := req.Options.ChainID
	if chainID == 0 && s.chains != nil {
		chainID = s.chains.DefaultChainID()
	}

	result := &Result{RequestID: requestID, Provider: provider, ChainID: chainID}
	outcome, err := s.run(ctx, provider, backend, chainID, req.Options.ExplorerCredentials, history, query)
	result.Outcome = outcome
	s.record(ctx, log, query, result, err, s.now().Sub(started))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) run(ctx context.Context, provider llm.Provider, backend llm.Config, chainID int64, creds web3.ExplorerCredentials, history conversation.History, query string) (*agent.Outcome, error) {
	var caps web3.Capabilities
	var tokens string
	if s.chains != nil {
		resolved, err := s.chains.Capabilities(chainID, creds)
		if err != nil {
			return nil, err
		}
		caps = resolved
		tokens = s.chains.TokenSymbols(chainID)
	}

	opts := []agent.Option{
		agent.WithParallelism(s.agent.MaxParallelCalls),
		agent.WithTokenSymbols(tokens),
	}
	if timeout := s.agent.LLMTimeout(); timeout > 0 {
		opts = append(opts, agent.WithLLMTimeout(timeout))
	}
	if timeout := s.agent.FunctionTimeout(); timeout > 0 {
		opts = append(opts, agent.WithFunctionTimeout(timeout))
	}
	opts = append(opts, s.agentOpts...)
	orch, err := agent.New(agent.Config{
		Provider: provider,
		Backend:  backend,
		ChainID:  chainID,
		Explorer: creds,
		History:  history,
	}, caps, opts...)
	if err != nil {
		return nil, err
	}
	return orch.Run(ctx, query)
}

// resolveBackend 选择后端，并在请求未携带凭据时使用服务端默认值。
func (s *Service) resolveBackend(opts Options) (llm.Provider, llm.Config, error) {
	name := strings.TrimSpace(opts.Backend)
	if name == "" {
		name = s.llm.DefaultProvider
	}
	provider := llm.ParseProvider(name)
	if provider == "" {
		return "", llm.Config{}, xerrors.New(xerrors.CodeConfiguration, "backend is required")
	}

	cfg := llm.Config{
		APIKey: strings.TrimSpace(opts.BackendConfig.APIKey),
		Model:  strings.TrimSpace(opts.BackendConfig.Model),
	}
	if defaults, ok := s.llm.Provider(string(provider)); ok {
		if cfg.APIKey == "" {
			cfg.APIKey = defaults.APIKey()
		}
		if cfg.Model == "" {
			cfg.Model = defaults.Model
		}
		cfg.BaseURL = defaults.BaseURL
	}
	return provider, cfg, nil
}

func (s *Service) record(ctx context.Context, log *slog.Logger, query string, result *Result, runErr error, elapsed time.Duration) {
	record := &mysql.QueryRecord{
		RequestID:  result.RequestID,
		Query:      query,
		Provider:   string(result.Provider),
		ChainID:    result.ChainID,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  s.now().Unix(),
	}
	if outcome := result.Outcome; outcome != nil {
		record.FunctionCalls = len(outcome.Results)
		record.HasErrors = outcome.HasErrors
		record.FinalResponse = outcome.FinalResponse
	}
	if runErr != nil {
		record.ErrorCode = string(xerrors.CodeOf(runErr))
	}

	logger.Audit().Info("查询处理完成",
		slog.String("request_id", record.RequestID),
		slog.String("provider", record.Provider),
		slog.Int64("chain_id", record.ChainID),
		slog.Int("function_calls", record.FunctionCalls),
		slog.Bool("has_errors", record.HasErrors),
		slog.String("error_code", record.ErrorCode),
		slog.Int64("duration_ms", record.DurationMS),
	)

	if s.history == nil {
		return
	}
	if err := s.history.Save(context.WithoutCancel(ctx), record); err != nil {
		log.Error("保存查询历史失败", slog.String("error", err.Error()))
	}
}

// History 返回最近的查询记录。
func (s *Service) History(ctx context.Context, limit int) ([]mysql.QueryRecord, error) {
	if s.history == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "query history is not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	records, err := s.history.ListLatest(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list query history")
	}
	return records, nil
}

// Functions 返回默认链上暴露给模型的函数声明。
func (s *Service) Functions() []llm.ToolSpec {
	var tokens string
	if s.chains != nil {
		tokens = s.chains.TokenSymbols(0)
	}
	return functions.NewRegistry(nil, functions.WithTokenSymbols(tokens)).ToolSpecs()
}

// CanRunUnattended 判断在不携带调用方凭据的情况下能否执行该请求，异步任务依赖于此。
func (s *Service) CanRunUnattended(req Request) error {
	provider, cfg, err := s.resolveBackend(req.Options)
	if err != nil {
		return err
	}
	if provider == llm.ProviderPythonBridge {
		return nil
	}
	if cfg.APIKey == "" {
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("no server-side API key configured for backend %s", provider))
	}
	return nil
}

type requestIDKey struct{}

// WithRequestID 将请求 ID 写入上下文。
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext 读取请求 ID。
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
