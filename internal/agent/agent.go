package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/functions"
	"ChainAI-Agent/internal/llm"
	"ChainAI-Agent/internal/llm/anthropic"
	"ChainAI-Agent/internal/llm/gemini"
	"ChainAI-Agent/internal/llm/openai"
	"ChainAI-Agent/internal/web3"
	"ChainAI-Agent/pkg/logger"
)

const (
	// DefaultLLMTimeout 是单次大模型调用的默认时限。
	DefaultLLMTimeout = 45 * time.Second
	// DefaultFunctionTimeout 是单次链上函数调用的默认时限。
	DefaultFunctionTimeout = 30 * time.Second
)

// State 是编排器所处的阶段。
type State string

const (
	StateIdle         State = "Idle"
	StateInterpreting State = "Interpreting"
	StateDispatching  State = "Dispatching"
	StateSummarizing  State = "Summarizing"
	StateDone         State = "Done"
	StateFailed       State = "Failed"
)

// Config 是单次请求的编排配置，运行期间不会被修改。
type Config struct {
	Provider llm.Provider
	Backend  llm.Config
	ChainID  int64
	Explorer web3.ExplorerCredentials
	History  conversation.History
}

// Outcome 是一次完整编排的结果。
type Outcome struct {
	Results       []llm.FunctionResult `json:"results"`
	Context       conversation.History `json:"context"`
	FinalResponse string               `json:"finalResponse"`
	HasErrors     bool                 `json:"hasErrors"`
}

// Observer 接收大模型与函数调用的耗时，用于指标采集。
type Observer interface {
	ObserveLLMCall(provider, phase string, err error, elapsed time.Duration)
	ObserveFunctionCall(name string, status llm.Status, elapsed time.Duration)
}

type options struct {
	llmTimeout      time.Duration
	functionTimeout time.Duration
	parallelism     int
	tokenSymbols    string
	factories       map[llm.Provider]llm.Factory
	observer        Observer
	clock           func() time.Time
}

// Option 定义可选的编排配置。
type Option func(*options)

// WithLLMTimeout 设置单次大模型调用的时限，0 表示不限。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout < 0 {
			timeout = 0
		}
		o.llmTimeout = timeout
	}
}

// WithFunctionTimeout 设置单次函数调用的时限，0 表示不限。
func WithFunctionTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout < 0 {
			timeout = 0
		}
		o.functionTimeout = timeout
	}
}

// WithParallelism 限制同时执行的函数调用数量。
func WithParallelism(n int) Option {
	return func(o *options) {
		o.parallelism = n
	}
}

// WithTokenSymbols 设置当前链的代币符号表。
func WithTokenSymbols(tokens string) Option {
	return func(o *options) {
		o.tokenSymbols = tokens
	}
}

// WithFactory 注册或替换某个提供方的后端工厂。
func WithFactory(provider llm.Provider, factory llm.Factory) Option {
	return func(o *options) {
		if factory == nil {
			delete(o.factories, provider)
			return
		}
		o.factories[provider] = factory
	}
}

// WithObserver 设置调用观测器。
func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// WithClock 替换 getCurrentTime 使用的时钟。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// DefaultFactories 返回内置的托管模型后端。
func DefaultFactories() map[llm.Provider]llm.Factory {
	return map[llm.Provider]llm.Factory{
		llm.ProviderOpenAI:    openai.Factory,
		llm.ProviderGemini:    gemini.Factory,
		llm.ProviderAnthropic: anthropic.Factory,
	}
}

// Orchestrator 负责单次请求的解释、执行与总结。
type Orchestrator struct {
	cfg        Config
	backend    llm.Backend
	registry   *functions.Registry
	llmTimeout time.Duration
	observer   Observer

	mu    sync.Mutex
	state State
}

// New 按提供方选择后端并构造编排器。chain 为 nil 时只能执行离线函数。
func New(cfg Config, chain web3.Capabilities, opts ...Option) (*Orchestrator, error) {
	o := &options{
		llmTimeout:      DefaultLLMTimeout,
		functionTimeout: DefaultFunctionTimeout,
		factories:       DefaultFactories(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	// 解析后端工厂。
	provider := llm.ParseProvider(string(cfg.Provider))
	if provider == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "backend is required")
	}
	factory, ok := o.factories[provider]
	if !ok {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("unsupported backend %q", cfg.Provider))
	}
	cfg.Provider = provider
	cfg.History = conversation.Normalize(cfg.History)
	if err := conversation.Validate(cfg.History); err != nil {
		return nil, err
	}

	// 构造函数注册表。
	registryOpts := []functions.Option{
		functions.WithTokenSymbols(o.tokenSymbols),
		functions.WithParallelism(o.parallelism),
		functions.WithTimeout(o.functionTimeout),
		functions.WithClock(o.clock),
	}
	if o.observer != nil {
		registryOpts = append(registryOpts, functions.WithObserver(o.observer.ObserveFunctionCall))
	}
	registry := functions.NewRegistry(chain, registryOpts...)

	// 构造后端。
	backend, err := factory(cfg.Backend, registry.ToolSpecs())
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("initialize %s backend", provider))
	}
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("%s backend is not available", provider))
	}

	return &Orchestrator{
		cfg:        cfg,
		backend:    backend,
		registry:   registry,
		llmTimeout: o.llmTimeout,
		observer:   o.observer,
		state:      StateIdle,
	}, nil
}

// State 返回编排器当前所处的阶段。
func (a *Orchestrator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Registry 返回本次请求使用的函数注册表。
func (a *Orchestrator) Registry() *functions.Registry {
	return a.registry
}

func (a *Orchestrator) transition(from, to State) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != from {
		return false
	}
	a.state = to
	return true
}

func (a *Orchestrator) fail() {
	a.mu.Lock()
	a.state = StateFailed
	a.mu.Unlock()
}

// Run 执行一次完整的解释、执行与总结流程。编排器只能运行一次。
func (a *Orchestrator) Run(ctx context.Context, query string) (*Outcome, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "query is required")
	}
	if !a.transition(StateIdle, StateInterpreting) {
		return nil, xerrors.New(xerrors.CodeConflict, "orchestrator has already run")
	}
	log := logger.FromContext(ctx).With(
		slog.String("component", "agent"),
		slog.String("provider", string(a.cfg.Provider)),
		slog.Int64("chain_id", a.cfg.ChainID),
	)
	history := a.cfg.History.Clone()

	// 解释阶段：失败时直接返回，不执行任何函数。
	interp, err := a.interpret(ctx, query, history)
	if err != nil {
		a.fail()
		log.Warn("解释阶段失败", slog.String("error", err.Error()))
		return nil, err
	}

	// 执行阶段。
	a.transition(StateInterpreting, StateDispatching)
	results := a.registry.Dispatch(ctx, interp.ToolCalls)
	hasErrors := false
	for _, result := range results {
		if result.Status != llm.StatusSuccess {
			hasErrors = true
			break
		}
	}
	log.Debug("函数调用完成", slog.Int("calls", len(results)), slog.Bool("has_errors", hasErrors))

	// 总结阶段：失败时使用兜底文本。
	a.transition(StateDispatching, StateSummarizing)
	final, err := a.summarize(ctx, query, history, interp, results)
	if err != nil {
		log.Error("生成最终回答失败，使用兜底回答", slog.String("error", err.Error()))
		final = llm.FallbackSummary
	}

	a.transition(StateSummarizing, StateDone)
	return &Outcome{
		Results:       results,
		Context:       conversation.Append(history, query, final),
		FinalResponse: final,
		HasErrors:     hasErrors,
	}, nil
}

func (a *Orchestrator) interpret(ctx context.Context, query string, history conversation.History) (*llm.Interpretation, error) {
	callCtx, cancel := a.withLLMTimeout(ctx)
	defer cancel()

	started := time.Now()
	interp, err := a.backend.Interpret(callCtx, query, history)
	a.observeLLM("interpret", err, time.Since(started))
	if err != nil {
		return nil, classifyInterpretError(a.cfg.Provider, err)
	}
	if interp == nil {
		return nil, xerrors.New(xerrors.CodeBackendFailure, fmt.Sprintf("%s returned an empty interpretation", a.cfg.Provider))
	}
	return interp, nil
}

func (a *Orchestrator) summarize(ctx context.Context, query string, history conversation.History, interp *llm.Interpretation, results []llm.FunctionResult) (string, error) {
	callCtx, cancel := a.withLLMTimeout(ctx)
	defer cancel()

	started := time.Now()
	text, err := a.backend.Summarize(callCtx, query, history, interp, results)
	a.observeLLM("summarize", err, time.Since(started))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSummarization, err, "generate final response")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return llm.EmptySummary, nil
	}
	return text, nil
}

func (a *Orchestrator) withLLMTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.llmTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.llmTimeout)
}

func (a *Orchestrator) observeLLM(phase string, err error, elapsed time.Duration) {
	if a.observer != nil {
		a.observer.ObserveLLMCall(string(a.cfg.Provider), phase, err, elapsed)
	}
}

func classifyInterpretError(provider llm.Provider, err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		if xerrors.HasCode(err, xerrors.CodeTimeout) {
			return err
		}
		return xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("%s interpretation timed out", provider))
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeBackendFailure, err, fmt.Sprintf("%s interpretation failed", provider))
}
