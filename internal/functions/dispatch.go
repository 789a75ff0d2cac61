package functions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ChainAI-Agent/internal/llm"
	"ChainAI-Agent/internal/web3"
	"ChainAI-Agent/pkg/logger"
)

const defaultParallelism = 8

// Registry 将函数名映射到函数表项，并负责调用的分发与聚合。
type Registry struct {
	specs       map[Name]*Spec
	chain       web3.Capabilities
	tokens      string
	parallelism int
	timeout     time.Duration
	now         func() time.Time
	observe     func(name string, status llm.Status, elapsed time.Duration)
}

// Option 自定义注册表。
type Option func(*Registry)

// WithTokenSymbols 设置追加到代币参数说明中的符号表。
func WithTokenSymbols(tokens string) Option {
	return func(r *Registry) {
		r.tokens = tokens
	}
}

// WithParallelism 限制同时执行的函数调用数量。
func WithParallelism(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// WithTimeout 设置单次函数调用的时限，0 表示不限。
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.timeout = d
		}
	}
}

// WithClock 替换 getCurrentTime 使用的时钟。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver 在每次调用结束后回调，用于记录指标。
func WithObserver(fn func(name string, status llm.Status, elapsed time.Duration)) Option {
	return func(r *Registry) {
		r.observe = fn
	}
}

// NewRegistry 创建绑定到指定链能力的注册表。chain 为 nil 时只能执行离线函数。
func NewRegistry(chain web3.Capabilities, opts ...Option) *Registry {
	r := &Registry{
		specs:       make(map[Name]*Spec, len(table)),
		chain:       chain,
		parallelism: defaultParallelism,
		now:         time.Now,
	}
	for _, spec := range table {
		r.specs[spec.Name] = spec
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ToolSpecs 返回全部函数的声明，供各后端转换为自身的工具格式。
func (r *Registry) ToolSpecs() []llm.ToolSpec {
	out := make([]llm.ToolSpec, 0, len(table))
	for _, spec := range table {
		out = append(out, llm.ToolSpec{
			Name:        string(spec.Name),
			Description: spec.Description,
			Parameters:  schema(spec.Params, r.tokens),
		})
	}
	return out
}

// Execute 校验参数并执行单个函数。任何失败都以 Failed 结果返回，不会返回错误或向外抛出 panic。
func (r *Registry) Execute(ctx context.Context, name string, raw json.RawMessage) (result llm.FunctionResult) {
	started := time.Now()
	log := logger.FromContext(ctx).With(slog.String("function", name))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("函数执行发生 panic", slog.Any("panic", rec))
			result = llm.Failed("%s failed: internal error", name)
		}
		if r.observe != nil {
			r.observe(name, result.Status, time.Since(started))
		}
	}()

	// 查找函数表项。
	spec, ok := r.specs[Name(name)]
	if !ok {
		log.Warn("模型请求了未知函数")
		return llm.Failed("unknown function %q", name)
	}

	// 解析并校验参数。
	decoded, err := decodeArgs(raw)
	if err != nil {
		return llm.Failed("%s: arguments are not a JSON object: %v", name, err)
	}
	args, err := bind(spec.Params, decoded)
	if err != nil {
		return llm.Failed("%s: %v", name, err)
	}
	if r.chain == nil && !spec.Offline {
		return llm.Failed("%s failed: blockchain capabilities are not configured", name)
	}

	// 调用链上能力。
	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	data, err := spec.Invoke(callCtx, Env{Chain: r.chain, Now: r.now}, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("函数执行超时", slog.Duration("timeout", r.timeout))
			return llm.Failed("%s timed out", name)
		}
		log.Info("函数执行失败", slog.String("error", err.Error()))
		return llm.Failed("%s failed: %v", name, err)
	}
	return llm.Succeeded(data)
}

// Dispatch 并发执行全部调用，结果与调用按下标一一对应。
func (r *Registry) Dispatch(ctx context.Context, calls []llm.ToolCall) []llm.FunctionResult {
	results := make([]llm.FunctionResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	var group errgroup.Group
	group.SetLimit(r.parallelism)
	for i, call := range calls {
		group.Go(func() error {
			results[i] = r.Execute(ctx, call.Name, call.Arguments)
			return nil
		})
	}
	_ = group.Wait()

	for i := range results {
		if results[i].Status == "" {
			results[i] = llm.Failed("%s produced no result", calls[i].Name)
		}
	}
	return results
}
