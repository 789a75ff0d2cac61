package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/observability/alerting"
	"ChainAI-Agent/internal/query"
	"ChainAI-Agent/pkg/logger"
)

// Executor 执行一次查询，由 query.Service 实现。
type Executor interface {
	Handle(ctx context.Context, req query.Request) (*query.Result, error)
}

// Processor 负责从队列消费任务并交给查询服务执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observer    Observer
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器，任务最终失败时发送告警。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithTaskObserver 配置生命周期事件观察者。
func WithTaskObserver(observer Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = observer
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 重新投递遗留的 pending 任务后启动处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "task processor is not initialized")
	}
	p.resume(ctx)
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// resume 处理上次运行中已入库但未被消费的任务。
func (p *Processor) resume(ctx context.Context) {
	if p.producer == nil {
		return
	}
	pending, err := p.store.List(ctx, BuildListOptions(WithStatuses(StatusPending), WithLimit(100), WithSortOrder(SortByUpdatedAsc)))
	if err != nil {
		p.logger.Warn("读取待处理任务失败", slog.String("error", err.Error()))
		return
	}
	for _, task := range pending {
		if err := p.producer.Publish(ctx, task.ID); err != nil {
			p.logger.Warn("重新投递任务失败", slog.String("task_id", task.ID), slog.String("error", err.Error()))
			return
		}
	}
	if len(pending) > 0 {
		p.logger.Info("已重新投递待处理任务", slog.Int("count", len(pending)))
	}
}

// skippable 是领取任务时可以安全忽略的错误：任务已被处理、已耗尽重试或正被其他 worker 执行。
var skippable = []error{ErrTaskNotFound, ErrTaskCompleted, ErrTaskExhausted, ErrTaskConflict}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if slices.ContainsFunc(skippable, func(target error) bool { return stdErrors.Is(err, target) }) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.String("task_id", taskID), slog.Any("error", err))
		return err
	}

	// 任务 ID 同时作为请求 ID，便于关联查询历史。
	runCtx := logger.WithContext(query.WithRequestID(ctx, task.ID), p.logger.With(slog.String("task_id", task.ID)))
	result, execErr := p.executor.Handle(runCtx, task.Request)
	if execErr != nil {
		return p.fail(ctx, task, execErr)
	}

	record := resultOf(result)
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		p.logger.Error("保存任务结果失败", slog.String("task_id", task.ID), slog.Any("error", err))
		return err
	}
	p.observe(EventSucceeded)
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("provider", record.Provider),
		slog.Int64("chain_id", record.ChainID),
		slog.Bool("has_errors", record.HasErrors),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

func resultOf(result *query.Result) Result {
	if result == nil {
		return Result{}
	}
	record := Result{RequestID: result.RequestID, Provider: string(result.Provider), ChainID: result.ChainID}
	if result.Outcome != nil {
		record.Outcome = *result.Outcome
	}
	return record
}

// failure 是一次执行失败的处理决定。
type failure struct {
	code     xerrors.Code
	terminal bool
	// stage 只在 terminal 时有意义：exhausted 或 non_retryable。
	stage string
}

func classify(task *Task, execErr error) failure {
	f := failure{code: xerrors.CodeOf(execErr)}
	if f.code == xerrors.CodeUnknown {
		f.code = CodeTaskProcessing
	}
	switch {
	case !xerrors.RetryableError(execErr):
		f.terminal, f.stage = true, "non_retryable"
	case task.Attempts >= task.MaxRetries:
		f.terminal, f.stage = true, "exhausted"
	}
	return f
}

func (p *Processor) fail(ctx context.Context, task *Task, execErr error) error {
	// 进程退出导致的中断不计为失败，任务回到 pending 等待下次启动时重新投递。
	if ctx.Err() != nil {
		_ = p.store.MarkFailed(context.WithoutCancel(ctx), task.ID, xerrors.CodeTimeout, execErr.Error(), false)
		return ctx.Err()
	}

	f := classify(task, execErr)
	if err := p.store.MarkFailed(ctx, task.ID, f.code, execErr.Error(), f.terminal); err != nil {
		p.logger.Error("保存任务失败状态出错", slog.String("task_id", task.ID), slog.Any("error", err))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("error_code", string(f.code)),
		slog.String("error", execErr.Error()),
		slog.Bool("terminal", f.terminal),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if f.terminal {
		p.observe(EventFailed)
		p.emitAlert(ctx, task, f.code, execErr, f.stage)
		return nil
	}
	p.observe(EventRetried)
	if err := p.producer.Publish(ctx, task.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("requeue task %s", task.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) observe(event string) {
	if p.observer != nil {
		p.observer.ObserveTask(event)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata: map[string]string{
			"stage":   stage,
			"backend": task.Request.Options.Backend,
		},
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
