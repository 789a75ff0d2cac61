package task

import (
	"cmp"
	"context"
	stdErrors "errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/query"
	"ChainAI-Agent/pkg/logger"
)

// Observer 接收任务生命周期事件，用于指标统计。
type Observer interface {
	ObserveTask(event string)
}

// 任务生命周期事件
const (
	EventSubmitted = "submitted"
	EventSucceeded = "succeeded"
	EventRetried   = "retried"
	EventFailed    = "failed"
)

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	preflight  func(query.Request) error
	observer   Observer
	newID      func() string
}

// ServiceOption 自定义任务服务。
type ServiceOption func(*Service)

// WithPreflight 设置入队前的检查，通常用于确认服务端具备执行所需的凭据。
func WithPreflight(check func(query.Request) error) ServiceOption {
	return func(s *Service) {
		s.preflight = check
	}
}

// WithObserver 设置生命周期事件的观察者。
func WithObserver(observer Observer) ServiceOption {
	return func(s *Service) {
		s.observer = observer
	}
}

// NewService 构造任务服务，maxRetries 为单个任务的最大执行次数。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries, newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 校验请求、落库并投递到队列。sub.ID 非空时提交是幂等的：ID 已存在则直接返回已有任务。
func (s *Service) Submit(ctx context.Context, sub Submission) (*Task, error) {
	if err := s.ready(s.producer != nil); err != nil {
		return nil, err
	}
	req, err := s.admit(sub.Request)
	if err != nil {
		return nil, err
	}

	taskID := strings.TrimSpace(sub.ID)
	if taskID == "" {
		taskID = s.newID()
	} else if existing, found, err := s.lookup(ctx, taskID); err != nil || found {
		return existing, err
	}

	task := &Task{ID: taskID, Request: req, Status: StatusPending, MaxRetries: s.maxRetries}
	if err := s.store.Create(ctx, task); err != nil {
		// 并发提交同一 ID 时以先写入者为准。
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, found, _ := s.lookup(ctx, taskID); found {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		publishErr := xerrors.Wrap(CodeTaskPublish, err, "publish task")
		logger.L().Error("任务入队失败", slog.String("task_id", taskID), slog.Any("error", err))
		_ = s.store.MarkFailed(context.WithoutCancel(ctx), taskID, CodeTaskPublish, publishErr.Error(), true)
		return nil, publishErr
	}

	if s.observer != nil {
		s.observer.ObserveTask(EventSubmitted)
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("backend", req.Options.Backend),
		slog.Int64("chain_id", req.Options.ChainID),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// admit 规范化请求并执行入队前检查，返回的请求已去除全部凭据。
func (s *Service) admit(req query.Request) (query.Request, error) {
	req.Query = strings.TrimSpace(req.Query)
	switch {
	case req.Query == "":
		return req, xerrors.New(CodeTaskValidation, "query is required")
	case req.HasSecrets():
		return req, xerrors.New(CodeTaskValidation, "async tasks must not carry credentials; configure server-side keys instead")
	}
	req.Options.Context = conversation.Normalize(req.Options.Context)
	if err := conversation.Validate(req.Options.Context); err != nil {
		return req, err
	}
	if s.preflight != nil {
		if err := s.preflight(req); err != nil {
			return req, err
		}
	}
	return req.WithoutSecrets(), nil
}

func (s *Service) lookup(ctx context.Context, id string) (*Task, bool, error) {
	task, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		return task, true, nil
	case stdErrors.Is(err, ErrTaskNotFound):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

func (s *Service) ready(extra ...bool) error {
	if s.store == nil || slices.Contains(extra, false) {
		return xerrors.New(xerrors.CodeInitializationFailure, "task service is not initialized")
	}
	return nil
}

// Get 返回单个任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// List 按过滤条件列出任务。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 按过滤条件统计任务。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if err := s.ready(); err != nil {
		return TaskStats{}, err
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	var storeErr, queueErr error
	if s.store != nil {
		storeErr = s.store.Close()
	}
	if s.producer != nil {
		queueErr = s.producer.Close()
	}
	return stdErrors.Join(storeErr, queueErr)
}

// WaitUntilCompleted 每隔 interval 读取一次任务，直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	ticker := time.NewTicker(cmp.Or(max(interval, 0), 500*time.Millisecond))
	defer ticker.Stop()

	for {
		if task, err := s.Get(ctx, id); err != nil || task.Done() {
			return task, err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
