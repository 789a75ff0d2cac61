package task

import (
	"context"

	xerrors "ChainAI-Agent/internal/errors"
)

// Store 持久化任务状态。实现需要保证 Claim 的原子性：同一任务同一时刻只会被一个 worker 领取。
//
// MarkFailed 在 terminal 为假时把任务放回 pending 等待重投，为真时进入 failed 终态。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result Result) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}

// Handler 处理一条任务 ID，返回错误时由队列负责重新投递。
type Handler func(ctx context.Context, taskID string) error

// Producer 投递任务 ID。队列里只有 ID，任务内容以 Store 为准。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个并发消费任务，阻塞直到 ctx 结束或队列关闭。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是 memory、redis 与 rabbitmq 三种驱动共同实现的接口。
type Queue interface {
	Producer
	Consumer
}
