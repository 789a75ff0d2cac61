package task

import (
	"cmp"
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "ChainAI-Agent/internal/errors"
)

// ErrQueueClosed 表示内存队列已关闭。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "task queue is closed")

// MemoryQueue 是基于带缓冲 channel 的进程内队列，重启后队列内容丢失，
// 由 Processor 启动时从存储中重新投递 pending 任务。
type MemoryQueue struct {
	pending chan string
	closed  chan struct{}
	once    sync.Once
}

// NewMemoryQueue 创建容量为 size 的内存队列，size 非正时取 64。
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{
		pending: make(chan string, cmp.Or(max(size, 0), 64)),
		closed:  make(chan struct{}),
	}
}

// Publish 入队，队列满时阻塞直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	select {
	case q.pending <- taskID:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 启动 workerCount 个 worker，直到 ctx 结束或队列关闭才返回。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		group.Go(func() error { return q.work(groupCtx, handler) })
	}
	if err := group.Wait(); ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return ErrQueueClosed
		case taskID := <-q.pending:
			if handler(ctx, taskID) == nil || ctx.Err() != nil {
				continue
			}
			// 失败的任务放回队列，队列已满时丢弃，存储中的状态仍为 pending。
			select {
			case q.pending <- taskID:
			default:
			}
		}
	}
}

func (q *MemoryQueue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Close 关闭队列，正在运行的 Consume 随之返回。可重复调用。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
