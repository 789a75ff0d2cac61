package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于 Redis list 的可靠队列：LPUSH 入队，BLMOVE 取出时同时放入 processing 列表，
// 处理完成后从 processing 中删除。进程异常退出留下的任务会在下次 Consume 时放回队列。
//
// 需要 Redis 6.2 及以上版本。多个实例共享同一个队列名时会互相回收对方在途的任务。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	wait       time.Duration
	log        *slog.Logger
}

// NewRedisQueue 创建 Redis 队列实例并探测连接。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "task_queue.redis.address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "connect redis "+cfg.Address)
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "chainai:tasks"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing",
		wait:       wait,
		log:        logger.Named("task.redis"),
	}
}

// Publish 将任务 ID 放入队列头部。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis publish")
	}
	return nil
}

// Consume 先回收上次遗留的在途任务，再启动 workerCount 个 worker 阻塞消费。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if err := q.recoverInflight(ctx); err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		group.Go(func() error { return q.work(groupCtx, handler) })
	}
	err := group.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for {
		taskID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis BLMOVE")
		}

		handlerErr := handler(ctx, taskID)
		if ctx.Err() != nil {
			// 保留在 processing 中，下次启动时回收。
			return ctx.Err()
		}
		if err := q.settle(context.WithoutCancel(ctx), taskID, handlerErr); err != nil {
			return err
		}
	}
}

// settle 从 processing 中删除任务，处理失败时同时放回队列尾部等待重试。
func (q *RedisQueue) settle(ctx context.Context, taskID string, handlerErr error) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, taskID)
		if handlerErr != nil {
			pipe.LPush(ctx, q.queue, taskID)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis settle task "+taskID)
	}
	if handlerErr != nil {
		q.log.Warn("任务处理失败，已重新入队", slog.String("task_id", taskID), slog.String("error", handlerErr.Error()))
	}
	return nil
}

func (q *RedisQueue) recoverInflight(ctx context.Context) error {
	recovered := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis recover in-flight tasks")
		}
		recovered++
	}
	if recovered > 0 {
		q.log.Info("已回收在途任务", slog.Int("count", recovered))
	}
	return nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
