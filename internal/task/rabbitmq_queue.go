package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现任务队列。发布走独立的 confirm 模式 channel，
// 只有 broker 确认后 Publish 才返回。
type RabbitMQQueue struct {
	conn       *amqp.Connection
	publish    *amqp.Channel
	consume    *amqp.Channel
	queue      string
	persistent bool
	log        *slog.Logger
}

// NewRabbitMQQueue 连接 broker、声明队列并打开发布与消费 channel。
func NewRabbitMQQueue(ctx context.Context, cfg RabbitMQConfig) (q *RabbitMQQueue, err error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "task_queue.rabbitmq.url is required")
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": "chainaid"},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "connect rabbitmq")
	}
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	q = &RabbitMQQueue{conn: conn, queue: cfg.Queue, persistent: cfg.Durable, log: logger.Named("task.rabbitmq")}
	if q.queue == "" {
		q.queue = "chainai.tasks"
	}
	if q.publish, err = conn.Channel(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "open rabbitmq publish channel")
	}
	if err = q.publish.Confirm(false); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "enable rabbitmq publisher confirms")
	}
	if _, err = q.publish.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "declare rabbitmq queue "+q.queue)
	}
	if q.consume, err = conn.Channel(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "open rabbitmq consume channel")
	}
	if cfg.Prefetch > 0 {
		if err = q.consume.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "set rabbitmq prefetch")
		}
	}
	q.log.Debug("RabbitMQ 队列已就绪", slog.String("queue", q.queue), slog.Bool("durable", cfg.Durable))
	return q, nil
}

// Publish 投递任务 ID 并等待 broker 确认。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	msg := amqp.Publishing{
		ContentType: "text/plain",
		MessageId:   taskID,
		AppId:       "chainai",
		Timestamp:   time.Now(),
		Body:        []byte(taskID),
	}
	if q.persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	confirm, err := q.publish.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, msg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "rabbitmq publish")
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "rabbitmq publish confirm")
	}
	if !acked {
		return xerrors.New(xerrors.CodeQueueFailure, "rabbitmq broker rejected task "+taskID)
	}
	return nil
}

// Consume 以手动确认模式消费，处理失败的消息 Nack 后由 broker 重新投递。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	deliveries, err := q.consume.ConsumeWithContext(ctx, q.queue, "chainaid", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "subscribe rabbitmq queue "+q.queue)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return groupCtx.Err()
				case msg, ok := <-deliveries:
					if !ok {
						return xerrors.New(xerrors.CodeQueueFailure, "rabbitmq delivery channel closed")
					}
					q.deliver(groupCtx, msg, handler)
				}
			}
		})
	}
	err = group.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (q *RabbitMQQueue) deliver(ctx context.Context, msg amqp.Delivery, handler Handler) {
	taskID := string(msg.Body)
	if err := handler(ctx, taskID); err != nil {
		q.log.Warn("任务处理失败，消息重新投递",
			slog.String("task_id", taskID),
			slog.Bool("redelivered", msg.Redelivered),
			slog.String("error", err.Error()))
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	var errs []error
	for _, ch := range []*amqp.Channel{q.consume, q.publish} {
		if ch != nil {
			errs = append(errs, ch.Close())
		}
	}
	if err := q.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ Queue = (*RabbitMQQueue)(nil)
