package task

import (
	"context"
	"fmt"
	"time"

	"ChainAI-Agent/internal/config"
	xerrors "ChainAI-Agent/internal/errors"
	storage "ChainAI-Agent/internal/storage/mysql"
)

// NewStoreFromConfig 按驱动名创建任务存储。
func NewStoreFromConfig(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "mysql":
		return NewMySQLStore(ctx, storage.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.ConnMaxIdleTime(),
			PingAttempts:    cfg.PingAttempts,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("unknown task store driver %q", cfg.Driver))
	}
}

// NewQueueFromConfig 按驱动名创建任务队列。
func NewQueueFromConfig(ctx context.Context, cfg config.TaskQueueConfig) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return NewRedisQueue(ctx, RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return NewRabbitMQQueue(ctx, RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("unknown task queue driver %q", cfg.Driver))
	}
}
