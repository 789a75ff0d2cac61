package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"ChainAI-Agent/internal/agent"
	"ChainAI-Agent/internal/api"
	"ChainAI-Agent/internal/config"
	"ChainAI-Agent/internal/observability/alerting"
	"ChainAI-Agent/internal/observability/metrics"
	"ChainAI-Agent/internal/query"
	"ChainAI-Agent/internal/storage/mysql"
	"ChainAI-Agent/internal/task"
	"ChainAI-Agent/internal/web3/provider"
	"ChainAI-Agent/pkg/logger"
)

// main 是 ChainAI 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chainaid 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.LoggerConfig()); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("chainaid")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 每条链建立一个长连接 RPC 客户端。
	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()
	for _, info := range chains.Chains() {
		log.Info("链已就绪",
			slog.String("name", info.Name),
			slog.Int64("chain_id", info.ChainID),
			slog.Bool("explorer", info.Explorer),
			slog.Bool("default", info.Default))
	}

	history, err := mysql.NewHistoryRepository(ctx, cfg.Storage.History.Driver, mysql.Config{
		DSN:             cfg.Storage.History.DSN,
		MaxOpenConns:    cfg.Storage.History.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.History.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.History.ConnMaxLifetime(),
		ConnMaxIdleTime: cfg.Storage.History.ConnMaxIdleTime(),
		PingAttempts:    cfg.Storage.History.PingAttempts,
	}, cfg.Runtime.DataDir)
	if err != nil {
		return err
	}
	defer history.Close()

	m := metrics.New()
	queries := query.NewService(cfg.LLM, cfg.Agent, chains,
		query.WithHistory(history),
		query.WithAgentOptions(agent.WithObserver(m)),
	)

	store, err := task.NewStoreFromConfig(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return err
	}
	queue, err := task.NewQueueFromConfig(ctx, cfg.TaskQueue)
	if err != nil {
		_ = store.Close()
		return err
	}
	tasks := task.NewService(store, queue, cfg.Storage.TaskStore.Retries,
		task.WithPreflight(queries.CanRunUnattended),
		task.WithObserver(m),
	)
	defer func() {
		if err := tasks.Close(); err != nil {
			log.Warn("关闭任务资源失败", slog.String("error", err.Error()))
		}
	}()

	processor := task.NewProcessor(queries, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithAlertDispatcher(alerting.NewFromConfig(cfg.Observability.Alerting)),
		task.WithTaskObserver(m),
	)

	serverOpts := []api.Option{
		api.WithTaskService(tasks),
		api.WithRequestTimeout(cfg.Server.RequestTimeout()),
	}
	if cfg.Observability.MetricsAddress == "" {
		serverOpts = append(serverOpts, api.WithMetrics(m))
	}
	server := api.NewServer(cfg.Server.Address, queries, serverOpts...)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCanceled(processor.Start(groupCtx))
	})
	if addr := cfg.Observability.MetricsAddress; addr != "" {
		group.Go(func() error {
			return ignoreCanceled(m.StartServer(groupCtx, addr))
		})
	}
	group.Go(func() error {
		log.Info("组件已就绪", slog.String("queue", cfg.TaskQueue.Driver), slog.String("task_store", cfg.Storage.TaskStore.Driver))
		return ignoreCanceled(server.Start(groupCtx))
	})
	return group.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
