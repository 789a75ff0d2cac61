package mysql

import (
	"cmp"
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	// 注册 mysql 驱动。
	_ "github.com/go-sql-driver/mysql"

	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/pkg/logger"
)

// Config 描述 MySQL 连接池。零值字段使用 Open 中的默认值。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// PingAttempts 是启动时探测连接的次数，数据库容器晚于服务就绪时有用。
	PingAttempts int
}

// Open 创建连接池并确认数据库可达，探测失败时按指数退避重试。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "mysql dsn is required")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "parse mysql dsn")
	}
	db.SetMaxOpenConns(cmp.Or(max(cfg.MaxOpenConns, 0), 20))
	db.SetMaxIdleConns(cmp.Or(max(cfg.MaxIdleConns, 0), 10))
	db.SetConnMaxLifetime(cmp.Or(max(cfg.ConnMaxLifetime, 0), 30*time.Minute))
	db.SetConnMaxIdleTime(max(cfg.ConnMaxIdleTime, 0))

	if err := ping(ctx, db, max(cfg.PingAttempts, 1)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ping(ctx context.Context, db *sql.DB, attempts int) error {
	backoff := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		if attempt == attempts {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mysql is unreachable")
		}
		logger.Named("storage").Warn("MySQL 暂不可用，稍后重试",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}
