package mysql

import (
	"context"
	"database/sql"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"ChainAI-Agent/deploy/migrations"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/pkg/logger"
)

var migrationFS fs.FS = migrations.Files

const (
	createVersionTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`
	selectVersionsSQL = `SELECT version FROM schema_migrations`
	insertVersionSQL  = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

// migration 是一个版本的迁移脚本，按分号拆分为多条语句。
type migration struct {
	version    string
	file       string
	statements []string
}

// Migrate 按版本顺序执行尚未应用的内嵌迁移，每个版本一个事务。
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createVersionTableSQL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create schema_migrations")
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	pending, err := embeddedMigrations()
	if err != nil {
		return err
	}

	log := logger.Named("storage")
	for _, m := range pending {
		if done[m.version] {
			continue
		}
		if err := m.apply(ctx, db); err != nil {
			return err
		}
		log.Info("已应用数据库迁移", slog.String("version", m.version), slog.String("file", m.file))
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, selectVersionsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read schema_migrations")
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan schema_migrations")
		}
		done[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read schema_migrations")
	}
	return done, nil
}

func (m migration) apply(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin migration "+m.version)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "apply migration "+m.file)
		}
	}
	if _, err = tx.ExecContext(ctx, insertVersionSQL, m.version, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record migration "+m.version)
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit migration "+m.version)
	}
	return nil
}

// embeddedMigrations 读取全部 *.sql 并按版本排序。
func embeddedMigrations() ([]migration, error) {
	names, err := fs.Glob(migrationFS, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list migrations")
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read migration "+name)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		out = append(out, migration{version: migrationVersion(name), file: name, statements: statements})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].version != out[j].version {
			return out[i].version < out[j].version
		}
		return out[i].file < out[j].file
	})
	return out, nil
}

func splitStatements(content string) []string {
	parts := strings.Split(content, ";")
	statements := parts[:0]
	for _, part := range parts {
		if stmt := strings.TrimSpace(part); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

// migrationVersion 取文件名中第一个下划线或扩展名之前的部分。
func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if version, _, ok := strings.Cut(base, "_"); ok && version != "" {
		return version
	}
	return base
}
