package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ChainAI-Agent/internal/errors"
	storage "ChainAI-Agent/internal/storage/mysql"
)

// mysqlDuplicateEntry 是 MySQL 主键冲突的错误号。
const mysqlDuplicateEntry = 1062

const (
	taskColumns = `id, payload, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at`

	insertTaskSQL = `INSERT INTO task_states
		(id, payload, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', '', ?, ?)`
	selectTaskSQL    = `SELECT ` + taskColumns + ` FROM task_states WHERE id = ?`
	claimTaskSQL     = `UPDATE task_states SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`
	succeedTaskSQL   = `UPDATE task_states SET status = ?, result = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	failTaskSQL      = `UPDATE task_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	taskStatsColumns = `COUNT(*),
		COALESCE(SUM(status = 'pending'), 0),
		COALESCE(SUM(status = 'running'), 0),
		COALESCE(SUM(status = 'succeeded'), 0),
		COALESCE(SUM(status = 'failed'), 0),
		COALESCE(MIN(updated_at), 0),
		COALESCE(MAX(updated_at), 0)`
)

// MySQLStore 把任务保存在 task_states 表中，适合多实例共享任务状态。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 打开连接池并执行迁移。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open task store")
	}
	if err := storage.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "migrate task store")
	}
	return NewMySQLStoreWithDB(db), nil
}

// NewMySQLStoreWithDB 复用已有连接池，不执行迁移。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Create 写入新任务，ID 已存在时返回 ErrTaskConflict。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	switch {
	case task == nil:
		return xerrors.New(xerrors.CodeInvalidArgument, "task must not be nil")
	case strings.TrimSpace(task.ID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "task id must not be empty")
	}
	payload, err := json.Marshal(task.Request)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode task payload")
	}
	task.CreatedAt = s.now().Unix()
	task.UpdatedAt = task.CreatedAt
	if task.Status == "" {
		task.Status = StatusPending
	}

	_, err = s.db.ExecContext(ctx, insertTaskSQL,
		task.ID, string(payload), string(task.Status), task.Attempts, task.MaxRetries, task.CreatedAt, task.UpdatedAt)
	var mysqlErr *mysql.MySQLError
	switch {
	case err == nil:
		return nil
	case stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry:
		return ErrTaskConflict
	default:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert task")
	}
}

// Get 读取单个任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	return s.load(ctx, s.db, id, selectTaskSQL)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *MySQLStore) load(ctx context.Context, q rowQueryer, id, stmt string) (*Task, error) {
	task, err := scanTask(q.QueryRowContext(ctx, stmt, id))
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		return nil, ErrTaskNotFound
	case err != nil:
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query task "+id)
	}
	return task, nil
}

// Claim 在事务中锁定任务行，只有 pending 且仍有重试次数的任务会被置为 running。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin claim")
	}
	defer func() { _ = tx.Rollback() }()

	task, err := s.load(ctx, tx, id, selectTaskSQL+" FOR UPDATE")
	if err != nil {
		return nil, err
	}
	if err := claimable(task); err != nil {
		return task, err
	}

	now := s.now().Unix()
	if _, err := tx.ExecContext(ctx, claimTaskSQL, string(StatusRunning), now, id); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim task "+id)
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit claim")
	}
	task.Status = StatusRunning
	task.Attempts++
	task.UpdatedAt = now
	return task, nil
}

// claimable 判断任务当前能否被领取。
func claimable(task *Task) error {
	switch {
	case task.Done():
		return ErrTaskCompleted
	case task.Status == StatusRunning:
		return ErrTaskConflict
	case task.Attempts >= task.MaxRetries:
		return ErrTaskExhausted
	case task.Status != StatusPending:
		return ErrTaskConflict
	}
	return nil
}

// MarkSucceeded 保存执行结果并清空错误信息。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode task result")
	}
	return s.update(ctx, "mark task succeeded", succeedTaskSQL, string(StatusSucceeded), string(encoded), s.now().Unix(), id)
}

// MarkFailed 记录失败原因，terminal 为假时任务回到 pending 等待重试。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	return s.update(ctx, "mark task failed", failTaskSQL, string(status), lastError, string(code), s.now().Unix(), id)
}

// update 执行单行更新，没有命中任何行时返回 ErrTaskNotFound。
func (s *MySQLStore) update(ctx context.Context, op, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, op)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 按过滤条件分页列出任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()
	where, args := buildFilterClause(opts)

	direction := "DESC"
	if opts.Order == SortByUpdatedAsc {
		direction = "ASC"
	}
	stmt := fmt.Sprintf("SELECT %s FROM task_states%s ORDER BY updated_at %[3]s, created_at %[3]s, id %[3]s LIMIT ? OFFSET ?",
		taskColumns, whereSQL(where), direction)

	rows, err := s.db.QueryContext(ctx, stmt, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan task")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate tasks")
	}
	return tasks, nil
}

// Stats 统计符合过滤条件的任务，分页参数不参与统计。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()
	where, args := buildFilterClause(opts)

	var stats TaskStats
	err := s.db.QueryRowContext(ctx, "SELECT "+taskStatsColumns+" FROM task_states"+whereSQL(where), args...).Scan(
		&stats.Total, &stats.Pending, &stats.Running, &stats.Succeeded, &stats.Failed,
		&stats.OldestUpdatedAt, &stats.NewestUpdatedAt,
	)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "task stats")
	}
	return stats, nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task                Task
		payload, status     string
		lastError, resultJS sql.NullString
	)
	err := row.Scan(&task.ID, &payload, &status, &task.Attempts, &task.MaxRetries,
		&lastError, &task.ErrorCode, &resultJS, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	if err := json.Unmarshal([]byte(payload), &task.Request); err != nil {
		return nil, fmt.Errorf("decode payload of task %s: %w", task.ID, err)
	}
	if strings.TrimSpace(resultJS.String) == "" {
		return &task, nil
	}
	task.Result = &Result{}
	if err := json.Unmarshal([]byte(resultJS.String), task.Result); err != nil {
		return nil, fmt.Errorf("decode result of task %s: %w", task.ID, err)
	}
	return &task, nil
}

// sqlFilter 累积 WHERE 条件与对应参数。
type sqlFilter struct {
	conds []string
	args  []any
}

func (f *sqlFilter) add(cond string, args ...any) {
	f.conds = append(f.conds, cond)
	f.args = append(f.args, args...)
}

func buildFilterClause(opts ListOptions) (string, []any) {
	var f sqlFilter
	if n := len(opts.Statuses); n > 0 {
		args := make([]any, n)
		for i, status := range opts.Statuses {
			args[i] = string(status)
		}
		f.add("status IN ("+strings.TrimSuffix(strings.Repeat("?,", n), ",")+")", args...)
	}
	if opts.UpdatedGTE > 0 {
		f.add("updated_at >= ?", opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		f.add("updated_at <= ?", opts.UpdatedLTE)
	}
	switch {
	case opts.HasResult == nil:
	case *opts.HasResult:
		f.add("(result IS NOT NULL AND result <> '')")
	default:
		f.add("(result IS NULL OR result = '')")
	}
	if opts.Query != "" {
		like := "%" + opts.Query + "%"
		f.add("(id LIKE ? OR payload LIKE ? OR last_error LIKE ? OR result LIKE ?)", like, like, like, like)
	}
	return strings.Join(f.conds, " AND "), f.args
}

func whereSQL(clause string) string {
	if clause == "" {
		return ""
	}
	return " WHERE " + clause
}

var _ Store = (*MySQLStore)(nil)
