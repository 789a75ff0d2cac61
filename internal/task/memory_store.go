package task

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "ChainAI-Agent/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，进程退出后丢失。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 保存新任务，ID 重复时返回 ErrTaskConflict。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "task id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	task.CreatedAt = cmp.Or(task.CreatedAt, now)
	task.UpdatedAt = now
	task.Status = cmp.Or(task.Status, StatusPending)
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if task, ok := m.tasks[id]; ok {
		return cloneTask(task), nil
	}
	return nil, ErrTaskNotFound
}

// mutate 在写锁内修改任务，fn 返回错误时不更新时间戳。
func (m *MemoryStore) mutate(id string, fn func(*Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if err := fn(task); err != nil {
		return cloneTask(task), err
	}
	task.UpdatedAt = m.now().Unix()
	return cloneTask(task), nil
}

// Claim 将 pending 任务置为 running 并累加尝试次数。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	return m.mutate(id, func(task *Task) error {
		switch {
		case task.Done():
			return ErrTaskCompleted
		case task.Status == StatusRunning:
			return ErrTaskConflict
		case task.Attempts >= task.MaxRetries:
			return ErrTaskExhausted
		}
		task.Status = StatusRunning
		task.Attempts++
		return nil
	})
}

// MarkSucceeded 记录成功结果并清除上次的错误。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result Result) error {
	_, err := m.mutate(id, func(task *Task) error {
		task.Status = StatusSucceeded
		task.Result = &result
		task.LastError, task.ErrorCode = "", ""
		return nil
	})
	return err
}

// MarkFailed 记录失败原因，非终态失败会把任务放回 pending。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	_, err := m.mutate(id, func(task *Task) error {
		task.Status = StatusPending
		if terminal {
			task.Status = StatusFailed
		}
		task.LastError, task.ErrorCode = lastError, string(code)
		return nil
	})
	return err
}

// List 返回符合过滤条件的任务，按更新时间排序后分页。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()

	m.mu.RLock()
	var matched []*Task
	for _, task := range m.tasks {
		if opts.matches(task) {
			matched = append(matched, cloneTask(task))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *Task) int {
		order := cmp.Or(
			cmp.Compare(b.UpdatedAt, a.UpdatedAt),
			cmp.Compare(b.CreatedAt, a.CreatedAt),
			strings.Compare(b.ID, a.ID),
		)
		if opts.Order == SortByUpdatedAsc {
			return -order
		}
		return order
	})

	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[opts.Offset:]
	return matched[:min(len(matched), opts.Limit)], nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围，忽略分页参数。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats TaskStats
	for _, task := range m.tasks {
		if opts.matches(task) {
			stats.add(task)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
