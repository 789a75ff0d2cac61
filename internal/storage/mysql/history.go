package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxMemoryRecords 是文件仓库在内存中保留的记录数。
const maxMemoryRecords = 512

// QueryRecord 是一次查询的审计记录，不包含任何调用方凭据。
type QueryRecord struct {
	ID            int64  `json:"id"`
	RequestID     string `json:"requestId,omitempty"`
	Query         string `json:"query"`
	Provider      string `json:"provider"`
	ChainID       int64  `json:"chainId"`
	FunctionCalls int    `json:"functionCalls"`
	HasErrors     bool   `json:"hasErrors"`
	FinalResponse string `json:"finalResponse,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	DurationMS    int64  `json:"durationMs"`
	CreatedAt     int64  `json:"createdAt"`
}

// HistoryRepository 抽象查询历史的持久化。
type HistoryRepository interface {
	Save(ctx context.Context, record *QueryRecord) error
	ListLatest(ctx context.Context, limit int) ([]QueryRecord, error)
	Close() error
}

// MemoryHistoryRepository 将记录追加写入本地 JSON Lines 文件，并在内存中保留最近的记录。
type MemoryHistoryRepository struct {
	mu       sync.RWMutex
	dataFile string
	nextID   int64
	records  []QueryRecord
}

// NewMemoryHistoryRepository 创建文件仓库并恢复已有记录。
func NewMemoryHistoryRepository(dataDir string) (*MemoryHistoryRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryHistoryRepository{dataFile: filepath.Join(dataDir, "history.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录查询。
func (m *MemoryHistoryRepository) Save(_ context.Context, record *QueryRecord) error {
	if record == nil {
		return fmt.Errorf("查询记录不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	record.ID = m.nextID

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化查询记录失败: %w", err)
	}

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开历史文件失败: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入历史文件失败: %w", err)
	}

	m.records = append([]QueryRecord{*record}, m.records...)
	if len(m.records) > maxMemoryRecords {
		m.records = m.records[:maxMemoryRecords]
	}
	return nil
}

// ListLatest 按时间倒序返回最近的记录，limit 不大于 0 时返回全部。
func (m *MemoryHistoryRepository) ListLatest(_ context.Context, limit int) ([]QueryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]QueryRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 对文件仓库无需操作。
func (m *MemoryHistoryRepository) Close() error { return nil }

func (m *MemoryHistoryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取历史文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []QueryRecord
	for scanner.Scan() {
		var record QueryRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.ID > m.nextID {
			m.nextID = record.ID
		}
		restored = append([]QueryRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析历史文件失败: %w", err)
	}

	if len(restored) > maxMemoryRecords {
		restored = restored[:maxMemoryRecords]
	}
	m.records = restored
	return nil
}

// SQLHistoryRepository 将查询历史写入 MySQL。
type SQLHistoryRepository struct {
	db *sql.DB
}

// NewSQLHistoryRepository 打开连接池并执行迁移。
func NewSQLHistoryRepository(ctx context.Context, cfg Config) (*SQLHistoryRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLHistoryRepository{db: db}, nil
}

const insertHistorySQL = `INSERT INTO query_history
    (request_id, query, provider, chain_id, function_calls, has_errors, final_response, error_code, duration_ms, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectHistorySQL = `SELECT id, request_id, query, provider, chain_id, function_calls, has_errors, final_response, error_code, duration_ms, created_at
    FROM query_history ORDER BY created_at DESC, id DESC LIMIT ?`

// Save 写入一条查询记录并回填自增 ID。
func (s *SQLHistoryRepository) Save(ctx context.Context, record *QueryRecord) error {
	if record == nil {
		return fmt.Errorf("查询记录不能为空")
	}
	res, err := s.db.ExecContext(ctx, insertHistorySQL,
		record.RequestID,
		record.Query,
		record.Provider,
		record.ChainID,
		record.FunctionCalls,
		record.HasErrors,
		record.FinalResponse,
		record.ErrorCode,
		record.DurationMS,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("写入查询历史失败: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListLatest 查询最近的若干条记录。
func (s *SQLHistoryRepository) ListLatest(ctx context.Context, limit int) ([]QueryRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, selectHistorySQL, limit)
	if err != nil {
		return nil, fmt.Errorf("查询历史记录失败: %w", err)
	}
	defer rows.Close()

	var records []QueryRecord
	for rows.Next() {
		var record QueryRecord
		if err := rows.Scan(
			&record.ID,
			&record.RequestID,
			&record.Query,
			&record.Provider,
			&record.ChainID,
			&record.FunctionCalls,
			&record.HasErrors,
			&record.FinalResponse,
			&record.ErrorCode,
			&record.DurationMS,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析历史记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历历史记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLHistoryRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewHistoryRepository 按驱动名称创建仓库，driver 为 memory 或 mysql。
func NewHistoryRepository(ctx context.Context, driver string, cfg Config, dataDir string) (HistoryRepository, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryHistoryRepository(dataDir)
	case "mysql":
		return NewSQLHistoryRepository(ctx, cfg)
	default:
		return nil, fmt.Errorf("不支持的历史存储驱动 %q", driver)
	}
}
