package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// 测试使用的脚本化驱动：按顺序声明预期的语句，驱动逐条核对并记录实参。

type stepKind string

const (
	stepExec     stepKind = "exec"
	stepQuery    stepKind = "query"
	stepBegin    stepKind = "begin"
	stepCommit   stepKind = "commit"
	stepRollback stepKind = "rollback"
)

type step struct {
	kind     stepKind
	sql      string
	insertID int64
	affected int64
	columns  []string
	values   [][]driver.Value
	err      error
	args     []driver.Value
}

func expectExec(sql string) *step  { return &step{kind: stepExec, sql: sql} }
func expectQuery(sql string) *step { return &step{kind: stepQuery, sql: sql} }
func expectBegin() *step           { return &step{kind: stepBegin} }
func expectCommit() *step          { return &step{kind: stepCommit} }
func expectRollback() *step        { return &step{kind: stepRollback} }

func (s *step) result(insertID, affected int64) *step {
	s.insertID, s.affected = insertID, affected
	return s
}

func (s *step) rows(columns []string, values ...[]driver.Value) *step {
	s.columns, s.values = columns, values
	return s
}

func (s *step) fails(err error) *step {
	s.err = err
	return s
}

type script struct {
	mu    sync.Mutex
	steps []*step
	next  int
}

var scriptSeq atomic.Int64

// openScript 注册一个只服务于当前测试的驱动，测试结束时检查脚本是否执行完毕。
func openScript(t *testing.T, steps ...*step) *sql.DB {
	t.Helper()
	s := &script{steps: steps}
	name := fmt.Sprintf("chainai-script-%d", scriptSeq.Add(1))
	sql.Register(name, s)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.next != len(s.steps) {
			t.Errorf("script finished at step %d of %d", s.next, len(s.steps))
		}
	})
	return db
}

func (s *script) Open(string) (driver.Conn, error) { return &scriptConn{script: s}, nil }

func (s *script) take(kind stepKind, query string, args []driver.NamedValue) (*step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.steps) {
		return nil, fmt.Errorf("unexpected %s %q", kind, squash(query))
	}
	st := s.steps[s.next]
	if st.kind != kind {
		return nil, fmt.Errorf("step %d: want %s, got %s", s.next, st.kind, kind)
	}
	if st.sql != "" && squash(st.sql) != squash(query) {
		return nil, fmt.Errorf("step %d: want %q, got %q", s.next, squash(st.sql), squash(query))
	}
	s.next++
	for _, arg := range args {
		st.args = append(st.args, arg.Value)
	}
	return st, st.err
}

type scriptConn struct {
	script *script
}

var (
	_ driver.ConnBeginTx    = (*scriptConn)(nil)
	_ driver.ExecerContext  = (*scriptConn)(nil)
	_ driver.QueryerContext = (*scriptConn)(nil)
	_ driver.Pinger         = (*scriptConn)(nil)
)

func (c *scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare is not scripted: %s", query)
}

func (c *scriptConn) Close() error { return nil }

func (c *scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.script.take(stepBegin, "", nil); err != nil {
		return nil, err
	}
	return scriptTx{script: c.script}, nil
}

func (c *scriptConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	st, err := c.script.take(stepExec, query, args)
	if err != nil {
		return nil, err
	}
	return scriptResult{insertID: st.insertID, affected: st.affected}, nil
}

func (c *scriptConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	st, err := c.script.take(stepQuery, query, args)
	if err != nil {
		return nil, err
	}
	return &scriptRows{columns: st.columns, values: st.values}, nil
}

func (c *scriptConn) Ping(context.Context) error { return nil }

type scriptTx struct {
	script *script
}

func (tx scriptTx) Commit() error {
	_, err := tx.script.take(stepCommit, "", nil)
	return err
}

func (tx scriptTx) Rollback() error {
	_, err := tx.script.take(stepRollback, "", nil)
	return err
}

type scriptResult struct {
	insertID int64
	affected int64
}

func (r scriptResult) LastInsertId() (int64, error) { return r.insertID, nil }
func (r scriptResult) RowsAffected() (int64, error) { return r.affected, nil }

type scriptRows struct {
	columns []string
	values  [][]driver.Value
	pos     int
}

func (r *scriptRows) Columns() []string { return r.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.pos])
	r.pos++
	return nil
}

func squash(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
