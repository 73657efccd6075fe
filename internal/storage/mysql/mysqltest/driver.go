// Package mysqltest provides a scripted database/sql driver for exercising
// MySQL-backed code without a server. Each expected operation is consumed in
// order and SQL text is compared after whitespace normalization.
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
)

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (t operationType) String() string {
	switch t {
	case opExec:
		return "exec"
	case opQuery:
		return "query"
	case opBegin:
		return "begin"
	case opCommit:
		return "commit"
	case opRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Operation 是一条预期的数据库操作。
type Operation struct {
	typ    operationType
	query  string
	result Result
	rows   Rows
	err    error
	check  func(args []driver.NamedValue) error
}

// WithArgs 为操作附加参数断言。
func (op Operation) WithArgs(check func(args []driver.NamedValue) error) Operation {
	op.check = check
	return op
}

// Result 是 Exec 的返回值。
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// driverResult 将 Result 适配为 driver.Result。
type driverResult struct{ res Result }

// LastInsertId 实现 driver.Result。
func (r driverResult) LastInsertId() (int64, error) { return r.res.LastInsertID, nil }

// RowsAffected 实现 driver.Result。
func (r driverResult) RowsAffected() (int64, error) { return r.res.RowsAffected, nil }

// Rows 是 Query 的返回值。
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec 期望一次执行语句。
func Exec(query string, result Result) Operation {
	return Operation{typ: opExec, query: query, result: result}
}

// ExecErr 期望一次返回错误的执行语句。
func ExecErr(query string, err error) Operation {
	return Operation{typ: opExec, query: query, err: err}
}

// Query 期望一次查询。
func Query(query string, rows Rows) Operation {
	return Operation{typ: opQuery, query: query, rows: rows}
}

// Begin 期望开启事务。
func Begin() Operation { return Operation{typ: opBegin} }

// Commit 期望提交事务。
func Commit() Operation { return Operation{typ: opCommit} }

// Rollback 期望回滚事务。
func Rollback() Operation { return Operation{typ: opRollback} }

// Driver 按顺序消费预期操作。
type Driver struct {
	ops []Operation
	idx int32
}

var driverSeq atomic.Int32

// New 注册一个只服务于当前测试的驱动并打开连接。
func New(t *testing.T, ops ...Operation) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })
	return db, drv
}

// AssertConsumed 检查所有预期操作都已执行。
func (d *Driver) AssertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

// Open 实现 driver.Driver。
func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected operationType, query string, args []driver.NamedValue) (*Operation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %s %q", expected, Normalize(query))
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %s, got %s", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" {
		want := Normalize(op.query)
		got := Normalize(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	if op.check != nil {
		if err := op.check(args); err != nil {
			return nil, err
		}
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return driverResult{res: op.result}, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize 折叠 SQL 中的空白字符。
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

var (
	_ driver.ExecerContext  = (*conn)(nil)
	_ driver.QueryerContext = (*conn)(nil)
	_ driver.ConnBeginTx    = (*conn)(nil)
	_ driver.Pinger         = (*conn)(nil)
)
