// Package storagetest 提供按顺序校验 SQL 的 database/sql 驱动，用于后端单元测试。
package storagetest

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

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (o operationType) String() string {
	return [...]string{"exec", "query", "begin", "commit", "rollback"}[o]
}

// Operation 是预期的一次驱动调用。
type Operation struct {
	typ    operationType
	query  string
	result Result
	rows   Rows
	err    error
}

// WithError 让该操作返回 err。
func (o Operation) WithError(err error) Operation {
	o.err = err
	return o
}

// Result 是 Exec 的返回值。
type Result struct {
	InsertID int64
	Affected int64
}

func (r Result) LastInsertId() (int64, error) { return r.InsertID, nil }
func (r Result) RowsAffected() (int64, error) { return r.Affected, nil }

// Rows 是 Query 的返回值。
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec 预期一次 Exec。query 为空时不校验语句。
func Exec(query string, result Result) Operation {
	return Operation{typ: opExec, query: query, result: result}
}

// Query 预期一次 Query。
func Query(query string, rows Rows) Operation {
	return Operation{typ: opQuery, query: query, rows: rows}
}

// Begin 预期开启事务。
func Begin() Operation { return Operation{typ: opBegin} }

// Commit 预期提交事务。
func Commit() Operation { return Operation{typ: opCommit} }

// Rollback 预期回滚事务。
func Rollback() Operation { return Operation{typ: opRollback} }

// Driver 按顺序消费预期操作。
type Driver struct {
	mu   sync.Mutex
	ops  []Operation
	idx  int
	args [][]driver.NamedValue
}

var driverSeq atomic.Int32

// NewDB 注册一个新的驱动实例并打开连接池（单连接）。
func NewDB(t testing.TB, ops ...Operation) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("seqc-mock-%d", driverSeq.Add(1))
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

// AssertConsumed 校验全部预期操作都已发生。
func (d *Driver) AssertConsumed(t testing.TB) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", d.idx, len(d.ops))
	}
}

// Args 返回第 i 次 Exec/Query 的参数。
func (d *Driver) Args(i int) []driver.NamedValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.args) {
		return nil
	}
	return d.args[i]
}

func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected operationType, query string, args []driver.NamedValue) (*Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v %s", expected, NormalizeSQL(query))
	}
	op := &d.ops[d.idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v (%s)", op.typ, expected, NormalizeSQL(query))
	}
	d.idx++
	if expected == opExec || expected == opQuery {
		d.args = append(d.args, args)
	}
	if op.query != "" {
		want, got := NormalizeSQL(op.query), NormalizeSQL(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
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
	return op.result, nil
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

// NormalizeSQL 合并空白，便于比较语句。
func NormalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
