// Package dbtest provides an in-memory database/sql driver so code built on
// the pool manager can be tested without PostgreSQL.
package dbtest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"io"
	"sync"
)

// DriverName is the name the fake driver is registered under
const DriverName = "fakepg"

// ProbeQuery is exempt from SetFailQueries so liveness stays green while
// foreground statements fail
const ProbeQuery = "SELECT 1"

// Errors returned by the fake driver
var (
	ErrDown  = stderrors.New("fakepg: connection refused")
	ErrQuery = stderrors.New("fakepg: relation does not exist")
)

func init() {
	sql.Register(DriverName, &fakeDriver{})
}

var (
	backendsMu sync.Mutex
	backends   = map[string]*Backend{}
)

// Backend is the shared state behind every connection opened with one DSN
type Backend struct {
	mu          sync.Mutex
	down        bool
	failQueries bool
	opened      int
	statements  []string
	rows        [][]driver.Value
	columns     []string
}

// NewBackend registers a backend for dsn, replacing any previous one. It
// serves two rows of (id, name).
func NewBackend(dsn string) *Backend {
	b := &Backend{
		columns: []string{"id", "name"},
		rows: [][]driver.Value{
			{int64(1), []byte("acme")},
			{int64(2), []byte("globex")},
		},
	}
	backendsMu.Lock()
	backends[dsn] = b
	backendsMu.Unlock()
	return b
}

// SetDown makes new connections, pings and statements fail
func (b *Backend) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// SetFailQueries makes every statement except ProbeQuery fail with ErrQuery
func (b *Backend) SetFailQueries(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failQueries = fail
}

// StatementCount returns how many statements reached the backend
func (b *Backend) StatementCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.statements)
}

// OpenedCount returns how many physical connections were opened
func (b *Backend) OpenedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

type fakeDriver struct{}

func (d *fakeDriver) Open(dsn string) (driver.Conn, error) {
	backendsMu.Lock()
	b, ok := backends[dsn]
	backendsMu.Unlock()
	if !ok {
		return nil, stderrors.New("fakepg: unknown dsn " + dsn)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, ErrDown
	}
	b.opened++
	return &fakeConn{backend: b}, nil
}

type fakeConn struct {
	backend *Backend
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, stderrors.New("fakepg: prepared statements are not supported")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return nil, stderrors.New("fakepg: transactions are not supported")
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	if c.backend.down {
		return driver.ErrBadConn
	}
	return nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, driver.ErrBadConn
	}
	b.statements = append(b.statements, query)
	if b.failQueries && query != ProbeQuery {
		return nil, ErrQuery
	}
	return driver.RowsAffected(1), nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, driver.ErrBadConn
	}
	b.statements = append(b.statements, query)
	if b.failQueries {
		return nil, ErrQuery
	}
	return &fakeRows{columns: b.columns, rows: b.rows}, nil
}

type fakeRows struct {
	columns []string
	rows    [][]driver.Value
	pos     int
}

func (r *fakeRows) Columns() []string { return r.columns }

func (r *fakeRows) Close() error { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}
