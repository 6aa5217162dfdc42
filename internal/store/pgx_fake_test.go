package store

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// queryExpectation scripts one QueryRow call. value is scanned into a single
// destination, or positionally when it is a []any.
type queryExpectation struct {
	expect *regexp.Regexp
	args   []any
	value  any
	err    error
}

// execExpectation scripts one Exec call.
type execExpectation struct {
	expect *regexp.Regexp
	args   []any
	rows   int64
	err    error
}

func matchArgs(want, got []any) error {
	if len(want) == 0 {
		return nil
	}
	if len(want) != len(got) {
		return fmt.Errorf("got %d arguments, want %d", len(got), len(want))
	}
	for i := range want {
		if want[i] != nil && !reflect.DeepEqual(want[i], got[i]) {
			return fmt.Errorf("argument %d: got %#v, want %#v", i, got[i], want[i])
		}
	}
	return nil
}

func popQuery(list *[]queryExpectation, sql string, args []any) (queryExpectation, error) {
	if len(*list) == 0 {
		return queryExpectation{}, fmt.Errorf("unexpected query: %s", sql)
	}
	exp := (*list)[0]
	*list = (*list)[1:]
	if !exp.expect.MatchString(sql) {
		return exp, fmt.Errorf("query %q does not match %s", sql, exp.expect)
	}
	return exp, matchArgs(exp.args, args)
}

func popExec(list *[]execExpectation, sql string, args []any) (execExpectation, error) {
	if len(*list) == 0 {
		return execExpectation{}, fmt.Errorf("unexpected exec: %s", sql)
	}
	exp := (*list)[0]
	*list = (*list)[1:]
	if !exp.expect.MatchString(sql) {
		return exp, fmt.Errorf("exec %q does not match %s", sql, exp.expect)
	}
	return exp, matchArgs(exp.args, args)
}

func commandTag(rows int64) pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("MOCK %d", rows))
}

// mockPool satisfies dbPool and PgxPool from scripted expectations.
type mockPool struct {
	t       *testing.T
	queries []queryExpectation
	execs   []execExpectation
	txs     []*mockTx
	txIdx   int
}

func (m *mockPool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	exp, err := popQuery(&m.queries, sql, args)
	if err != nil {
		m.t.Fatal(err)
	}
	return mockRow{value: exp.value, err: exp.err}
}

func (m *mockPool) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	m.t.Fatalf("unexpected multi-row query: %s", sql)
	return nil, nil
}

func (m *mockPool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	exp, err := popExec(&m.execs, sql, args)
	if err != nil {
		m.t.Fatal(err)
	}
	return commandTag(exp.rows), exp.err
}

func (m *mockPool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if m.txIdx >= len(m.txs) {
		m.t.Fatalf("unexpected transaction %d", m.txIdx+1)
	}
	tx := m.txs[m.txIdx]
	m.txIdx++
	return tx, nil
}

func (m *mockPool) Ping(context.Context) error { return nil }

func (m *mockPool) assertDone() {
	m.t.Helper()
	switch {
	case len(m.queries) > 0:
		m.t.Fatalf("%d queries never ran, next %s", len(m.queries), m.queries[0].expect)
	case len(m.execs) > 0:
		m.t.Fatalf("%d execs never ran, next %s", len(m.execs), m.execs[0].expect)
	case m.txIdx != len(m.txs):
		m.t.Fatalf("began %d transactions, want %d", m.txIdx, len(m.txs))
	}
}

type mockRow struct {
	value any
	err   error
}

func (m mockRow) Scan(dest ...any) error {
	if m.err != nil {
		return m.err
	}
	values, ok := m.value.([]any)
	if !ok {
		values = []any{m.value}
	}
	if len(dest) != len(values) {
		return fmt.Errorf("scan into %d destinations, have %d values", len(dest), len(values))
	}
	for i, v := range values {
		if err := assign(dest[i], v); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, v any) error {
	ptr := reflect.ValueOf(dest)
	if ptr.Kind() != reflect.Pointer {
		return fmt.Errorf("destination %T is not a pointer", dest)
	}
	target := ptr.Elem()
	if v == nil {
		target.SetZero()
		return nil
	}
	val := reflect.ValueOf(v)
	if !val.Type().AssignableTo(target.Type()) {
		return fmt.Errorf("cannot scan %T into %s", v, target.Type())
	}
	target.Set(val)
	return nil
}

// mockTx scripts the statements of one transaction. Methods the store never
// calls fall through to the nil embedded interface and panic.
type mockTx struct {
	pgx.Tx

	execs     []execExpectation
	queries   []queryExpectation
	committed bool
	rolled    bool
}

func (m *mockTx) Commit(context.Context) error {
	m.committed = true
	return nil
}

func (m *mockTx) Rollback(context.Context) error {
	if m.committed {
		return pgx.ErrTxClosed
	}
	m.rolled = true
	return nil
}

func (m *mockTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	exp, err := popExec(&m.execs, sql, args)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return commandTag(exp.rows), exp.err
}

func (m *mockTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	exp, err := popQuery(&m.queries, sql, args)
	if err != nil {
		return mockRow{err: err}
	}
	return mockRow{value: exp.value, err: exp.err}
}

func (m *mockTx) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("unexpected multi-row query in transaction: %s", sql)
}

func (m *mockTx) assertDone() {
	if len(m.execs) > 0 || len(m.queries) > 0 {
		panic(fmt.Sprintf("transaction left %d execs and %d queries", len(m.execs), len(m.queries)))
	}
	if !m.committed && !m.rolled {
		panic("transaction neither committed nor rolled back")
	}
}
