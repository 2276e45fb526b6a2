package transcriptlog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data    [][]any
	idx     int
	err     error
	closed  bool
	scanErr error
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type execCall struct {
	sql  string
	args []any
}

// mockTx implements pgx.Tx. Methods the store does not use panic through the
// nil embedded interface.
type mockTx struct {
	pgx.Tx

	execErr   error
	failAt    int
	commitErr error

	execs      []execCall
	committed  bool
	rolledBack bool
}

func (tx *mockTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx.execErr != nil && len(tx.execs) == tx.failAt {
		return pgconn.CommandTag{}, tx.execErr
	}
	tx.execs = append(tx.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, nil
}

func (tx *mockTx) Commit(context.Context) error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	return nil
}

func (tx *mockTx) Rollback(context.Context) error {
	if tx.committed {
		return pgx.ErrTxClosed
	}
	tx.rolledBack = true
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	tx       *mockTx
	beginErr error

	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	pingErr   error
	pinged    bool
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Begin(context.Context) (pgx.Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	if m.tx == nil {
		m.tx = &mockTx{}
	}
	return m.tx, nil
}

func (m *mockDB) Ping(context.Context) error {
	m.pinged = true
	return m.pingErr
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestMigrations_AreGooseAnnotated(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}
	for _, e := range entries {
		data, err := fs.ReadFile(migrations, "migrations/"+e.Name())
		if err != nil {
			t.Fatalf("ReadFile %s: %v", e.Name(), err)
		}
		sql := string(data)
		if !strings.Contains(sql, "-- +goose Up") || !strings.Contains(sql, "-- +goose Down") {
			t.Errorf("%s lacks goose Up/Down annotations", e.Name())
		}
	}
}

func TestPostgresStore_AppendInsertsInOneTransaction(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	s := NewPostgresStore(db)
	entries := sampleEntries(2)
	if err := s.Append(context.Background(), entries); err != nil {
		t.Fatalf("Append: %v", err)
	}

	tx := db.tx
	if !tx.committed {
		t.Fatal("transaction not committed")
	}
	if tx.rolledBack {
		t.Error("committed transaction was rolled back")
	}
	if len(tx.execs) != 2 {
		t.Fatalf("got %d inserts, want 2", len(tx.execs))
	}
	for i, call := range tx.execs {
		if !strings.Contains(call.sql, "INSERT INTO transcription_entries") {
			t.Errorf("insert %d sql = %q", i, call.sql)
		}
		if call.args[1] != string(entries[i].Role) || call.args[2] != entries[i].Text {
			t.Errorf("insert %d args = %v", i, call.args)
		}
	}
}

func TestPostgresStore_AppendFillsZeroTimestamp(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	if err := NewPostgresStore(db).Append(context.Background(), []Entry{{Role: RoleUser, Text: "hi"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	ts, ok := db.tx.execs[0].args[3].(time.Time)
	if !ok || ts.IsZero() {
		t.Errorf("timestamp arg = %v, want non-zero time", db.tx.execs[0].args[3])
	}
}

func TestPostgresStore_AppendErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		db           *mockDB
		wantErr      string
		wantRollback bool
	}{
		{
			name:    "begin fails",
			db:      &mockDB{beginErr: errors.New("no conn")},
			wantErr: "transcriptlog: begin",
		},
		{
			name:         "second insert fails",
			db:           &mockDB{tx: &mockTx{execErr: errors.New("constraint"), failAt: 1}},
			wantErr:      "transcriptlog: insert entry 1",
			wantRollback: true,
		},
		{
			name:         "commit fails",
			db:           &mockDB{tx: &mockTx{commitErr: errors.New("serialization")}},
			wantErr:      "transcriptlog: commit",
			wantRollback: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := NewPostgresStore(tc.db).Append(context.Background(), sampleEntries(2))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tc.wantErr)
			}
			if tc.wantRollback && !tc.db.tx.rolledBack {
				t.Error("transaction not rolled back")
			}
		})
	}
}

func TestPostgresStore_AppendEmptySkipsTransaction(t *testing.T) {
	t.Parallel()
	db := &mockDB{beginErr: errors.New("must not begin")}
	if err := NewPostgresStore(db).Append(context.Background(), nil); err != nil {
		t.Fatalf("Append(nil): %v", err)
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotArgs []any
	rows := &mockRows{data: [][]any{
		{"s1", "user", "hello", ts},
		{"s1", "model", "hi", ts.Add(time.Second)},
	}}
	db := &mockDB{queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		gotArgs = args
		return rows, nil
	}}

	got, err := NewPostgresStore(db).List(context.Background(), 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].Role != RoleUser || got[1].Role != RoleModel || got[1].Text != "hi" {
		t.Errorf("List = %+v", got)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
	if len(gotArgs) != 1 || gotArgs[0] != 2 {
		t.Errorf("limit arg = %v, want 2", gotArgs)
	}

	if _, err := NewPostgresStore(db).List(context.Background(), 0); err != nil {
		t.Fatalf("List(0): %v", err)
	}
	if gotArgs[0] != nil {
		t.Errorf("limit arg for 0 = %v, want nil", gotArgs[0])
	}
}

func TestPostgresStore_ListErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		query   func(context.Context, string, ...any) (pgx.Rows, error)
		wantErr string
	}{
		{
			name: "query fails",
			query: func(context.Context, string, ...any) (pgx.Rows, error) {
				return nil, errors.New("boom")
			},
			wantErr: "transcriptlog: list",
		},
		{
			name: "scan fails",
			query: func(context.Context, string, ...any) (pgx.Rows, error) {
				return &mockRows{data: [][]any{{"s", "user", "x", time.Now()}}, scanErr: errors.New("bad")}, nil
			},
			wantErr: "transcriptlog: scan",
		},
		{
			name: "rows error",
			query: func(context.Context, string, ...any) (pgx.Rows, error) {
				return &mockRows{err: errors.New("conn reset")}, nil
			},
			wantErr: "transcriptlog: list rows",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewPostgresStore(&mockDB{queryFunc: tc.query}).List(context.Background(), 5)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestPostgresStore_Ping(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	s := NewPostgresStore(db)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !db.pinged {
		t.Error("Ping not forwarded to DB")
	}

	db.pingErr = errors.New("down")
	if err := s.Ping(context.Background()); err == nil {
		t.Error("expected ping error")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
