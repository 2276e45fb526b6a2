package transcriptlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db    DB
	close func()
}

// Compile-time interface checks.
var (
	_ Store  = (*PostgresStore)(nil)
	_ Pinger = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller owns db and must have applied the schema
// with [Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres creates a connection pool for dsn, verifies connectivity and
// applies pending migrations. The returned store closes the pool on Close.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcriptlog: ping: %w", err)
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	err = Migrate(ctx, sqlDB)
	_ = sqlDB.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{db: pool, close: pool.Close}, nil
}

// Migrate applies the embedded goose migrations that are not yet recorded
// in db.
func Migrate(ctx context.Context, db *sql.DB) error {
	p, err := newMigrator(db)
	if err != nil {
		return err
	}
	applied, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("transcriptlog: migrate: %w", err)
	}
	for _, r := range applied {
		slog.Info("transcriptlog: applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func newMigrator(db *sql.DB) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: migrations: %w", err)
	}
	return p, nil
}

// Append implements [Store]. The entries are inserted in one transaction, so
// either all of them are stored or none.
func (s *PostgresStore) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("transcriptlog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		INSERT INTO transcription_entries (session_id, role, text, created_at)
		VALUES ($1, $2, $3, $4)`

	for i, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, query, e.SessionID, string(e.Role), e.Text, ts); err != nil {
			return fmt.Errorf("transcriptlog: insert entry %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transcriptlog: commit: %w", err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Entry, error) {
	const query = `
		SELECT session_id, role, text, created_at FROM (
			SELECT id, session_id, role, text, created_at
			FROM transcription_entries
			ORDER BY id DESC
			LIMIT $1
		) recent
		ORDER BY id ASC`

	// A NULL limit means no limit.
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := s.db.Query(ctx, query, lim)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			role string
		)
		if err := rows.Scan(&e.SessionID, &role, &e.Text, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("transcriptlog: scan: %w", err)
		}
		e.Role = Role(role)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcriptlog: list rows: %w", err)
	}
	return entries, nil
}

// Ping implements [Pinger]. A DB that cannot be pinged is assumed healthy.
func (s *PostgresStore) Ping(ctx context.Context) error {
	p, ok := s.db.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("transcriptlog: ping: %w", err)
	}
	return nil
}

// Close releases the pool when the store was created by [OpenPostgres].
func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
