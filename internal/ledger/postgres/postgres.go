package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"cdnswitch/internal/ledger"
)

// Repo implements ledger.Repository for Postgres.
type Repo struct {
	pool  *pgxpool.Pool
	table string
}

// rowsPerInsert keeps each statement under the 65535 bind-parameter limit.
const rowsPerInsert = 2000

func init() {
	ledger.Register("postgres", New)
}

// New creates a pool for cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg ledger.Config) (ledger.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool, table: cfg.TableOrDefault()}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, buildCreateSQL(r.table)); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", r.table, err)
	}
	return nil
}

// Record inserts entries in one transaction.
func (r *Repo) Record(ctx context.Context, entries []ledger.Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	for start := 0; start < len(entries); start += rowsPerInsert {
		end := min(start+rowsPerInsert, len(entries))
		q, args := buildInsertSQL(r.table, entries[start:end])
		tag, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("postgres: insert into %s: %w", r.table, err)
		}
		total += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

func buildCreateSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + pgTableIdent(table) + ` (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	target TEXT NOT NULL,
	block TEXT NOT NULL,
	url TEXT NOT NULL,
	local_path TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	error TEXT NOT NULL,
	bytes BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
)`
}

// buildInsertSQL constructs one multi-row INSERT with $n placeholders.
//
// It is pure so placeholder numbering can be unit tested without a database.
func buildInsertSQL(table string, entries []ledger.Entry) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	for i, c := range ledger.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(entries)*len(ledger.Columns))
	n := 1
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range ledger.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		}
		b.WriteByte(')')
		args = append(args, e.Values(e.RecordedAt.UTC())...)
	}
	return b.String(), args
}

func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes each part of a possibly schema-qualified name.
//
// Example:
//
//	"audit.fetches" -> "audit"."fetches"
func pgTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = pgIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
