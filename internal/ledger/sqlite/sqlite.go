package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cdnswitch/internal/ledger"
)

// Repo implements ledger.Repository for SQLite.
//
// SQLite has no native timestamp type, so recorded_at is stored as an
// RFC3339Nano string, which sorts and round-trips reliably.
type Repo struct {
	db    *sql.DB
	table string
}

// rowsPerInsert keeps each statement well under SQLite's bound-variable limit.
const rowsPerInsert = 500

func init() {
	ledger.Register("sqlite", New)
}

func New(ctx context.Context, cfg ledger.Config) (ledger.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db, table: cfg.TableOrDefault()}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(r.table)); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", r.table, err)
	}
	return nil
}

// Record inserts entries in one transaction.
func (r *Repo) Record(ctx context.Context, entries []ledger.Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for start := 0; start < len(entries); start += rowsPerInsert {
		end := min(start+rowsPerInsert, len(entries))
		q, args := buildInsertSQL(r.table, entries[start:end])
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("sqlite: insert into %s: %w", r.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func buildCreateSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + sqlTableIdent(table) + ` (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	target TEXT NOT NULL,
	block TEXT NOT NULL,
	url TEXT NOT NULL,
	local_path TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	error TEXT NOT NULL,
	bytes INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
)`
}

func buildInsertSQL(table string, entries []ledger.Entry) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlTableIdent(table))
	b.WriteString(" (")
	for i, c := range ledger.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	row := "(" + strings.TrimRight(strings.Repeat("?,", len(ledger.Columns)), ",") + ")"
	args := make([]any, 0, len(entries)*len(ledger.Columns))
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
		args = append(args, e.Values(e.RecordedAt.UTC().Format(time.RFC3339Nano))...)
	}
	return b.String(), args
}

// sqlTableIdent quotes a possibly schema-qualified table name, e.g.
// main.fetches becomes "main"."fetches".
func sqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = sqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
