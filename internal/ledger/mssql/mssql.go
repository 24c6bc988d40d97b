package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"cdnswitch/internal/ledger"
)

// Repo implements ledger.Repository for Microsoft SQL Server.
type Repo struct {
	db    dbConn
	table string
}

// rowsPerInsert keeps each statement under SQL Server's 2100 parameter limit.
const rowsPerInsert = 150

func init() {
	ledger.Register("mssql", New)
}

// New opens cfg.DSN with the "sqlserver" driver and validates connectivity
// via PingContext.
func New(ctx context.Context, cfg ledger.Config) (ledger.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}, table: cfg.TableOrDefault()}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(r.table)); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", r.table, err)
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
			return total, fmt.Errorf("mssql: insert into %s: %w", r.table, err)
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
	ident := mssqlTableIdent(table)
	return `IF OBJECT_ID(N'` + strings.ReplaceAll(ident, "'", "''") + `', N'U') IS NULL
CREATE TABLE ` + ident + ` (
	[id] BIGINT IDENTITY(1,1) PRIMARY KEY,
	[run_id] NVARCHAR(64) NOT NULL,
	[target] NVARCHAR(256) NOT NULL,
	[block] NVARCHAR(256) NOT NULL,
	[url] NVARCHAR(2048) NOT NULL,
	[local_path] NVARCHAR(1024) NOT NULL,
	[outcome] NVARCHAR(16) NOT NULL,
	[reason] NVARCHAR(32) NOT NULL,
	[status_code] INT NOT NULL,
	[error] NVARCHAR(MAX) NOT NULL,
	[bytes] BIGINT NOT NULL,
	[recorded_at] DATETIMEOFFSET NOT NULL
)`
}

// buildInsertSQL constructs one multi-row INSERT with @pN placeholders.
func buildInsertSQL(table string, entries []ledger.Entry) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	for i, c := range ledger.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
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
			b.WriteString("@p")
			b.WriteString(strconv.Itoa(n))
			n++
		}
		b.WriteByte(')')
		args = append(args, e.Values(e.RecordedAt)...)
	}
	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.fetches" -> [dbo].[fetches]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// dbConn is the slice of *sql.DB the repo uses; tests substitute a fake.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

type sqlDB struct{ db *sql.DB }

func (s *sqlDB) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, q, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	return s.db.BeginTx(ctx, opts)
}

func (s *sqlDB) Close() error { return s.db.Close() }
