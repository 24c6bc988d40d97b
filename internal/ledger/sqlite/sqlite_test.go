package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cdnswitch/internal/ledger"
)

func openTemp(t *testing.T) *Repo {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db")
	repo, err := New(context.Background(), ledger.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo.(*Repo)
}

func TestRepo_EnsureSchemaAndRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := openTemp(t)

	for i := 0; i < 2; i++ {
		if err := r.EnsureSchema(ctx); err != nil {
			t.Fatalf("EnsureSchema #%d: %v", i+1, err)
		}
	}

	at := time.Date(2024, 5, 6, 7, 8, 9, 123, time.UTC)
	entries := []ledger.Entry{
		{RunID: "r1", Target: "site", Block: "js", URL: "http://h/a.js", LocalPath: "static/a.js", Outcome: "fetched", StatusCode: 200, Bytes: 10, RecordedAt: at},
		{RunID: "r1", Target: "site", Block: "js", URL: "http://h/b.js", LocalPath: "static/b.js", Outcome: "failed", Error: "http status 404", StatusCode: 404, RecordedAt: at},
	}
	n, err := r.Record(ctx, entries)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if n != 2 {
		t.Fatalf("Record rows=%d, want 2", n)
	}

	var (
		count    int
		recorded string
	)
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(recorded_at) FROM "cdn_switch_fetches" WHERE run_id = ?`, "r1").Scan(&count, &recorded); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 2 || recorded != at.Format(time.RFC3339Nano) {
		t.Fatalf("count=%d recorded_at=%q", count, recorded)
	}

	var failed int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "cdn_switch_fetches" WHERE outcome = 'failed' AND status_code = 404`).Scan(&failed); err != nil {
		t.Fatalf("query: %v", err)
	}
	if failed != 1 {
		t.Fatalf("failed rows=%d, want 1", failed)
	}
}

func TestRepo_SchemaQualifiedTable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db")
	repo, err := New(ctx, ledger.Config{Kind: "sqlite", DSN: dsn, Table: "main.fetches"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(repo.Close)
	r := repo.(*Repo)

	if err := r.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if _, err := r.Record(ctx, []ledger.Entry{{RunID: "r1", Target: "site", Block: "js", URL: "http://h/a.js", Outcome: "fetched"}}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM main.fetches`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("rows=%d, want 1", count)
	}
}

func TestSQLTableIdent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"fetches", `"fetches"`},
		{"main.fetches", `"main"."fetches"`},
		{` main . odd"name `, `"main"."odd""name"`},
	}
	for _, tc := range tests {
		if got := sqlTableIdent(tc.in); got != tc.want {
			t.Fatalf("sqlTableIdent(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestRepo_RecordEmpty(t *testing.T) {
	t.Parallel()

	r := openTemp(t)
	if n, err := r.Record(context.Background(), nil); n != 0 || err != nil {
		t.Fatalf("Record(nil)=(%d,%v)", n, err)
	}
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL(`odd"name`, []ledger.Entry{{RunID: "a"}, {RunID: "b"}})
	if !strings.HasPrefix(q, `INSERT INTO "odd""name" ("run_id", `) {
		t.Fatalf("unexpected prefix: %s", q)
	}
	if got := strings.Count(q, "?"); got != 2*len(ledger.Columns) {
		t.Fatalf("placeholders=%d, want %d", got, 2*len(ledger.Columns))
	}
	if len(args) != 2*len(ledger.Columns) {
		t.Fatalf("args=%d", len(args))
	}
}
