// Package ledger records fetch outcomes per run into a SQL table.
//
// Backends register themselves under a kind from init(); the CLI blank-imports
// internal/ledger/all so every backend is available and the config chooses one.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cdnswitch/internal/fetch"
	"cdnswitch/internal/mirror"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "cdn_switch_fetches"

// Config is the minimal configuration needed to open a ledger.
//
// Edge cases:
//   - Kind must match a registered backend kind.
//   - DSN is passed through to the backend; validation is backend-specific.
//   - Table may be schema-qualified ("audit.fetches").
type Config struct {
	Kind  string
	DSN   string
	Table string
}

// TableOrDefault returns c.Table or DefaultTable.
func (c Config) TableOrDefault() string {
	if c.Table == "" {
		return DefaultTable
	}
	return c.Table
}

// Entry is one ledger row: the outcome of one resource in one run.
type Entry struct {
	RunID      string
	Target     string
	Block      string
	URL        string
	LocalPath  string
	Outcome    string
	Reason     string
	StatusCode int
	Error      string
	Bytes      int64
	RecordedAt time.Time
}

// Columns is the column order shared by every backend's insert.
var Columns = []string{
	"run_id", "target", "block", "url", "local_path",
	"outcome", "reason", "status_code", "error", "bytes", "recorded_at",
}

// Values returns e in Columns order. recordedAt is supplied by the backend
// because each one stores timestamps differently.
func (e Entry) Values(recordedAt any) []any {
	return []any{
		e.RunID, e.Target, e.Block, e.URL, e.LocalPath,
		e.Outcome, e.Reason, e.StatusCode, e.Error, e.Bytes, recordedAt,
	}
}

// Repository is a backend-agnostic fetch ledger.
type Repository interface {
	// EnsureSchema creates the ledger table if it does not exist. It is
	// idempotent and safe to call on every run.
	EnsureSchema(ctx context.Context) error

	// Record appends entries and returns the number of rows written.
	Record(ctx context.Context, entries []Entry) (int64, error)

	// Close releases backend resources. Call once.
	Close()
}

// EntriesFromBatch converts a settled batch into ledger rows, one per
// outcome, in resource order.
func EntriesFromBatch(runID, target string, r mirror.BatchResult, at time.Time) []Entry {
	out := make([]Entry, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		e := Entry{
			RunID:      runID,
			Target:     target,
			Block:      r.Block,
			URL:        o.URL,
			LocalPath:  o.LocalPath,
			Outcome:    o.Kind.String(),
			Reason:     o.Reason.String(),
			StatusCode: o.StatusCode,
			RecordedAt: at,
		}
		if o.Kind == fetch.Fetched {
			e.Bytes = o.Bytes
		}
		if o.Err != nil {
			e.Error = o.Err.Error()
		}
		out = append(out, e)
	}
	return out
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under kind (e.g. "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("ledger: Register called with empty kind")
	}
	if f == nil {
		panic("ledger: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("ledger: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Registered reports whether kind has a backend.
func Registered(kind string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := factories[kind]
	return ok
}

// Kinds lists registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New opens a Repository with the registered backend for cfg.Kind.
//
// Errors:
//   - if cfg.Kind is empty or unsupported.
//   - whatever the backend factory returns (bad DSN, unreachable server).
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("ledger: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported ledger kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}
