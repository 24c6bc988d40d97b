// Package runner drives one synchronization pass: for every target it loads
// the sources, rewrites the cdn-switch markers, mirrors resources when the
// mode asks for it and writes the destination once every batch has settled.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"cdnswitch/internal/block"
	"cdnswitch/internal/config"
	"cdnswitch/internal/fetch"
	"cdnswitch/internal/ledger"
	"cdnswitch/internal/markup"
	"cdnswitch/internal/metrics"
	"cdnswitch/internal/mirror"
	"cdnswitch/internal/report"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// ErrSourceMissing marks a configured source file that does not exist. It is
// a warning; the target continues without it.
var ErrSourceMissing = errors.New("source missing")

// State is the terminal state of a target.
type State int

const (
	// Written: the destination was written.
	Written State = iota
	// Withheld: fetches failed under strict mode and nothing was written.
	Withheld
	// Failed: a read, parse, render or write error aborted the target.
	Failed
)

func (s State) String() string {
	switch s {
	case Written:
		return "written"
	case Withheld:
		return "withheld"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TargetResult is the settled state of one target.
type TargetResult struct {
	Target      string
	Destination string
	State       State
	// Batches are in block name order; empty in remote mode.
	Batches     []mirror.BatchResult
	FetchErrors int
	Stats       markup.RewriteStats
	// Warnings hold non-fatal problems, e.g. ErrSourceMissing.
	Warnings []error
	Err      error
	Duration time.Duration
}

// Summary aggregates a run.
type Summary struct {
	RunID       string
	Results     []TargetResult
	Failed      int
	FetchErrors int
}

// OK reports whether no target failed.
func (s Summary) OK() bool { return s.Failed == 0 }

// Runner processes targets. Construct with New; fields may be adjusted before
// the first call to Run.
type Runner struct {
	Fetcher     mirror.Ensurer
	MaxInFlight int
	// Reporter may be nil.
	Reporter *report.Reporter
	// Ledger is optional; failures to record are reported as warnings.
	Ledger ledger.Repository
	RunID  string
	// Strict withholds every destination whose target had fetch errors,
	// regardless of emit_on_partial_failure.
	Strict bool
	Now    func() time.Time
}

// New returns a Runner with a fresh run ID.
func New(f mirror.Ensurer, rep *report.Reporter) *Runner {
	return &Runner{
		Fetcher:  f,
		Reporter: rep,
		RunID:    uuid.NewString(),
		Now:      time.Now,
	}
}

// Run processes cfg.Targets sequentially. A failure in one target never
// affects another.
func (r *Runner) Run(ctx context.Context, cfg config.Config) Summary {
	sum := Summary{RunID: r.RunID}
	for _, t := range cfg.Targets {
		res := r.RunTarget(ctx, t)
		sum.Results = append(sum.Results, res)
		sum.FetchErrors += res.FetchErrors
		if res.State != Written {
			sum.Failed++
		}
	}
	r.Reporter.Summary(len(sum.Results), sum.Failed, sum.FetchErrors)
	return sum
}

// RunTarget processes one target.
//
// Markers are rewritten while the target's blocks are still being mirrored;
// rendering never depends on fetch results. The destination is written
// exactly once, after every batch has settled.
//
// Edge cases:
//   - every source missing yields an empty page, still written.
//   - a marker naming an unconfigured block is left untouched.
//   - with strict mode and any failed fetch the destination is withheld and
//     the target counts as failed.
func (r *Runner) RunTarget(ctx context.Context, t config.Target) TargetResult {
	start := r.now()
	tr := r.Reporter.Target(t.Name)
	res := TargetResult{Target: t.Name, Destination: t.Destination}

	fail := func(err error) TargetResult {
		res.State = Failed
		res.Err = err
		res.Duration = r.now().Sub(start)
		tr.Failed(err)
		metrics.RecordStep("target", "error", res.Duration)
		return res
	}

	mode, err := t.ParsedMode()
	if err != nil {
		return fail(err)
	}

	enc, err := htmlindex.Get(t.CharsetOrDefault())
	if err != nil {
		return fail(fmt.Errorf("charset %q: %w", t.Charset, err))
	}

	src, warnings, err := loadSources(t, enc, tr)
	res.Warnings = warnings
	if err != nil {
		return fail(err)
	}

	doc, err := markup.Parse(src)
	if err != nil {
		return fail(err)
	}

	blocks := t.BlockList()

	// Mirroring starts before the rewrite and is awaited before the write.
	var (
		wg      sync.WaitGroup
		batches = make([]mirror.BatchResult, len(blocks))
	)
	if mode.Mirrors() {
		syncer := &mirror.Synchronizer{Fetcher: r.Fetcher, MaxInFlight: r.MaxInFlight, Observer: tr}
		for i, b := range blocks {
			wg.Add(1)
			go func(i int, b block.Block) {
				defer wg.Done()
				batches[i] = syncer.Synchronize(ctx, b, mode)
			}(i, b)
		}
	}

	out, err := r.rewrite(doc, blocks, t, mode, tr, &res)
	wg.Wait()
	if mode.Mirrors() {
		res.Batches = batches
		for _, b := range batches {
			res.FetchErrors += b.ErrorCount
		}
		r.record(ctx, t.Name, batches, tr)
	}
	if err != nil {
		return fail(err)
	}

	strict := r.Strict || !t.EmitOnPartialFailureOrDefault()
	if strict && res.FetchErrors > 0 {
		res.State = Withheld
		res.Duration = r.now().Sub(start)
		tr.Withheld(t.Destination, res.FetchErrors)
		metrics.RecordStep("target", "error", res.Duration)
		return res
	}

	// The destination keeps the source charset; characters it cannot carry
	// become numeric character references.
	encoded, err := encoding.HTMLEscapeUnsupported(enc.NewEncoder()).String(out)
	if err != nil {
		return fail(fmt.Errorf("encode destination: %w", err))
	}

	if err := fetch.WriteFileAtomic(t.Destination, []byte(encoded)); err != nil {
		return fail(fmt.Errorf("write destination: %w", err))
	}

	res.State = Written
	res.Duration = r.now().Sub(start)
	tr.Written(t.Destination, res.FetchErrors)

	status := "ok"
	if res.FetchErrors > 0 || len(res.Warnings) > 0 {
		status = "warn"
	}
	metrics.RecordStep("target", status, res.Duration)
	return res
}

func (r *Runner) rewrite(doc *markup.Document, blocks []block.Block, t config.Target, mode block.Mode, tr *report.TargetReporter, res *TargetResult) (string, error) {
	placeholder := t.PlaceholderOrDefault()
	rendered := make(map[string]string, len(blocks))
	for _, b := range blocks {
		s, err := block.Render(b, placeholder, mode)
		if err != nil {
			return "", err
		}
		rendered[b.Name] = s
	}

	stats, err := doc.Rewrite(func(name string) (string, bool) {
		s, ok := rendered[name]
		return s, ok
	})
	res.Stats = stats
	if err != nil {
		return "", err
	}
	tr.Rewritten(stats.Visited, stats.Replaced)

	out, err := doc.Render()
	if err != nil {
		return "", fmt.Errorf("render document: %w", err)
	}
	if !t.Minify {
		return out, nil
	}
	small, err := markup.Minify(out)
	if err != nil {
		tr.Warn("minify failed, writing unminified output", err)
		return out, nil
	}
	return small, nil
}

func (r *Runner) record(ctx context.Context, target string, batches []mirror.BatchResult, tr *report.TargetReporter) {
	if r.Ledger == nil {
		return
	}
	at := r.now()
	var entries []ledger.Entry
	for _, b := range batches {
		entries = append(entries, ledger.EntriesFromBatch(r.RunID, target, b, at)...)
	}
	if len(entries) == 0 {
		return
	}
	if _, err := r.Ledger.Record(ctx, entries); err != nil {
		tr.Warn("ledger", err)
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// loadSources reads, decodes and joins t.Sources in order.
//
// Errors:
//   - a source that exists but cannot be read or decoded.
func loadSources(t config.Target, enc encoding.Encoding, tr *report.TargetReporter) (string, []error, error) {
	var (
		parts    []string
		warnings []error
	)
	for _, path := range t.Sources {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			warnings = append(warnings, fmt.Errorf("%w: %s", ErrSourceMissing, path))
			tr.SourceMissing(path)
			continue
		}
		if err != nil {
			return "", warnings, fmt.Errorf("read source: %w", err)
		}
		text, err := enc.NewDecoder().Bytes(data)
		if err != nil {
			return "", warnings, fmt.Errorf("decode source %s: %w", path, err)
		}
		parts = append(parts, string(text))
	}
	return strings.Join(parts, t.SeparatorOrDefault()), warnings, nil
}
