// Package report turns run events into human log lines and, optionally, one
// JSON object per event (JSONL) for machine consumers.
//
// Human lines go to Out with ">> ok", ">> warn" and ">> error" prefixes.
// Reporter is safe for concurrent use; fetch goroutines report directly.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"cdnswitch/internal/fetch"
	"cdnswitch/internal/mirror"
)

// Event is the JSONL record. Additive changes are safe; renames and removals
// break downstream consumers.
type Event struct {
	Timestamp  string `json:"ts"`
	RunID      string `json:"run_id,omitempty"`
	Event      string `json:"event"`
	Level      string `json:"level"`
	Target     string `json:"target,omitempty"`
	Block      string `json:"block,omitempty"`
	URL        string `json:"url,omitempty"`
	Path       string `json:"path,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Reason     string `json:"reason,omitempty"`
	StatusCode int    `json:"http_code,omitempty"`
	Bytes      int64  `json:"size_bytes,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	ErrorCount int    `json:"error_count,omitempty"`
	Replaced   int    `json:"replaced,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	levelOK    = "ok"
	levelWarn  = "warn"
	levelError = "error"
	levelDebug = "debug"
)

// Reporter writes events. The zero value discards everything.
type Reporter struct {
	// Out receives human lines (usually stderr). nil discards them.
	Out io.Writer
	// Events receives JSONL. nil disables it.
	Events io.Writer
	// Verbose also prints skipped fetches and per-target statistics.
	Verbose bool
	RunID   string
	Now     func() time.Time

	mu  sync.Mutex
	enc *json.Encoder
}

func (r *Reporter) emit(ev Event, line string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Out != nil && line != "" && (ev.Level != levelDebug || r.Verbose) {
		prefix := ">> " + ev.Level + " "
		if ev.Level == levelDebug {
			prefix = "   "
		}
		fmt.Fprintln(r.Out, prefix+line)
	}
	if r.Events != nil {
		if r.enc == nil {
			r.enc = json.NewEncoder(r.Events)
		}
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		ev.Timestamp = now().UTC().Format("2006-01-02T15:04:05.000Z")
		ev.RunID = r.RunID
		_ = r.enc.Encode(ev)
	}
}

// line prints a verbose-only human line with no JSONL counterpart.
func (r *Reporter) line(s string) {
	if r == nil || !r.Verbose || r.Out == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.Out, "   "+s)
}

// Target scopes events to one target. The returned value is a
// mirror.Observer.
func (r *Reporter) Target(name string) *TargetReporter {
	return &TargetReporter{r: r, target: name}
}

// Summary reports the run's terminal line.
func (r *Reporter) Summary(targets, failedTargets, fetchErrors int) {
	ev := Event{Event: "run_done", Level: levelOK, ErrorCount: fetchErrors}
	switch {
	case failedTargets > 0:
		ev.Level = levelError
	case fetchErrors > 0:
		ev.Level = levelWarn
	}
	r.emit(ev, fmt.Sprintf("%d target(s) processed, %d failed, %d fetch error(s).", targets, failedTargets, fetchErrors))
}

// TargetReporter reports events of one target.
type TargetReporter struct {
	r      *Reporter
	target string
}

var _ mirror.Observer = (*TargetReporter)(nil)

// SourceMissing reports a configured source that does not exist.
func (t *TargetReporter) SourceMissing(path string) {
	t.r.emit(Event{Event: "source_missing", Level: levelWarn, Target: t.target, Path: path},
		fmt.Sprintf("Source file %q not found.", path))
}

// ResourceSettled reports one fetch outcome.
func (t *TargetReporter) ResourceSettled(blockName string, o fetch.Outcome) {
	ev := Event{
		Event:      "fetch",
		Target:     t.target,
		Block:      blockName,
		URL:        o.URL,
		Path:       o.LocalPath,
		Outcome:    o.Kind.String(),
		Reason:     o.Reason.String(),
		StatusCode: o.StatusCode,
		Bytes:      o.Bytes,
		DurationMs: o.Duration.Milliseconds(),
	}

	var line string
	switch o.Kind {
	case fetch.Fetched:
		t.r.line("Need: " + o.URL)
		ev.Level = levelOK
		line = fmt.Sprintf("Got: %s (%d bytes from %s)", o.LocalPath, o.Bytes, o.URL)
	case fetch.Failed:
		ev.Level = levelError
		if o.Err != nil {
			ev.Error = o.Err.Error()
		}
		line = fmt.Sprintf("Fetch Error: %s: %v", o.URL, o.Err)
	default:
		ev.Level = levelDebug
		line = fmt.Sprintf("Skip: %s (%s)", o.URL, o.Reason)
	}
	t.r.emit(ev, line)
}

// BlockSettled reports the single summary of one block's batch.
func (t *TargetReporter) BlockSettled(res mirror.BatchResult) {
	ev := Event{
		Event:      "block_settled",
		Level:      levelOK,
		Target:     t.target,
		Block:      res.Block,
		ErrorCount: res.ErrorCount,
		DurationMs: res.Duration.Milliseconds(),
	}

	dir := ""
	if len(res.Outcomes) > 0 {
		dir = filepath.Dir(res.Outcomes[0].LocalPath)
	}

	var line string
	if res.ErrorCount > 0 {
		ev.Level = levelWarn
		line = fmt.Sprintf("Block %q: %d of %d file(s) could not be fetched into '%s'.", res.Block, res.ErrorCount, len(res.Outcomes), dir)
	} else {
		line = fmt.Sprintf("Block %q: all files fetched and saved to: '%s'", res.Block, dir)
	}
	t.r.emit(ev, line)
}

// Rewritten reports marker replacement statistics (verbose only).
func (t *TargetReporter) Rewritten(visited, replaced int) {
	t.r.emit(Event{Event: "rewritten", Level: levelDebug, Target: t.target, Replaced: replaced},
		fmt.Sprintf("Target %q: %d marker(s) replaced, %d node(s) scanned.", t.target, replaced, visited))
}

// Warn reports a non-fatal problem such as a minify or ledger failure.
func (t *TargetReporter) Warn(what string, err error) {
	t.r.emit(Event{Event: "warning", Level: levelWarn, Target: t.target, Error: err.Error()},
		fmt.Sprintf("Target %q: %s: %v", t.target, what, err))
}

// Written reports the destination file.
func (t *TargetReporter) Written(dest string, fetchErrors int) {
	level := levelOK
	if fetchErrors > 0 {
		level = levelWarn
	}
	t.r.emit(Event{Event: "written", Level: level, Target: t.target, Path: dest, ErrorCount: fetchErrors},
		fmt.Sprintf("File %q created.", dest))
}

// Withheld reports a destination not written because fetches failed and the
// target is strict.
func (t *TargetReporter) Withheld(dest string, fetchErrors int) {
	t.r.emit(Event{Event: "withheld", Level: levelError, Target: t.target, Path: dest, ErrorCount: fetchErrors},
		fmt.Sprintf("File %q not written: %d fetch error(s) and emit_on_partial_failure is off.", dest, fetchErrors))
}

// Failed reports a target aborted by a read, parse or write error.
func (t *TargetReporter) Failed(err error) {
	t.r.emit(Event{Event: "target_failed", Level: levelError, Target: t.target, Error: err.Error()},
		fmt.Sprintf("Target %q failed: %v", t.target, err))
}
