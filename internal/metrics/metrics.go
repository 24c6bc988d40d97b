// Package metrics is the process-wide metrics facade used by the fetch
// pipeline and the CLI.
//
// Core code records through the package-level helpers and never imports a
// concrete backend. The CLI installs a backend with SetBackend (Datadog, or
// the default no-op) and calls Flush before exit.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions (e.g. {"status": "200"}).
type Labels map[string]string

// Backend receives metric samples.
//
// Implementations must be safe for concurrent use: fetches record from many
// goroutines at once.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names understood by the backends.
const (
	StepTotal           = "cdnswitch_step_total"
	StepDurationSeconds = "cdnswitch_step_duration_seconds"
	FetchOutcomesTotal  = "cdnswitch_fetch_outcomes_total"

	HTTPRequestsTotal          = "cdnswitch_http_requests_total"
	HTTPErrorsTotal            = "cdnswitch_http_errors_total"
	HTTPRequestDurationSeconds = "cdnswitch_http_request_duration_seconds"
	HTTPResponseDuration       = "cdnswitch_http_response_duration_seconds"
	HTTPDownloadBytes          = "cdnswitch_http_download_bytes"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error { return current().Flush() }

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordStep counts one pipeline step and observes its duration.
func RecordStep(step, status string, d time.Duration) {
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordFetch counts one fetch outcome. reason is empty for non-skipped
// outcomes.
func RecordFetch(kind, reason string) {
	l := Labels{"outcome": kind}
	if reason != "" {
		l["reason"] = reason
	}
	IncCounter(FetchOutcomesTotal, 1, l)
}

// RecordHTTP records one HTTP request.
//
// status is 0 when the request failed before a response arrived; such
// requests are labelled "error". Negative durations and sizes mean "not
// measured" and are skipped.
func RecordHTTP(job string, status int, err error, reqDur, respDur time.Duration, bytes int64) {
	st := "error"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"job": job, "status": st}

	IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status == 0 || status >= 400 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
	if reqDur >= 0 {
		ObserveHistogram(HTTPRequestDurationSeconds, reqDur.Seconds(), l)
	}
	if respDur >= 0 {
		ObserveHistogram(HTTPResponseDuration, respDur.Seconds(), l)
	}
	if bytes >= 0 {
		ObserveHistogram(HTTPDownloadBytes, float64(bytes), l)
	}
}
