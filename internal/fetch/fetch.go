// Package fetch mirrors a single remote resource to its local path.
//
// Ensure never returns an error separately: every attempt resolves to an
// Outcome, so a batch of fetches can always settle.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"cdnswitch/internal/block"
	"cdnswitch/internal/metrics"
)

// Kind is the terminal state of one Ensure call.
type Kind int

const (
	Skipped Kind = iota
	Fetched
	Failed
)

func (k Kind) String() string {
	switch k {
	case Skipped:
		return "skipped"
	case Fetched:
		return "fetched"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reason explains a Skipped outcome. It is NoReason for other kinds.
type Reason int

const (
	NoReason Reason = iota
	// AlreadyFresh: the remote copy is not newer than the local one.
	AlreadyFresh
	// AlreadyPresent: LocalAlways found the local copy and did not look further.
	AlreadyPresent
	// RemoteMode: the run renders remote URLs and mirrors nothing.
	RemoteMode
)

func (r Reason) String() string {
	switch r {
	case AlreadyFresh:
		return "already_fresh"
	case AlreadyPresent:
		return "already_present"
	case RemoteMode:
		return "remote_mode"
	default:
		return ""
	}
}

// Outcome is the immutable result of ensuring one resource.
type Outcome struct {
	Kind      Kind
	Reason    Reason
	URL       string
	LocalPath string

	// StatusCode is 0 when no response was received.
	StatusCode int
	// Bytes written to LocalPath; 0 unless Kind is Fetched.
	Bytes    int64
	Err      error
	Duration time.Duration
}

// StatusError is the cause of a Failed outcome whose response status was not
// usable (4xx, 5xx, or an unexpected non-2xx).
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("get %s: http status %d", e.URL, e.StatusCode)
}

// Doer is the HTTP collaborator. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher performs conditional retrievals. The zero value uses
// http.DefaultClient and time.Now.
type Fetcher struct {
	Client    Doer
	UserAgent string
	// Job labels HTTP metrics.
	Job string
	Now func() time.Time
}

// maxDrain bounds how much of an error body is read so the connection can be
// reused.
const maxDrain = 64 << 10

// Ensure makes res available at res.LocalPath according to mode.
//
// Behavior:
//   - Remote: Skipped{RemoteMode}, no I/O.
//   - LocalAlways: Skipped{AlreadyPresent} when the local file exists,
//     otherwise GET and write.
//   - LocalIfNewer: GET with If-Modified-Since. 304, or a Last-Modified not
//     strictly after the local mtime, is Skipped{AlreadyFresh} and the body is
//     never read. Otherwise the body replaces the local copy and the file's
//     mtime is set to Last-Modified.
//
// Errors (reported as Failed, never returned):
//   - *StatusError for non-2xx responses.
//   - wrapped transport, directory or write errors.
//
// Edge cases:
//   - a failed transfer leaves no partial file at res.LocalPath.
func (f *Fetcher) Ensure(ctx context.Context, res block.Resource, mode block.Mode) Outcome {
	start := f.now()

	var out Outcome
	switch mode {
	case block.Remote:
		out = Outcome{Kind: Skipped, Reason: RemoteMode}
	case block.LocalAlways:
		if CheckFreshness(res.LocalPath).Present {
			out = Outcome{Kind: Skipped, Reason: AlreadyPresent}
		} else {
			out = f.get(ctx, res, Freshness{}, false)
		}
	case block.LocalIfNewer:
		out = f.get(ctx, res, CheckFreshness(res.LocalPath), true)
	default:
		out = Outcome{Kind: Failed, Err: fmt.Errorf("unsupported mode %s", mode)}
	}

	out.URL = res.URL
	out.LocalPath = res.LocalPath
	out.Duration = f.now().Sub(start)
	metrics.RecordFetch(out.Kind.String(), out.Reason.String())
	return out
}

func (f *Fetcher) get(ctx context.Context, res block.Resource, local Freshness, conditional bool) Outcome {
	start := f.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.URL, nil)
	if err != nil {
		metrics.RecordHTTP(f.Job, 0, err, -1, -1, -1)
		return failed(0, fmt.Errorf("new request %s: %w", res.URL, err))
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	if conditional && local.Present {
		req.Header.Set("If-Modified-Since", local.ModTime.UTC().Format(http.TimeFormat))
	}

	resp, err := f.client().Do(req)
	if err != nil {
		metrics.RecordHTTP(f.Job, 0, err, f.now().Sub(start), -1, -1)
		return failed(0, fmt.Errorf("get %s: %w", res.URL, err))
	}
	reqDur := f.now().Sub(start)
	defer resp.Body.Close()

	status := resp.StatusCode

	if conditional && status == http.StatusNotModified {
		metrics.RecordHTTP(f.Job, status, nil, reqDur, f.now().Sub(start), 0)
		return Outcome{Kind: Skipped, Reason: AlreadyFresh, StatusCode: status}
	}

	if status < 200 || status >= 300 {
		n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
		serr := &StatusError{StatusCode: status, URL: res.URL}
		metrics.RecordHTTP(f.Job, status, serr, reqDur, f.now().Sub(start), n)
		return failed(status, serr)
	}

	remoteMod, haveRemoteMod := lastModified(resp.Header)

	// Not newer: close without reading, which aborts the transfer.
	if conditional && local.Present && haveRemoteMod && !remoteMod.After(local.ModTime) {
		metrics.RecordHTTP(f.Job, status, nil, reqDur, f.now().Sub(start), 0)
		return Outcome{Kind: Skipped, Reason: AlreadyFresh, StatusCode: status}
	}

	if err := os.MkdirAll(filepath.Dir(res.LocalPath), 0o755); err != nil {
		metrics.RecordHTTP(f.Job, status, err, reqDur, f.now().Sub(start), -1)
		return failed(status, fmt.Errorf("create directory for %s: %w", res.LocalPath, err))
	}

	n, werr := writeBodyToFile(res.LocalPath, resp.Body)
	metrics.RecordHTTP(f.Job, status, werr, reqDur, f.now().Sub(start), n)
	if werr != nil {
		return failed(status, fmt.Errorf("write %s: %w", res.LocalPath, werr))
	}

	if haveRemoteMod {
		// Best effort.
		_ = os.Chtimes(res.LocalPath, remoteMod, remoteMod)
	}

	return Outcome{Kind: Fetched, StatusCode: status, Bytes: n}
}

func failed(status int, err error) Outcome {
	return Outcome{Kind: Failed, StatusCode: status, Err: err}
}

func lastModified(h http.Header) (time.Time, bool) {
	v := h.Get("Last-Modified")
	if v == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (f *Fetcher) client() Doer {
	if f.Client == nil {
		return http.DefaultClient
	}
	return f.Client
}

func (f *Fetcher) now() time.Time {
	if f.Now == nil {
		return time.Now()
	}
	return f.Now()
}

// writeBodyToFile writes r to outputPath atomically.
//
// Behavior:
//   - Writes to a temp file in the same directory.
//   - Renames into place on success.
//   - On failure, removes the temp file; outputPath is untouched.
//
// Returns the number of bytes copied.
func writeBodyToFile(outputPath string, r io.Reader) (int64, error) {
	dir := filepath.Dir(outputPath)
	tmp, err := os.CreateTemp(dir, ".cdnswitch-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	// CreateTemp uses 0600; mirrored files are served to other users.
	_ = tmp.Chmod(0o644)

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()

	if copyErr != nil {
		_ = os.Remove(tmpName)
		return n, copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return n, closeErr
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		_ = os.Remove(tmpName)
		return n, err
	}
	return n, nil
}

// WriteFileAtomic writes data to path through a temp file and rename,
// creating the parent directory first.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_, err := writeBodyToFile(path, bytes.NewReader(data))
	return err
}

// NewHTTPClient returns a client tuned for many small parallel downloads.
// maxConnsPerHost of 0 means unlimited.
func NewHTTPClient(timeout time.Duration, maxConnsPerHost int) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		MaxConnsPerHost:     maxConnsPerHost,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
