package mirror

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cdnswitch/internal/block"
	"cdnswitch/internal/fetch"
)

// fakeFetcher fails URLs containing "bad" and sleeps per URL so that
// completion order differs from list order.
type fakeFetcher struct {
	delay    map[string]time.Duration
	inFlight int64
	maxSeen  int64
	calls    int64
}

func (f *fakeFetcher) Ensure(ctx context.Context, res block.Resource, mode block.Mode) fetch.Outcome {
	atomic.AddInt64(&f.calls, 1)
	n := atomic.AddInt64(&f.inFlight, 1)
	defer atomic.AddInt64(&f.inFlight, -1)
	for {
		m := atomic.LoadInt64(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt64(&f.maxSeen, m, n) {
			break
		}
	}

	time.Sleep(f.delay[res.URL])

	if strings.Contains(res.URL, "bad") {
		return fetch.Outcome{Kind: fetch.Failed, URL: res.URL, LocalPath: res.LocalPath, Err: errors.New("boom")}
	}
	return fetch.Outcome{Kind: fetch.Fetched, URL: res.URL, LocalPath: res.LocalPath}
}

type recordingObserver struct {
	mu        sync.Mutex
	resources []fetch.Outcome
	blocks    []BatchResult
}

func (r *recordingObserver) ResourceSettled(_ string, o fetch.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources = append(r.resources, o)
}

func (r *recordingObserver) BlockSettled(b BatchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, b)
}

func TestSynchronize_OneFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	b := block.Block{
		Name:           "js",
		Template:       `<script src="{{resource}}"></script>`,
		Resources:      []string{"http://h/a.js", "http://h/bad.js", "http://h/c.js"},
		LocalDirectory: "static",
	}
	ff := &fakeFetcher{delay: map[string]time.Duration{
		"http://h/a.js": 30 * time.Millisecond,
		"http://h/c.js": 1 * time.Millisecond,
	}}
	obs := &recordingObserver{}
	s := &Synchronizer{Fetcher: ff, Observer: obs}

	got := s.Synchronize(context.Background(), b, block.LocalAlways)

	if got.ErrorCount != 1 || len(got.Outcomes) != 3 {
		t.Fatalf("ErrorCount=%d outcomes=%d, want 1 and 3", got.ErrorCount, len(got.Outcomes))
	}
	for i, u := range b.Resources {
		if got.Outcomes[i].URL != u {
			t.Fatalf("outcome %d url=%q, want %q (list order)", i, got.Outcomes[i].URL, u)
		}
	}
	if got.Count(fetch.Fetched) != 2 {
		t.Fatalf("fetched=%d, want 2", got.Count(fetch.Fetched))
	}
	if len(obs.blocks) != 1 || obs.blocks[0].ErrorCount != 1 {
		t.Fatalf("block events=%+v, want exactly one with ErrorCount=1", obs.blocks)
	}
	if len(obs.resources) != 3 {
		t.Fatalf("resource events=%d, want 3", len(obs.resources))
	}
}

func TestSynchronize_MaxInFlight(t *testing.T) {
	t.Parallel()

	var urls []string
	delay := map[string]time.Duration{}
	for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
		u := "http://h/" + n + ".js"
		urls = append(urls, u)
		delay[u] = 10 * time.Millisecond
	}
	ff := &fakeFetcher{delay: delay}
	s := &Synchronizer{Fetcher: ff, MaxInFlight: 2}

	got := s.Synchronize(context.Background(), block.Block{Name: "js", Resources: urls, LocalDirectory: "static"}, block.LocalAlways)

	if len(got.Outcomes) != len(urls) || got.ErrorCount != 0 {
		t.Fatalf("outcomes=%d errors=%d", len(got.Outcomes), got.ErrorCount)
	}
	if m := atomic.LoadInt64(&ff.maxSeen); m > 2 {
		t.Fatalf("max in flight=%d, want <= 2", m)
	}
}

func TestSynchronize_CancelledWhileWaitingSettlesAsFailed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ff := &fakeFetcher{}
	s := &Synchronizer{Fetcher: ff, MaxInFlight: 1}
	b := block.Block{Name: "js", Resources: []string{"http://h/a.js", "http://h/b.js"}, LocalDirectory: "static"}

	got := s.Synchronize(ctx, b, block.LocalAlways)

	if len(got.Outcomes) != 2 {
		t.Fatalf("outcomes=%d, want 2", len(got.Outcomes))
	}
	for _, o := range got.Outcomes {
		if o.Kind == fetch.Failed && !errors.Is(o.Err, context.Canceled) {
			t.Fatalf("failed outcome err=%v, want context.Canceled", o.Err)
		}
	}
	if got.ErrorCount+int(atomic.LoadInt64(&ff.calls)) != 2 {
		t.Fatalf("errors=%d calls=%d, every resource must settle exactly once", got.ErrorCount, ff.calls)
	}
}

func TestSynchronize_EmptyBlock(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	s := &Synchronizer{Fetcher: &fakeFetcher{}, Observer: obs}
	got := s.Synchronize(context.Background(), block.Block{Name: "none"}, block.LocalAlways)
	if len(got.Outcomes) != 0 || got.ErrorCount != 0 || len(obs.blocks) != 1 {
		t.Fatalf("result=%+v events=%d", got, len(obs.blocks))
	}
}

// TestSynchronize_RealFetcher drives the real fetcher against an HTTP origin:
// two resources succeed and one returns 500.
func TestSynchronize_RealFetcher(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/broken.js") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("// " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	dir := filepath.Join(t.TempDir(), "static")
	b := block.Block{
		Name:           "js",
		Resources:      []string{srv.URL + "/x.js", srv.URL + "/broken.js", srv.URL + "/y.js"},
		LocalDirectory: dir,
	}
	s := &Synchronizer{Fetcher: &fetch.Fetcher{Client: srv.Client()}}

	got := s.Synchronize(context.Background(), b, block.LocalAlways)

	if got.ErrorCount != 1 {
		t.Fatalf("ErrorCount=%d, want 1", got.ErrorCount)
	}
	var se *fetch.StatusError
	if !errors.As(got.Outcomes[1].Err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("outcome[1]=%+v, want 500 status error", got.Outcomes[1])
	}
	for _, name := range []string{"x.js", "y.js"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s not mirrored: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "broken.js")); !os.IsNotExist(err) {
		t.Fatalf("broken.js exists after failed fetch (err=%v)", err)
	}
}
