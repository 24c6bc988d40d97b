package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cdnswitch/internal/block"
)

var remoteMod = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// newOrigin serves body with Last-Modified=mod and ignores conditional
// headers, so the fetcher's own comparison is what decides.
func newOrigin(t *testing.T, body string, mod time.Time, hits *int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt64(hits, 1)
		}
		if !mod.IsZero() {
			w.Header().Set("Last-Modified", mod.Format(http.TimeFormat))
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeLocal(t *testing.T, path, body string, mod time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func readLocal(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestCheckFreshness(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	if got := CheckFreshness(filepath.Join(dir, "missing.js")); got.Present {
		t.Fatalf("missing file reported present: %+v", got)
	}
	if got := CheckFreshness(dir); got.Present {
		t.Fatalf("directory reported present: %+v", got)
	}

	p := filepath.Join(dir, "x.js")
	writeLocal(t, p, "x", remoteMod)
	got := CheckFreshness(p)
	if !got.Present || !got.ModTime.Equal(remoteMod) {
		t.Fatalf("CheckFreshness=%+v, want present with mtime %s", got, remoteMod)
	}
}

func TestEnsure_RemoteModeDoesNoIO(t *testing.T) {
	t.Parallel()

	var hits int64
	srv := newOrigin(t, "x", remoteMod, &hits)
	local := filepath.Join(t.TempDir(), "static", "x.js")

	f := &Fetcher{Client: srv.Client()}
	out := f.Ensure(context.Background(), block.Resource{URL: srv.URL + "/x.js", LocalPath: local}, block.Remote)

	if out.Kind != Skipped || out.Reason != RemoteMode {
		t.Fatalf("outcome=%+v, want Skipped{RemoteMode}", out)
	}
	if atomic.LoadInt64(&hits) != 0 {
		t.Fatalf("remote mode issued %d requests", hits)
	}
	if CheckFreshness(local).Present {
		t.Fatalf("remote mode wrote %s", local)
	}
}

func TestEnsure_LocalAlways(t *testing.T) {
	t.Parallel()

	var hits int64
	srv := newOrigin(t, "console.log(1)", remoteMod, &hits)
	dir := t.TempDir()
	f := &Fetcher{Client: srv.Client(), UserAgent: "cdnswitch-test"}

	t.Run("missing_is_fetched_into_new_directory", func(t *testing.T) {
		local := filepath.Join(dir, "nested", "static", "x.js")
		out := f.Ensure(context.Background(), block.Resource{URL: srv.URL + "/x.js", LocalPath: local}, block.LocalAlways)
		if out.Kind != Fetched || out.Err != nil {
			t.Fatalf("outcome=%+v, want Fetched", out)
		}
		if out.Bytes != int64(len("console.log(1)")) || out.StatusCode != http.StatusOK {
			t.Fatalf("bytes=%d status=%d", out.Bytes, out.StatusCode)
		}
		if got := readLocal(t, local); got != "console.log(1)" {
			t.Fatalf("content=%q", got)
		}
		if out.URL != srv.URL+"/x.js" || out.LocalPath != local {
			t.Fatalf("outcome not labelled: %+v", out)
		}
	})

	t.Run("present_is_not_requested", func(t *testing.T) {
		local := filepath.Join(dir, "y.js")
		writeLocal(t, local, "old", remoteMod.Add(-time.Hour))
		before := atomic.LoadInt64(&hits)

		out := f.Ensure(context.Background(), block.Resource{URL: srv.URL + "/y.js", LocalPath: local}, block.LocalAlways)
		if out.Kind != Skipped || out.Reason != AlreadyPresent {
			t.Fatalf("outcome=%+v, want Skipped{AlreadyPresent}", out)
		}
		if atomic.LoadInt64(&hits) != before {
			t.Fatalf("present file triggered a request")
		}
		if got := readLocal(t, local); got != "old" {
			t.Fatalf("content=%q, want untouched", got)
		}
	})
}

func TestEnsure_LocalIfNewer_Freshness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		local    bool
		localMod time.Time
		header   time.Time
		wantKind Kind
		wantBody string
	}{
		{name: "absent", local: false, header: remoteMod, wantKind: Fetched, wantBody: "new"},
		{name: "older_local", local: true, localMod: remoteMod.Add(-time.Hour), header: remoteMod, wantKind: Fetched, wantBody: "new"},
		{name: "newer_local", local: true, localMod: remoteMod.Add(time.Hour), header: remoteMod, wantKind: Skipped, wantBody: "old"},
		{name: "equal", local: true, localMod: remoteMod, header: remoteMod, wantKind: Skipped, wantBody: "old"},
		{name: "no_last_modified", local: true, localMod: remoteMod, header: time.Time{}, wantKind: Fetched, wantBody: "new"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := newOrigin(t, "new", tc.header, nil)
			local := filepath.Join(t.TempDir(), "static", "x.js")
			if tc.local {
				writeLocal(t, local, "old", tc.localMod)
			}

			f := &Fetcher{Client: srv.Client()}
			out := f.Ensure(context.Background(), block.Resource{URL: srv.URL + "/x.js", LocalPath: local}, block.LocalIfNewer)

			if out.Kind != tc.wantKind {
				t.Fatalf("kind=%s, want %s (err=%v)", out.Kind, tc.wantKind, out.Err)
			}
			if out.Kind == Skipped && (out.Reason != AlreadyFresh || out.Bytes != 0) {
				t.Fatalf("skip outcome=%+v, want AlreadyFresh with no bytes", out)
			}
			if got := readLocal(t, local); got != tc.wantBody {
				t.Fatalf("content=%q, want %q", got, tc.wantBody)
			}
		})
	}
}

func TestEnsure_LocalIfNewer_SetsMtimeAndHonours304(t *testing.T) {
	t.Parallel()

	var gotIMS atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIMS.Store(r.Header.Get("If-Modified-Since"))
		if ims, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !remoteMod.After(ims) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Last-Modified", remoteMod.Format(http.TimeFormat))
		_, _ = w.Write([]byte("body"))
	}))
	t.Cleanup(srv.Close)

	local := filepath.Join(t.TempDir(), "x.js")
	res := block.Resource{URL: srv.URL + "/x.js", LocalPath: local}
	f := &Fetcher{Client: srv.Client()}

	first := f.Ensure(context.Background(), res, block.LocalIfNewer)
	if first.Kind != Fetched {
		t.Fatalf("first=%+v, want Fetched", first)
	}
	if v, _ := gotIMS.Load().(string); v != "" {
		t.Fatalf("first request sent If-Modified-Since=%q for absent file", v)
	}
	if fr := CheckFreshness(local); !fr.ModTime.Equal(remoteMod) {
		t.Fatalf("mtime=%s, want Last-Modified %s", fr.ModTime, remoteMod)
	}

	second := f.Ensure(context.Background(), res, block.LocalIfNewer)
	if second.Kind != Skipped || second.Reason != AlreadyFresh || second.StatusCode != http.StatusNotModified {
		t.Fatalf("second=%+v, want Skipped{AlreadyFresh} via 304", second)
	}
	if v, _ := gotIMS.Load().(string); v != remoteMod.Format(http.TimeFormat) {
		t.Fatalf("If-Modified-Since=%q, want %q", v, remoteMod.Format(http.TimeFormat))
	}
}

func TestEnsure_StatusErrorIsFailed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	local := filepath.Join(t.TempDir(), "x.js")
	f := &Fetcher{Client: srv.Client()}
	out := f.Ensure(context.Background(), block.Resource{URL: srv.URL + "/x.js", LocalPath: local}, block.LocalAlways)

	if out.Kind != Failed || out.StatusCode != http.StatusNotFound {
		t.Fatalf("outcome=%+v, want Failed 404", out)
	}
	var se *StatusError
	if !errors.As(out.Err, &se) || se.StatusCode != 404 || se.URL != srv.URL+"/x.js" {
		t.Fatalf("err=%v, want *StatusError{404}", out.Err)
	}
	if CheckFreshness(local).Present {
		t.Fatalf("failed fetch created %s", local)
	}
}

func TestEnsure_TransportErrorIsFailed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/x.js"
	srv.Close()

	f := &Fetcher{Client: &http.Client{Timeout: 2 * time.Second}}
	out := f.Ensure(context.Background(), block.Resource{URL: url, LocalPath: filepath.Join(t.TempDir(), "x.js")}, block.LocalAlways)

	if out.Kind != Failed || out.StatusCode != 0 || out.Err == nil {
		t.Fatalf("outcome=%+v, want Failed transport error", out)
	}
	var se *StatusError
	if errors.As(out.Err, &se) {
		t.Fatalf("transport error reported as status error: %v", out.Err)
	}
	if !strings.Contains(out.Err.Error(), url) {
		t.Fatalf("err=%v, want it to name the url", out.Err)
	}
}

func TestEnsure_TruncatedBodyLeavesNoFile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("partial"))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	local := filepath.Join(dir, "x.js")
	f := &Fetcher{Client: srv.Client()}
	out := f.Ensure(context.Background(), block.Resource{URL: srv.URL + "/x.js", LocalPath: local}, block.LocalAlways)

	if out.Kind != Failed {
		t.Fatalf("outcome=%+v, want Failed", out)
	}
	if CheckFreshness(local).Present {
		t.Fatalf("truncated transfer left %s behind", local)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestEnsure_SendsUserAgent(t *testing.T) {
	t.Parallel()

	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.UserAgent())
		_, _ = w.Write([]byte("x"))
	}))
	t.Cleanup(srv.Close)

	f := &Fetcher{Client: srv.Client(), UserAgent: "cdnswitch/1.0"}
	_ = f.Ensure(context.Background(), block.Resource{URL: srv.URL, LocalPath: filepath.Join(t.TempDir(), "x")}, block.LocalAlways)

	if got, _ := ua.Load().(string); got != "cdnswitch/1.0" {
		t.Fatalf("User-Agent=%q", got)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "dest", "index.html")
	if err := WriteFileAtomic(p, []byte("<p>hi</p>")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if got := readLocal(t, p); got != "<p>hi</p>" {
		t.Fatalf("content=%q", got)
	}
	fi, err := os.Stat(p)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm()&0o044 == 0 {
		t.Fatalf("perm=%v, want group/other readable", fi.Mode().Perm())
	}
}
