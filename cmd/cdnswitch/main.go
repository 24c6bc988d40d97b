package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"cdnswitch/internal/block"
	"cdnswitch/internal/config"
	"cdnswitch/internal/fetch"
	"cdnswitch/internal/ledger"
	"cdnswitch/internal/metrics"
	"cdnswitch/internal/metrics/datadog"
	"cdnswitch/internal/report"
	"cdnswitch/internal/runner"

	"github.com/joho/godotenv"

	// register all backends with the ledger factory.
	_ "cdnswitch/internal/ledger/all"
)

const defaultJobName = "cdnswitch"

// backendCloser is the minimal interface used by this command to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject fake metrics/ledger factories, an HTTP client pointed
//     at httptest, a fixed environment, and capture stdout/stderr.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	LedgerFactory  func(ctx context.Context, cfg ledger.Config) (ledger.Repository, error)
	// HTTPClient overrides the client built from the config.
	HTTPClient fetch.Doer
	Getenv     func(string) string
	Now        func() time.Time
}

// runConfig holds the parsed flags.
type runConfig struct {
	ConfigPath       string
	Targets          []string
	Mode             string
	Strict           bool
	ValidateOnly     bool
	Events           bool
	Verbose          bool
	Timeout          time.Duration
	MaxInFlight      int
	FailOnFetchError bool
	MetricsBackend   string
	DDTagsCSV        string
	FlushEvery       time.Duration
	LedgerKind       string
	LedgerDSN        string
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	_ = godotenv.Load()

	code := run(context.Background(), os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		LedgerFactory: ledger.New,
		Getenv:        os.Getenv,
		Now:           time.Now,
	})
	os.Exit(code)
}

// run executes one synchronization pass and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: a target failed (read/parse/write error or strict withhold), or any
//     fetch failed with -fail_on_fetch_error.
//   - 2: usage, configuration or initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Getenv == nil {
		d.Getenv = func(string) string { return "" }
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.LedgerFactory == nil {
		d.LedgerFactory = ledger.New
	}

	rc, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	logger := log.New(d.Stderr, "", log.LstdFlags)

	cfg, err := config.Load(rc.ConfigPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return 2
	}
	cfg, err = config.Select(cfg, rc.Targets)
	if err != nil {
		fmt.Fprintf(d.Stderr, "-target: %v\n", err)
		return 2
	}
	applyOverrides(&cfg, rc, d.Getenv)

	// Validate config.
	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(d.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		logger.Printf("Configuration is invalid: %v", rc.ConfigPath)
		return 2
	}
	if rc.ValidateOnly {
		logger.Printf("Configuration is valid: %v", rc.ConfigPath)
		return 0
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobName := cfg.Job
	if jobName == "" {
		jobName = defaultJobName
	}

	if closeMetrics := setupMetrics(ctx, rc, jobName, d, logger); closeMetrics != nil {
		defer closeMetrics()
	}

	var repo ledger.Repository
	if cfg.Ledger.Kind != "" {
		lc := ledger.Config{Kind: cfg.Ledger.Kind, DSN: cfg.Ledger.DSN, Table: cfg.Ledger.TableOrDefault()}
		repo, err = d.LedgerFactory(ctx, lc)
		if err != nil {
			fmt.Fprintf(d.Stderr, "ledger init failed: %v\n", err)
			return 2
		}
		defer repo.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			fmt.Fprintf(d.Stderr, "ledger schema: %v\n", err)
			return 2
		}
		if rc.Verbose {
			logger.Printf("ledger: kind=%s table=%s", lc.Kind, lc.Table)
		}
	}

	timeout, _ := cfg.HTTP.TimeoutDuration()
	client := d.HTTPClient
	if client == nil {
		client = fetch.NewHTTPClient(timeout, cfg.HTTP.MaxInFlight)
	}

	rep := &report.Reporter{Out: d.Stderr, Verbose: rc.Verbose, Now: d.Now}
	if rc.Events {
		rep.Events = d.Stdout
	}

	rn := runner.New(&fetch.Fetcher{
		Client:    client,
		UserAgent: cfg.HTTP.UserAgentOrDefault(),
		Job:       jobName,
		Now:       d.Now,
	}, rep)
	rn.MaxInFlight = cfg.HTTP.MaxInFlight
	rn.Ledger = repo
	rn.Strict = rc.Strict
	rn.Now = d.Now
	rep.RunID = rn.RunID

	start := d.Now()
	if rc.Verbose {
		logger.Printf("run: id=%s targets=%d", rn.RunID, len(cfg.Targets))
	}

	sum := rn.Run(ctx, cfg)

	if rc.Verbose {
		logger.Printf("completed in %s", d.Now().Sub(start).Truncate(time.Millisecond))
	}

	if !sum.OK() {
		return 1
	}
	if rc.FailOnFetchError && sum.FetchErrors > 0 {
		return 1
	}
	return 0
}

// applyOverrides folds CLI flags and environment into cfg.
// Precedence: flag → env → config file.
func applyOverrides(cfg *config.Config, rc runConfig, getenv func(string) string) {
	if rc.Mode != "" {
		for i := range cfg.Targets {
			cfg.Targets[i].Mode = rc.Mode
		}
	}
	if rc.Timeout > 0 {
		cfg.HTTP.Timeout = rc.Timeout.String()
	}
	if rc.MaxInFlight >= 0 {
		cfg.HTTP.MaxInFlight = rc.MaxInFlight
	}

	if kind := firstNonEmpty(rc.LedgerKind, getenv("CDNSWITCH_LEDGER_KIND")); kind != "" {
		cfg.Ledger.Kind = kind
	}
	if dsn := firstNonEmpty(rc.LedgerDSN, getenv("CDNSWITCH_LEDGER_DSN")); dsn != "" {
		cfg.Ledger.DSN = dsn
	}
}

// setupMetrics installs the selected metrics backend and returns its
// shutdown func, or nil when metrics stay disabled.
func setupMetrics(ctx context.Context, rc runConfig, jobName string, d deps, logger *log.Logger) func() {
	// Decide metrics backend: flag → env → default.
	backendName := firstNonEmpty(rc.MetricsBackend, d.Getenv("METRICS_BACKEND"))

	switch backendName {
	case "datadog":
		if d.BackendFactory == nil {
			logger.Printf("metrics: no datadog factory; metrics disabled")
			return nil
		}
		tags := append(datadog.ParseTagsCSV(d.Getenv("METRICS_TAGS")), datadog.ParseTagsCSV(rc.DDTagsCSV)...)
		tags = append(tags, "tool:cdnswitch")

		b, err := d.BackendFactory(ctx, jobName, tags, rc.FlushEvery)
		if err != nil {
			logger.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return nil
		}
		logger.Printf("metrics: backend=%v job_name=%v tags=%v", backendName, jobName, tags)
		metrics.SetBackend(b)

		// Close stops the periodic flush loop and then performs a final Flush.
		return func() {
			if err := b.Close(); err != nil {
				logger.Printf("metrics: datadog close/flush error: %v", err)
			}
			metrics.SetBackend(nil)
		}

	case "", "none":
		if rc.Verbose {
			logger.Printf("metrics: disabled (backend=%q)", backendName)
		}
	default:
		logger.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}
	return nil
}

// parseFlags parses command arguments into a validated runConfig.
//
// Errors:
//   - Returns an error for invalid/missing required flags.
//   - Does not exit the process (caller decides exit code).
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("cdnswitch", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var (
		rc      runConfig
		targets string
	)
	fs.StringVar(&rc.ConfigPath, "config", "", "Path to the cdnswitch JSON config")
	fs.StringVar(&targets, "target", "", "Comma-separated target names to run (default all)")
	fs.StringVar(&rc.Mode, "mode", "", "Override every target's mode (remote, local-always, local-if-newer)")
	fs.BoolVar(&rc.Strict, "strict", false, "Do not write a destination whose target had fetch errors")
	fs.BoolVar(&rc.ValidateOnly, "validate", false, "Validate the configuration and exit")
	fs.BoolVar(&rc.Events, "events", false, "Write JSONL events to stdout")
	fs.BoolVar(&rc.Verbose, "v", false, "Enable verbose logs")
	fs.DurationVar(&rc.Timeout, "timeout", 0, "HTTP timeout per request (overrides http.timeout)")
	fs.IntVar(&rc.MaxInFlight, "max_in_flight", -1, "Max concurrent fetches per block, 0 for no cap (overrides http.max_in_flight)")
	fs.BoolVar(&rc.FailOnFetchError, "fail_on_fetch_error", false, "Exit 1 when any fetch failed")
	fs.StringVar(&rc.MetricsBackend, "metrics-backend", "", "Metrics backend: none or datadog (overrides env METRICS_BACKEND)")
	fs.StringVar(&rc.DDTagsCSV, "dd_tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:site)")
	fs.DurationVar(&rc.FlushEvery, "metrics_flush", 1*time.Minute, "Datadog flush interval")
	fs.StringVar(&rc.LedgerKind, "ledger-kind", "", "Ledger backend: sqlite, postgres or mssql (overrides env CDNSWITCH_LEDGER_KIND)")
	fs.StringVar(&rc.LedgerDSN, "ledger-dsn", "", "Ledger DSN (overrides env CDNSWITCH_LEDGER_DSN)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	if rc.ConfigPath == "" {
		return runConfig{}, errors.New("missing required -config <path>")
	}
	if rc.Mode != "" {
		if _, err := block.ParseMode(rc.Mode); err != nil {
			return runConfig{}, fmt.Errorf("-mode: %w", err)
		}
	}
	if rc.Timeout < 0 {
		return runConfig{}, errors.New("-timeout must be >= 0")
	}
	if rc.MaxInFlight < -1 {
		return runConfig{}, errors.New("-max_in_flight must be >= 0")
	}
	if rc.FlushEvery <= 0 {
		return runConfig{}, errors.New("-metrics_flush must be > 0")
	}
	for _, t := range strings.Split(targets, ",") {
		if t = strings.TrimSpace(t); t != "" {
			rc.Targets = append(rc.Targets, t)
		}
	}
	return rc, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
