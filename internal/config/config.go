// Package config defines the cdnswitch JSON configuration: one or more named
// targets, each rewriting a set of source pages into a destination page.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"cdnswitch/internal/block"
	"cdnswitch/internal/ledger"
)

const (
	DefaultSeparator   = "\n"
	DefaultCharset     = "utf-8"
	DefaultTimeout     = 30 * time.Second
	DefaultUserAgent   = "cdnswitch/1.0"
	DefaultLedgerTable = ledger.DefaultTable
)

type Config struct {
	// Job labels metrics and ledger rows.
	Job     string   `json:"job"`
	HTTP    HTTP     `json:"http"`
	Ledger  Ledger   `json:"ledger"`
	Targets []Target `json:"targets"`
}

type HTTP struct {
	// Timeout is a Go duration string ("30s"). Empty means DefaultTimeout.
	Timeout string `json:"timeout"`
	// MaxInFlight caps concurrent fetches per block; 0 means no cap.
	MaxInFlight int    `json:"max_in_flight"`
	UserAgent   string `json:"user_agent"`
}

// Ledger selects the optional fetch ledger. An empty Kind disables it.
type Ledger struct {
	// Backend kind: "sqlite" | "postgres" | "mssql"
	Kind  string `json:"kind"`
	DSN   string `json:"dsn"`
	Table string `json:"table"`
}

type Target struct {
	Name        string   `json:"name"`
	Mode        string   `json:"mode"`
	Destination string   `json:"destination"`
	Sources     []string `json:"sources"`

	// Separator joins sources. nil means DefaultSeparator; "" is allowed.
	Separator *string `json:"separator,omitempty"`
	// Charset of the source files, any name known to the WHATWG encoding index.
	Charset     string `json:"charset"`
	Placeholder string `json:"placeholder"`
	Minify      bool   `json:"minify"`

	// EmitOnPartialFailure writes the destination even when fetches failed.
	// nil means true.
	EmitOnPartialFailure *bool `json:"emit_on_partial_failure,omitempty"`

	Blocks map[string]BlockConfig `json:"blocks"`
}

type BlockConfig struct {
	Template       string   `json:"template"`
	Resources      []string `json:"resources"`
	LocalDirectory string   `json:"local_directory"`
}

// Load reads and decodes a config file. It does not validate.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// TimeoutDuration parses h.Timeout, defaulting to DefaultTimeout.
func (h HTTP) TimeoutDuration() (time.Duration, error) {
	if h.Timeout == "" {
		return DefaultTimeout, nil
	}
	d, err := time.ParseDuration(h.Timeout)
	if err != nil {
		return 0, fmt.Errorf("http.timeout: %w", err)
	}
	return d, nil
}

func (h HTTP) UserAgentOrDefault() string {
	if h.UserAgent == "" {
		return DefaultUserAgent
	}
	return h.UserAgent
}

func (l Ledger) TableOrDefault() string {
	if l.Table == "" {
		return DefaultLedgerTable
	}
	return l.Table
}

func (t Target) ParsedMode() (block.Mode, error) {
	return block.ParseMode(t.Mode)
}

func (t Target) SeparatorOrDefault() string {
	if t.Separator == nil {
		return DefaultSeparator
	}
	return *t.Separator
}

func (t Target) CharsetOrDefault() string {
	if t.Charset == "" {
		return DefaultCharset
	}
	return t.Charset
}

func (t Target) PlaceholderOrDefault() string {
	if t.Placeholder == "" {
		return block.DefaultPlaceholder
	}
	return t.Placeholder
}

func (t Target) EmitOnPartialFailureOrDefault() bool {
	if t.EmitOnPartialFailure == nil {
		return true
	}
	return *t.EmitOnPartialFailure
}

// BlockList converts t.Blocks into block descriptors sorted by name.
func (t Target) BlockList() []block.Block {
	names := make([]string, 0, len(t.Blocks))
	for name := range t.Blocks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]block.Block, 0, len(names))
	for _, name := range names {
		bc := t.Blocks[name]
		out = append(out, block.Block{
			Name:           name,
			Template:       bc.Template,
			Resources:      append([]string(nil), bc.Resources...),
			LocalDirectory: bc.LocalDirectory,
		})
	}
	return out
}

// Select keeps only the named targets, in config order. An empty names
// keeps all of them.
//
// Errors:
//   - returns an error naming the first unknown target.
func Select(cfg Config, names []string) (Config, error) {
	if len(names) == 0 {
		return cfg, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	out := cfg
	out.Targets = nil
	for _, t := range cfg.Targets {
		if want[t.Name] {
			out.Targets = append(out.Targets, t)
			delete(want, t.Name)
		}
	}
	for _, n := range names {
		if want[n] {
			return Config{}, fmt.Errorf("unknown target %q", n)
		}
	}
	return out, nil
}
