package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"cdnswitch/internal/block"
	"cdnswitch/internal/ledger"
	"cdnswitch/internal/markup"

	"golang.org/x/text/encoding/htmlindex"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path uses JSON-ish notation, e.g.
// "targets[0].blocks.js.resources[2]".
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks cfg and returns every issue found, errors and warnings
// mixed, in config order.
//
// Edge cases:
//   - a target with no blocks is a warning: it still concatenates sources.
//   - a block name containing '=' is a warning: no marker can ever name it.
//   - resource URL checks apply only to mirroring modes; remote mode renders
//     the strings as given.
func Validate(cfg Config) []Issue {
	var v validator

	if len(cfg.Targets) == 0 {
		v.errorf("targets", "at least one target is required")
	}

	if _, err := cfg.HTTP.TimeoutDuration(); err != nil {
		v.errorf("http.timeout", "%v", err)
	}
	if cfg.HTTP.MaxInFlight < 0 {
		v.errorf("http.max_in_flight", "must be >= 0, got %d", cfg.HTTP.MaxInFlight)
	}
	if cfg.Ledger.Kind != "" && !ledger.Registered(cfg.Ledger.Kind) {
		v.errorf("ledger.kind", "unsupported ledger kind %q (registered: %v)", cfg.Ledger.Kind, ledger.Kinds())
	}

	seen := map[string]int{}
	for i, t := range cfg.Targets {
		path := fmt.Sprintf("targets[%d]", i)
		if strings.TrimSpace(t.Name) == "" {
			v.errorf(path+".name", "target name is required")
		} else if prev, dup := seen[t.Name]; dup {
			v.errorf(path+".name", "duplicate target name %q (also targets[%d])", t.Name, prev)
		} else {
			seen[t.Name] = i
		}
		v.target(path, t)
	}
	return v.issues
}

type validator struct {
	issues []Issue
}

func (v *validator) errorf(path, format string, args ...any) {
	v.issues = append(v.issues, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) warnf(path, format string, args ...any) {
	v.issues = append(v.issues, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) target(path string, t Target) {
	mode, err := t.ParsedMode()
	if err != nil {
		v.errorf(path+".mode", "%v", err)
	}
	if strings.TrimSpace(t.Destination) == "" {
		v.errorf(path+".destination", "destination is required")
	}
	if len(t.Sources) == 0 {
		v.errorf(path+".sources", "at least one source is required")
	}
	for j, s := range t.Sources {
		if strings.TrimSpace(s) == "" {
			v.errorf(fmt.Sprintf("%s.sources[%d]", path, j), "empty source path")
		}
	}
	if _, err := htmlindex.Get(t.CharsetOrDefault()); err != nil {
		v.errorf(path+".charset", "unknown charset %q", t.Charset)
	}
	if len(t.Blocks) == 0 {
		v.warnf(path+".blocks", "no blocks configured; sources are only concatenated")
	}

	placeholder := t.PlaceholderOrDefault()
	files := map[mirrorFile]mirrorSource{}
	for _, b := range t.BlockList() {
		v.block(fmt.Sprintf("%s.blocks.%s", path, b.Name), b, placeholder, mode, files)
	}
}

// mirrorFile is a local file a mirroring mode writes to.
type mirrorFile struct {
	dir, name string
}

// mirrorSource is the first resource claiming a mirrorFile.
type mirrorSource struct {
	path, url, block string
}

// block validates b. files is shared by every block of a target; two
// resources may mirror to the same file only when they come from different
// blocks and name the same URL.
func (v *validator) block(path string, b block.Block, placeholder string, mode block.Mode, files map[mirrorFile]mirrorSource) {
	if strings.Contains(b.Name, "=") {
		v.warnf(path, "block name contains '='; a %s=%s marker can never match it", markup.MarkerTag, b.Name)
	}
	if b.Name == "" {
		v.errorf(path, "block name is empty")
	}
	if _, _, err := block.SplitTemplate(b.Template, placeholder); err != nil {
		v.errorf(path+".template", "%v", err)
	}
	if len(b.Resources) == 0 {
		v.errorf(path+".resources", "at least one resource is required")
	}

	if !mode.Mirrors() {
		return
	}

	if strings.TrimSpace(b.LocalDirectory) == "" {
		v.errorf(path+".local_directory", "local_directory is required in %s mode", mode)
	}

	dir := filepath.Clean(filepath.FromSlash(b.LocalDirectory))
	for j, raw := range b.Resources {
		rpath := fmt.Sprintf("%s.resources[%d]", path, j)
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.errorf(rpath, "%q is not an absolute http(s) URL", raw)
			continue
		}
		name := block.Basename(raw)
		if name == "" {
			v.errorf(rpath, "%q has no file name to mirror to", raw)
			continue
		}
		key := mirrorFile{dir: dir, name: name}
		if prev, dup := files[key]; dup {
			if prev.url != raw || prev.block == b.Name {
				v.errorf(rpath, "file name %q collides with %s in %s", name, prev.path, b.LocalDirectory)
			}
			continue
		}
		files[key] = mirrorSource{path: rpath, url: raw, block: b.Name}
	}
}
