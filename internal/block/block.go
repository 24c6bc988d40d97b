// Package block holds the resource descriptors that drive a cdn switch: a
// named list of resource URLs, the markup template each one is wrapped in,
// and the local directory the resources are mirrored into.
package block

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultPlaceholder is the token replaced by each resource reference.
const DefaultPlaceholder = "{{resource}}"

// Mode is the run-wide policy deciding where rendered markup points and
// whether resources are mirrored.
type Mode int

const (
	// Remote renders remote URLs and never fetches.
	Remote Mode = iota
	// LocalAlways renders local paths and fetches resources whose local copy is missing.
	LocalAlways
	// LocalIfNewer renders local paths and re-fetches when the remote copy is newer.
	LocalIfNewer
)

// ParseMode maps a config spelling ("remote", "local-always",
// "local-if-newer") to a Mode.
//
// Errors:
//   - returns an error for any other value, including "".
func ParseMode(s string) (Mode, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "remote":
		return Remote, nil
	case "local-always":
		return LocalAlways, nil
	case "local-if-newer":
		return LocalIfNewer, nil
	default:
		return Remote, fmt.Errorf("unknown mode %q (want remote, local-always or local-if-newer)", s)
	}
}

func (m Mode) String() string {
	switch m {
	case Remote:
		return "remote"
	case LocalAlways:
		return "local-always"
	case LocalIfNewer:
		return "local-if-newer"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Mirrors reports whether the mode renders local paths and therefore needs
// the resources synchronized.
func (m Mode) Mirrors() bool {
	return m == LocalAlways || m == LocalIfNewer
}

// Block is one named group of resources.
type Block struct {
	Name           string
	Template       string
	Resources      []string
	LocalDirectory string
}

// Resource is a single remote URL paired with the path of its local mirror.
type Resource struct {
	URL       string
	LocalPath string
}

// Resource returns the fetch descriptor for rawURL inside b.
//
// LocalPath is the rendered local reference converted to OS separators, so
// the file written by the fetcher is exactly the file the markup points at.
func (b Block) Resource(rawURL string) Resource {
	return Resource{
		URL:       rawURL,
		LocalPath: filepath.FromSlash(b.localRef(rawURL)),
	}
}

// ResourceList returns one Resource per entry in b.Resources, in order.
func (b Block) ResourceList() []Resource {
	out := make([]Resource, 0, len(b.Resources))
	for _, u := range b.Resources {
		out = append(out, b.Resource(u))
	}
	return out
}

func (b Block) localRef(rawURL string) string {
	return b.LocalDirectory + "/" + Basename(rawURL)
}

// Basename returns the substring of rawURL after its final '/'.
//
// Edge cases:
//   - a URL without '/' is returned unchanged.
//   - a URL ending in '/' yields "".
//   - query strings and fragments are kept as part of the name.
func Basename(rawURL string) string {
	return rawURL[strings.LastIndex(rawURL, "/")+1:]
}
