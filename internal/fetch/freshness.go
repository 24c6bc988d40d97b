package fetch

import (
	"os"
	"time"
)

// Freshness describes the local copy of one resource.
type Freshness struct {
	Present bool
	ModTime time.Time
}

// CheckFreshness probes localPath without touching the network.
//
// Edge cases:
//   - any stat error (missing, permission denied, broken link) reports
//     Present=false so the caller re-fetches rather than silently skipping.
//   - a directory at localPath is not a copy and reports Present=false.
func CheckFreshness(localPath string) Freshness {
	fi, err := os.Stat(localPath)
	if err != nil || fi.IsDir() {
		return Freshness{}
	}
	return Freshness{Present: true, ModTime: fi.ModTime()}
}
