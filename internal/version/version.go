// Package version reports build metadata stamped in with
// -ldflags "-X github.com/OnslaughtSnail/patchproxy/internal/version.Version=...".
package version

import "strings"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the machine-readable build metadata.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
}

// Get returns the trimmed build metadata.
func Get() Info {
	return Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}
}

// String returns compact human-readable version info.
func String() string {
	info := Get()
	parts := []string{}
	if info.Version != "" {
		parts = append(parts, info.Version)
	}
	if info.Commit != "" {
		parts = append(parts, "commit="+info.Commit)
	}
	if info.Date != "" {
		parts = append(parts, "date="+info.Date)
	}
	return strings.Join(parts, " ")
}
