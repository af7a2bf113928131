// Package version reports build metadata for the cyclewarden binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Name is the binary name used in version output.
const Name = "cyclewarden"

// Set via ldflags, e.g.
// -ldflags="-X github.com/andywolf/cyclewarden/internal/version.Version=v0.4.0"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// readBuildInfo is replaceable in tests.
var readBuildInfo = debug.ReadBuildInfo

// Build is the resolved build metadata.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Modified  bool   `json:"modified,omitempty"`
}

// Current resolves build metadata. Values not injected through ldflags fall
// back to the VCS stamp the Go toolchain embeds.
func Current() Build {
	b := Build{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	info, ok := readBuildInfo()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "unknown" {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.BuildDate == "unknown" {
				b.BuildDate = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	if b.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	return b
}

// ShortCommit is the commit truncated to seven characters.
func (b Build) ShortCommit() string {
	if len(b.Commit) > 7 {
		return b.Commit[:7]
	}
	return b.Commit
}

// String is the one-line form printed by `cyclewarden version`.
func (b Build) String() string {
	dirty := ""
	if b.Modified {
		dirty = "+dirty"
	}
	return fmt.Sprintf("%s %s (%s%s, %s)", Name, b.Version, b.ShortCommit(), dirty, b.GoVersion)
}

// Verbose is the multi-line form.
func (b Build) Verbose() string {
	return fmt.Sprintf("%s %s\n  commit:   %s\n  built:    %s\n  go:       %s\n  platform: %s",
		Name, b.Version, b.Commit, b.BuildDate, b.GoVersion, b.Platform)
}

// Short returns the bare version, used for cobra's --version.
func Short() string {
	return Current().Version
}
