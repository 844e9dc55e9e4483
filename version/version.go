// Package version reports how the cadence binary was built.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/teranos/cadence/version.Version=v1.2.0 ...".
// CommitHash and BuildTime fall back to the VCS stamp of module builds.
var (
	Version    = "dev"
	CommitHash = ""
	BuildTime  = ""
)

const unknown = "unknown"

// Info describes the running binary.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Modified   bool   `json:"modified,omitempty"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the build information of the running binary.
func Get() Info {
	i := Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		i = i.withVCS(bi.Settings)
	}
	if i.CommitHash == "" {
		i.CommitHash = unknown
	}
	if i.BuildTime == "" {
		i.BuildTime = unknown
	}
	return i
}

// withVCS fills what ldflags left empty from the embedded VCS settings.
func (i Info) withVCS(settings []debug.BuildSetting) Info {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if i.CommitHash == "" {
				i.CommitHash = s.Value
			}
		case "vcs.time":
			if i.BuildTime == "" {
				i.BuildTime = s.Value
			}
		case "vcs.modified":
			i.Modified = s.Value == "true"
		}
	}
	return i
}

// IsRelease reports whether the binary carries a tagged version.
func (i Info) IsRelease() bool {
	return i.Version != "" && i.Version != "dev"
}

func (i Info) String() string {
	v := "dev"
	if i.IsRelease() {
		v = i.Version
	}
	commit := i.Short()
	if i.Modified {
		commit += "+dirty"
	}
	return fmt.Sprintf("cadence %s (commit %s, built %s)", v, commit, i.BuildTime)
}

// Short returns the abbreviated commit hash.
func (i Info) Short() string {
	if len(i.CommitHash) > 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// UserAgent identifies cadence on outbound provider requests.
func (i Info) UserAgent() string {
	if i.IsRelease() {
		return fmt.Sprintf("cadence/%s (%s)", i.Version, i.Platform)
	}
	return fmt.Sprintf("cadence/dev-%s (%s)", i.Short(), i.Platform)
}
