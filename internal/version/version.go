// Package version reports which drivesync build is running. Release builds set
// the variables below with -ldflags "-X"; other builds fall back to the module
// and VCS stamps the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

const (
	devVersion  = "0.1.0-dev"
	devRevision = "HEAD"
	unknownDate = "unknown"
)

var (
	AppName   = "drivesync"
	Version   = devVersion
	Revision  = devRevision
	BuildDate = ""
)

// Build describes the running binary.
type Build struct {
	App       string
	Version   string
	Revision  string
	BuildDate string
	Go        string
	Platform  string
}

var (
	once    sync.Once
	current Build
)

// Current resolves the build once and returns it.
func Current() Build {
	once.Do(func() {
		current = fromLinker()
		if info, ok := debug.ReadBuildInfo(); ok && info != nil {
			current = current.withStamps(info.Main.Version, info.Settings)
		}
		if current.BuildDate == "" {
			current.BuildDate = unknownDate
		}
	})
	return current
}

func fromLinker() Build {
	return Build{
		App:       AppName,
		Version:   Version,
		Revision:  Revision,
		BuildDate: BuildDate,
		Go:        runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// withStamps fills the fields the linker left at their defaults. Values set
// with -ldflags always win.
func (b Build) withStamps(moduleVersion string, settings []debug.BuildSetting) Build {
	if (b.Version == devVersion || b.Version == "") && moduleVersion != "" && moduleVersion != "(devel)" {
		b.Version = strings.TrimPrefix(moduleVersion, "v")
	}

	var revision, modified, stamped string
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		case "vcs.time":
			stamped = s.Value
		}
	}
	if (b.Revision == devRevision || b.Revision == "") && revision != "" {
		b.Revision = revision
		if modified == "true" {
			b.Revision += "-dirty"
		}
	}
	if b.BuildDate == "" {
		b.BuildDate = stamped
	}
	return b
}

// String renders `0.1.0 (5e23a4; go1.23.6; linux/amd64; 2026-03-01T09:00:00Z)`.
func (b Build) String() string {
	return fmt.Sprintf("%s (%s; %s; %s; %s)", b.Version, b.Revision, b.Go, b.Platform, b.BuildDate)
}

// UserAgent renders `drivesync/0.1.0 (5e23a4; linux/amd64)`.
func (b Build) UserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s)", b.App, b.Version, b.Revision, b.Platform)
}

// Detailed is the version line printed by the CLI.
func Detailed() string { return Current().String() }

// UserAgent identifies requests made by this build.
func UserAgent() string { return Current().UserAgent() }
