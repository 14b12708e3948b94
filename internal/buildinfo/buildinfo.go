// Package buildinfo reports the version of the qcdbcheck binary.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var readBuildInfo = debug.ReadBuildInfo

// Resolve returns version, commit and date. Values not set through -ldflags
// are filled from the module and VCS stamps the Go toolchain embeds.
func Resolve() (version, commit, date string) {
	version, commit, date = Version, Commit, Date
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return version, commit, date
	}
	if version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if commit == "none" && setting.Value != "" {
				commit = setting.Value
			}
		case "vcs.time":
			if date == "unknown" && setting.Value != "" {
				date = setting.Value
			}
		}
	}
	return version, commit, date
}

func String() string {
	version, commit, date := Resolve()
	return fmt.Sprintf("qcdbcheck version=%s commit=%s date=%s", version, commit, date)
}
