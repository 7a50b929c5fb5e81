package health

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// BuildInfo is what the Go toolchain stamped into the binary.
type BuildInfo struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	GoVersion string `json:"go_version"`
}

func readBuildInfo() BuildInfo {
	info := BuildInfo{Version: "(devel)", Revision: "unknown", GoVersion: runtime.Version()}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}

	info.Module = bi.Main.Path
	if bi.Main.Version != "" {
		info.Version = bi.Main.Version
	}

	for _, setting := range bi.Settings {
		if setting.Key == "vcs.revision" && setting.Value != "" {
			info.Revision = setting.Value
		}
	}

	return info
}

func (b BuildInfo) String() string {
	revision := b.Revision
	if len(revision) > 7 {
		revision = revision[:7]
	}
	return fmt.Sprintf("%s %s (%s)", b.Version, revision, b.GoVersion)
}
