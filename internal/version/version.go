package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Build information injected at compile time via ldflags:
//
//	-X motorlink/internal/version.Version=v1.0.0 -X motorlink/internal/version.Commit=abc123
var (
	Version   = "v0.0.0-dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Name is the binary name shown by -version and in logs
const Name = "motorlink"

// BuildInfo is reported by the status endpoint
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func Get() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Info returns a one-line summary for startup logs
func Info() string {
	return fmt.Sprintf("%s %s (commit: %s)", Name, Version, shortCommit(Commit))
}

// DetailedInfo is printed by -version
func DetailedInfo() string {
	b := Get()
	return fmt.Sprintf(
		"%s %s\n"+
			"  Commit: %s\n"+
			"  Built: %s\n"+
			"  Go: %s\n"+
			"  Platform: %s",
		Name,
		b.Version,
		b.Commit,
		b.BuildTime,
		b.GoVersion,
		b.Platform,
	)
}

// IsDev reports whether this is an untagged or pre-release build
func IsDev() bool {
	return strings.Contains(Version, "-")
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}
