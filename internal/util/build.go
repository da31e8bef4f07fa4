package util

import (
	"runtime/debug"
	"time"
)

// BuildDate is overridden at link time with
// -ldflags "-X firestige.xyz/satcat5/internal/util.BuildDate=2006-01-02T15:04:05Z".
var BuildDate = ""

// Version is overridden at link time.
var Version = "0.1.0"

// BuildTime returns the build timestamp, falling back to the VCS commit
// time recorded by the toolchain. Returns the zero time if neither exists.
func BuildTime() time.Time {
	if BuildDate != "" {
		if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
			return t
		}
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.time" {
				if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
					return t
				}
			}
		}
	}
	return time.Time{}
}
