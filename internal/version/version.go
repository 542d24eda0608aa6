// Package version reports build information.
package version

import (
	"fmt"
	"runtime"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Info describes the running binary.
type Info struct {
	Version string `json:"version"`
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go"`
}

// Get returns the build information of the running binary.
func Get() Info {
	return Info{
		Version: Version,
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		Go:      runtime.Version(),
	}
}

// String formats the build information on one line.
func (i Info) String() string {
	return fmt.Sprintf("sjaiengine %s (%s/%s, %s)", i.Version, i.OS, i.Arch, i.Go)
}
