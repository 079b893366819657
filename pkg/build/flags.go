// SPDX-License-Identifier: MIT
//
// Package build exposes the metadata linked into the binary with -ldflags:
//
//	go build -ldflags "-X spectral/pkg/build.buildName=spectral \
//	  -X spectral/pkg/build.buildVersion=0.3.0 ..."
//
// Development builds carry no flags and report "dev" values.
package build

import (
	"errors"
	"fmt"
)

// Description is the one-line summary shown by the CLI.
const Description = "Disk-backed STFT column cache with background fill"

// Info holds build-time information.
type Info struct {
	Name    string
	Time    string
	Commit  string
	Version string
}

// String formats the info as a version line.
func (i Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", i.Version, i.Commit, i.Time)
}

// Package-level variables populated by -ldflags.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildInfo    = devInfo()
)

func devInfo() *Info {
	return &Info{
		Name:    "spectral",
		Time:    "unknown",
		Commit:  "unknown",
		Version: "dev",
	}
}

// Initialize copies the ldflags variables into the build info. It reports
// every missing flag; the info keeps its development value for those.
func Initialize() error {
	var errs []error
	set := func(dst *string, v, flag string) {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", flag))
			return
		}
		*dst = v
	}
	set(&buildInfo.Name, buildName, "BuildName")
	set(&buildInfo.Time, buildTime, "BuildTime")
	set(&buildInfo.Commit, buildCommit, "BuildCommit")
	set(&buildInfo.Version, buildVersion, "BuildVersion")
	return errors.Join(errs...)
}

// GetBuildInfo returns the current build information.
func GetBuildInfo() *Info {
	return buildInfo
}
