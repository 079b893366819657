// SPDX-License-Identifier: MIT
package main

import (
	"os"

	"spectral/cmd"
	applog "spectral/internal/log"
	"spectral/pkg/build"
)

// main wires build information into the command tree and runs it. Every
// spectrogram acquired by a command is closed, and its disk chunks removed,
// before Execute returns.
func main() {
	// Missing link-time flags leave the development values in place.
	if err := build.Initialize(); err != nil {
		applog.Debugf("build info: %v", err)
	}

	if err := cmd.Execute(os.Args[1:], os.Stdout); err != nil {
		applog.Fatalf("%v", err)
	}
}
