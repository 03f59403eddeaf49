// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc provides buildtime information.
package vc // import "go.opentelemetry.io/crashunwind/vc"

import (
	"fmt"
	"runtime/debug"
	"sync"
)

var (
	// The following variables are going to be set at link time using ldflags
	// and can be referenced later in the program.

	// revision of the tool
	revision = ""
	// buildTimestamp, timestamp of the build
	buildTimestamp = ""
	// version in vX.Y.Z{-N-abbrev} format (via git-describe --tags)
	version = ""
)

// buildInfo fills the values not set at link time from the module build
// information embedded by the Go toolchain.
var buildInfo = sync.OnceValues(func() (string, string) {
	ver, rev := version, revision
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ver, rev
	}
	if ver == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		ver = info.Main.Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && rev == "" {
			rev = s.Value
		}
	}
	return ver, rev
})

// Revision of the tool.
func Revision() string {
	_, rev := buildInfo()
	return rev
}

// BuildTimestamp returns the timestamp of the build.
func BuildTimestamp() string {
	return buildTimestamp
}

// Version in vX.Y.Z{-N-abbrev} format.
func Version() string {
	ver, _ := buildInfo()
	return ver
}

// String returns a one line summary for version output.
func String() string {
	ver := Version()
	if ver == "" {
		ver = "unknown"
	}
	s := "crashunwind " + ver
	if rev := Revision(); rev != "" {
		s += fmt.Sprintf(" (%s)", rev)
	}
	if buildTimestamp != "" {
		s += " built " + buildTimestamp
	}
	return s
}
