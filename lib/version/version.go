// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// These variables are set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"
)

// Info returns a formatted version string suitable for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns detailed version information including Go version.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns just the version number.
func Short() string {
	return Version
}

// Compatible reports whether a peer running version peer can share
// links with this build. Builds are compatible when their major and
// minor numbers match; pre-release and build suffixes are ignored.
// Unparseable versions are never compatible.
func Compatible(peer string) bool {
	return compatible(Version, peer)
}

func compatible(local, peer string) bool {
	localMajor, localMinor, ok := majorMinor(local)
	if !ok {
		return false
	}
	peerMajor, peerMinor, ok := majorMinor(peer)
	if !ok {
		return false
	}
	return localMajor == peerMajor && localMinor == peerMinor
}

func majorMinor(version string) (major, minor int, ok bool) {
	version = strings.TrimPrefix(version, "v")
	if cut, _, found := strings.Cut(version, "-"); found {
		version = cut
	}
	if cut, _, found := strings.Cut(version, "+"); found {
		version = cut
	}
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}
