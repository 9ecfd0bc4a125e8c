// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build identification for spawnd binaries.
package version

import "runtime/debug"

// Version is the release version, overridden at build time with
// -ldflags "-X .../lib/version.Version=v1.2.3".
var Version = "devel"

// Info returns a human-readable version string including the VCS
// revision when the binary was built from a module-aware checkout.
func Info() string {
	info := Version
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, setting := range buildInfo.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 12 {
			info += " (" + setting.Value[:12] + ")"
			break
		}
	}
	return info
}
