// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"strings"

	"github.com/spawnd-project/spawnd/lib/launchenv"
)

// MaxFDTarget is the highest child descriptor number a request may
// assign a passed file to. Descriptors between the targets are filled
// with placeholders on the service side, so an unbounded target would
// let one request open arbitrarily many files in the service.
const MaxFDTarget = 63

// ValidateLaunch checks a Launch request against the number of file
// descriptors that arrived with it, before the request reaches the
// supervisor. A non-nil error means the request is rejected with
// RejectInvalidRequest; the session stays open.
func ValidateLaunch(launch *Launch, fdCount int) error {
	if len(launch.Argv) == 0 {
		return fmt.Errorf("argv must not be empty")
	}
	for i, arg := range launch.Argv {
		if arg == "" && i == 0 {
			return fmt.Errorf("argv[0] must not be empty")
		}
		if strings.ContainsRune(arg, 0) {
			return fmt.Errorf("argv[%d] contains NUL byte", i)
		}
	}

	if strings.ContainsRune(launch.Directory, 0) {
		return fmt.Errorf("working directory contains NUL byte")
	}

	for name, value := range launch.Env {
		if err := launchenv.CheckName(name); err != nil {
			return err
		}
		if err := launchenv.CheckValue(name, value); err != nil {
			return err
		}
	}

	if unknown := launch.Flags.Unknown(); unknown != 0 {
		return fmt.Errorf("unknown flag bits 0x%x", uint32(unknown))
	}

	if len(launch.FDTargets) > 0 {
		if len(launch.FDTargets) != fdCount {
			return fmt.Errorf("fd_targets has %d entries for %d passed descriptors", len(launch.FDTargets), fdCount)
		}
		seen := make(map[uint32]bool, len(launch.FDTargets))
		for _, target := range launch.FDTargets {
			if target > MaxFDTarget {
				return fmt.Errorf("fd target %d exceeds maximum %d", target, MaxFDTarget)
			}
			if seen[target] {
				return fmt.Errorf("duplicate fd target %d", target)
			}
			seen[target] = true
		}
	}

	return nil
}
