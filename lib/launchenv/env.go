// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// Package launchenv composes a child process environment from the
// service's inherited environment and per-request overrides.
//
// The merge order is fixed: the inherited environment is included
// first (unless the request cleared it), then overrides are applied,
// so an override always wins a name collision. The resolved
// environment never contains duplicate names. With clearEnv set the
// result is built from the overrides alone; nothing inherited is
// visible to the child, which is the security property callers rely
// on when launching with credentials scrubbed.
package launchenv

import (
	"fmt"
	"sort"
	"strings"
)

// CheckName reports whether name is usable as an environment variable
// name: non-empty, no "=" separator, no NUL byte.
func CheckName(name string) error {
	if name == "" {
		return fmt.Errorf("empty environment variable name")
	}
	if strings.ContainsRune(name, '=') {
		return fmt.Errorf("environment variable name %q contains %q", name, "=")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("environment variable name contains NUL byte")
	}
	return nil
}

// CheckValue reports whether value is usable as an environment
// variable value. Values may contain "=" but never a NUL byte, since
// the execve environment block is NUL-delimited.
func CheckValue(name, value string) error {
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("value of environment variable %q contains NUL byte", name)
	}
	return nil
}

// Resolve merges the base environment with overrides and returns the
// child's environment in "NAME=value" form, sorted by name. When
// clearEnv is true the base is ignored entirely and the result
// contains exactly the overrides.
//
// Malformed base entries (no "=" separator) are dropped rather than
// passed through; they cannot be expressed as a name/value pair and
// execve would hand the child garbage.
func Resolve(base []string, overrides map[string]string, clearEnv bool) []string {
	merged := make(map[string]string, len(base)+len(overrides))

	if !clearEnv {
		for _, entry := range base {
			name, value, ok := strings.Cut(entry, "=")
			if !ok || name == "" {
				continue
			}
			merged[name] = value
		}
	}

	for name, value := range overrides {
		merged[name] = value
	}

	resolved := make([]string, 0, len(merged))
	for name, value := range merged {
		resolved = append(resolved, name+"="+value)
	}
	sort.Strings(resolved)
	return resolved
}
