// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec wraps the CBOR library with spawnd's standard encoder
// and decoder configuration. All wire payloads go through this package
// so that encoding options (deterministic output, nesting limits) are
// decided in exactly one place.
package codec
