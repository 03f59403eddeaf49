// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds the small shared types used across the unwinder:
// addresses, file identifiers and generic helpers.
package libpf // import "go.opentelemetry.io/crashunwind/libpf"
