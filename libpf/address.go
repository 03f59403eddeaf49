// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/crashunwind/libpf"

// Address is a virtual address in the unwound process, or an offset into
// one of its mappings.
type Address uintptr
