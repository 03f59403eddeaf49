// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides thin wrappers around locking primitives that tie a
// lock to the data it protects.
package xsync // import "go.opentelemetry.io/crashunwind/libpf/xsync"
