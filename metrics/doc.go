// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics reports the outcome counters of stack unwinding through the
OTel metrics API. Without a configured MeterProvider the reports are no-ops.

Metric definitions live in metrics.json, and ids.go is generated from it:

	metrics
	├── genids/         // generator for ids.go
	├── doc.go          // this file
	├── ids.go          // generated metric IDs
	├── metrics.go      // implement Add() and AddSlice()
	├── metrics.json    // metric definitions, only ever append
	└── types.go        // definitions of Metric, MetricID, MetricValue
*/
package metrics
