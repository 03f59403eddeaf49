// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// genids turns metrics.json into the ID constants of the metrics package.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"go/format"
	"os"
	"strings"
)

// fieldPrefix starts every OTel instrument name.
const fieldPrefix = "crashunwind."

type metricDef struct {
	Description string `json:"description"`
	MetricType  string `json:"type"`
	Name        string `json:"name"`
	FieldName   string `json:"field"`
	Unit        string `json:"unit"`
	ID          uint32 `json:"id"`
	Obsolete    bool   `json:"obsolete"`
}

// validate checks the invariants the metrics package relies on: IDs are
// the positions in the file, names are unique and fields are namespaced.
func validate(defs []metricDef) error {
	names := make(map[string]struct{}, len(defs))
	for i, m := range defs {
		if m.ID != uint32(i) {
			return fmt.Errorf("metric %q has id %d at position %d", m.Name, m.ID, i)
		}
		if _, ok := names[m.Name]; ok {
			return fmt.Errorf("duplicate metric name %q", m.Name)
		}
		names[m.Name] = struct{}{}
		if i == 0 || m.Obsolete {
			continue
		}
		if m.MetricType != "counter" && m.MetricType != "gauge" {
			return fmt.Errorf("metric %q has unknown type %q", m.Name, m.MetricType)
		}
		if !strings.HasPrefix(m.FieldName, fieldPrefix) {
			return fmt.Errorf("field %q of metric %q lacks prefix %q",
				m.FieldName, m.Name, fieldPrefix)
		}
	}
	return nil
}

func generate(defs []metricDef) ([]byte, error) {
	var output bytes.Buffer
	output.WriteString("// Code generated from metrics.json. DO NOT EDIT.\n\n" +
		"package metrics\n\n" +
		"// To add a new metric append an entry to metrics.json. ONLY APPEND !\n" +
		"// Then run 'go generate ./metrics' from the top directory.\n\n" +
		"// Below are the different metric IDs that we currently implement.\n" +
		"const (\n")
	for _, m := range defs {
		if m.Obsolete {
			continue
		}
		fmt.Fprintf(&output, "\n// %s\nID%s = %d\n", m.Description, m.Name, m.ID)
	}
	fmt.Fprintf(&output, "\n// max number of ID values, keep this as *last entry*\n"+
		"IDMax = %d\n)\n", len(defs))
	return format.Source(output.Bytes())
}

func run(input, output string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("reading %s: %w", input, err)
	}
	var defs []metricDef
	if err = json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", input, err)
	}
	if err = validate(defs); err != nil {
		return err
	}
	src, err := generate(defs)
	if err != nil {
		return fmt.Errorf("formatting: %w", err)
	}
	return os.WriteFile(output, src, 0o600)
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <metrics.json> <output.go>\n", os.Args[0])
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
