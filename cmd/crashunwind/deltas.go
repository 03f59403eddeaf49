// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/crashunwind/libpf/pfelf"
	"go.opentelemetry.io/crashunwind/nativeunwind/elfunwindinfo"
	sdtypes "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"
)

type deltasCmd struct {
	target string
	lookup string
	stats  bool
}

func newDeltasCmd() *ffcli.Command {
	args := &deltasCmd{}

	set := flag.NewFlagSet("deltas", flag.ExitOnError)
	set.StringVar(&args.target, "target", "", "The ELF file to operate on")
	set.StringVar(&args.lookup, "lookup", "",
		"Only print the rule for this virtual address")
	set.BoolVar(&args.stats, "stats", false, "Print statistics instead of the rules")

	return &ffcli.Command{
		Name:       "deltas",
		Exec:       args.exec,
		ShortUsage: "deltas -target <file> [flags]",
		ShortHelp:  "Show the unwind rules extracted from an ELF file",
		FlagSet:    set,
		Options:    ffOptions(),
	}
}

func dumpDelta(w io.Writer, ef *pfelf.File, delta sdtypes.StackDelta) {
	comment := ""
	if delta.Hints&sdtypes.UnwindHintKeep != 0 {
		comment += " keep"
	}
	if delta.Hints&sdtypes.UnwindHintGap != 0 {
		comment += " gap"
	}
	fmt.Fprintf(w, "%016x %-40s%s\n", delta.Address,
		elfunwindinfo.FormatUnwindInfo(ef.Machine, delta.Info), comment)
}

// dumpStats prints how often each distinct rule occurs.
func dumpStats(w io.Writer, ef *pfelf.File, deltas sdtypes.StackDeltaArray) {
	seen := map[string]int{}
	for _, delta := range deltas {
		seen[elfunwindinfo.FormatUnwindInfo(ef.Machine, delta.Info)]++
	}
	rules := slices.SortedFunc(maps.Keys(seen), func(a, b string) int {
		if c := cmp.Compare(seen[b], seen[a]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	fmt.Fprintf(w, "# deltas: %d\n# unique rules: %d\n", len(deltas), len(seen))
	for _, rule := range rules {
		fmt.Fprintf(w, "%8d %s\n", seen[rule], rule)
	}
}

func (cmd *deltasCmd) exec(context.Context, []string) error {
	if cmd.target == "" {
		return errors.New("please specify `-target`")
	}
	ef, err := pfelf.Open(cmd.target)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cmd.target, err)
	}
	defer ef.Close()

	var data sdtypes.IntervalData
	if err := elfunwindinfo.Extract(ef, &data); err != nil {
		return fmt.Errorf("failed to extract stack deltas: %w", err)
	}

	switch {
	case cmd.lookup != "":
		addr, err := strconv.ParseUint(cmd.lookup, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid address: %w", err)
		}
		table := elfunwindinfo.NewIdentityTable(ef.Machine, data.Deltas)
		info, err := table.LookupVirtual(addr)
		if err != nil {
			return err
		}
		fmt.Println(elfunwindinfo.FormatUnwindInfo(ef.Machine, info))
	case cmd.stats:
		dumpStats(os.Stdout, ef, data.Deltas)
	default:
		fmt.Printf("%-16v %-40v%v\n", "# addr", "rule", "hints")
		for _, delta := range data.Deltas {
			dumpDelta(os.Stdout, ef, delta)
		}
	}
	return nil
}
