// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/crashunwind/process"
	"go.opentelemetry.io/crashunwind/regcontext"
	"go.opentelemetry.io/crashunwind/unwinder"
)

const (
	defaultOutputSize = 16 << 10
	defaultRegMask    = "0x1ffffffff"
)

type unwindCmd struct {
	snapshotPath string
	mapsPath     string
	pid          int
	libDir       string
	regMask      string
	machine      string
	outputSize   int
	maxFrames    int
	maxSteps     int
	pacMask      string
	symbolize    bool
	demangle     bool
	cacheDir     string
	cacheSize    uint64
	register     string
	jsonOutput   bool
	verbose      bool
}

func newUnwindCmd() *ffcli.Command {
	args := &unwindCmd{}

	set := flag.NewFlagSet("unwind", flag.ExitOnError)
	set.StringVar(&args.snapshotPath, "snapshot", "",
		"Path of the register snapshot, '-' reads standard input")
	set.StringVar(&args.mapsPath, "maps", "", "Path of the module map in /proc/PID/maps format")
	set.IntVar(&args.pid, "pid", 0, "Unwind the main thread of this process instead of a snapshot")
	set.StringVar(&args.libDir, "libdir", "",
		"Directory searched for library files before their mapped path")
	set.StringVar(&args.regMask, "reg-mask", defaultRegMask, "Mask of the trusted registers")
	set.StringVar(&args.machine, "machine", "",
		"Architecture of the snapshot (arm64 or amd64), default is the host")
	set.IntVar(&args.outputSize, "output-size", defaultOutputSize,
		"Capacity of the trace buffer in bytes")
	set.IntVar(&args.maxFrames, "max-frames", unwinder.DefaultMaxFrames, "Maximum number of frames")
	set.IntVar(&args.maxSteps, "max-steps", 0,
		fmt.Sprintf("Maximum number of stack memory reads, 0 allows %d per frame",
			unwinder.StepsPerFrame))
	set.StringVar(&args.pacMask, "pac-mask", "0",
		"Pointer authentication bits to clear from return addresses")
	set.BoolVar(&args.symbolize, "symbolize", true, "Add function names to the frames")
	set.BoolVar(&args.demangle, "demangle", false, "Demangle C++ and Rust function names")
	set.StringVar(&args.cacheDir, "cache-dir", "",
		"Directory for the persistent unwind table cache, disabled if empty")
	set.Uint64Var(&args.cacheSize, "cache-size", unwinder.DefaultPersistentCacheSize,
		"Size limit of the persistent unwind table cache in bytes")
	set.StringVar(&args.register, "reg", "",
		"Register (x0-x30, lr, ...) whose value is resolved to a library offset")
	set.BoolVar(&args.jsonOutput, "json", false, "Write a JSON report instead of the trace")
	set.BoolVar(&args.verbose, "v", false, "Enable debug logging")

	return &ffcli.Command{
		Name:       "unwind",
		Exec:       args.exec,
		ShortUsage: "unwind [flags]",
		ShortHelp:  "Unwind a register snapshot or a stopped process",
		FlagSet:    set,
		Options:    ffOptions(),
	}
}

// parseMachine maps the architecture names of Go and the kernel to ELF
// machines.
func parseMachine(name string) (elf.Machine, error) {
	switch name {
	case "":
		return elf.EM_NONE, nil
	case "arm64", "aarch64":
		return elf.EM_AARCH64, nil
	case "amd64", "x86_64", "x86-64":
		return elf.EM_X86_64, nil
	default:
		return elf.EM_NONE, fmt.Errorf("unsupported machine %q", name)
	}
}

func (cmd *unwindCmd) config() (unwinder.Config, error) {
	machine, err := parseMachine(cmd.machine)
	if err != nil {
		return unwinder.Config{}, err
	}
	pacMask, err := strconv.ParseUint(cmd.pacMask, 0, 64)
	if err != nil {
		return unwinder.Config{}, fmt.Errorf("invalid PAC mask: %w", err)
	}
	return unwinder.Config{
		Machine:             machine,
		MaxFrames:           cmd.maxFrames,
		MaxSteps:            cmd.maxSteps,
		CodePACMask:         pacMask,
		LibraryDir:          cmd.libDir,
		Symbolize:           cmd.symbolize,
		Demangle:            cmd.demangle,
		PersistentCacheDir:  cmd.cacheDir,
		PersistentCacheSize: cmd.cacheSize,
	}, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// loadSnapshot reads the snapshot and the module map given on the command
// line.
func (cmd *unwindCmd) loadSnapshot() (unwinder.Request, error) {
	mask, err := strconv.ParseUint(cmd.regMask, 0, 64)
	if err != nil {
		return unwinder.Request{}, fmt.Errorf("invalid register mask: %w", err)
	}
	blob, err := readInput(cmd.snapshotPath)
	if err != nil {
		return unwinder.Request{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	rc, err := regcontext.Decode(blob, mask)
	if err != nil {
		return unwinder.Request{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	mapsText, err := os.ReadFile(cmd.mapsPath)
	if err != nil {
		return unwinder.Request{}, fmt.Errorf("failed to read module map: %w", err)
	}
	mappings, parseErrors, err := process.ParseMappings(bytes.NewReader(mapsText))
	if err != nil {
		return unwinder.Request{}, fmt.Errorf("failed to parse module map: %w", err)
	}
	if parseErrors > 0 {
		log.Warnf("Ignored %d malformed lines of %s", parseErrors, cmd.mapsPath)
	}
	return unwinder.Request{Context: rc, Modules: process.NewModuleMap(mappings)}, nil
}

// loadProcess stops the process and captures its main thread. The returned
// function resumes the process.
func (cmd *unwindCmd) loadProcess(cfg *unwinder.Config) (unwinder.Request, func(), error) {
	p, err := process.Attach(cmd.pid)
	if err != nil {
		return unwinder.Request{}, nil, err
	}
	detach := func() {
		if err := p.Close(); err != nil {
			log.Warnf("Failed to detach from %d: %v", cmd.pid, err)
		}
	}
	rc, err := p.Registers()
	if err != nil {
		detach()
		return unwinder.Request{}, nil, err
	}
	mappings, parseErrors, err := p.Mappings()
	if err != nil {
		detach()
		return unwinder.Request{}, nil, err
	}
	if parseErrors > 0 {
		log.Warnf("Ignored %d malformed mappings of %d", parseErrors, cmd.pid)
	}

	md := p.MachineData()
	cfg.Machine = md.Machine
	if cfg.CodePACMask == 0 {
		cfg.CodePACMask = md.CodePACMask
	}
	if cfg.LibraryDir == "" {
		cfg.LibraryDir = p.LibraryDir()
	}
	return unwinder.Request{
		Context: rc,
		Modules: process.NewModuleMap(mappings),
		Memory:  p.RemoteMemory(),
	}, detach, nil
}

func (cmd *unwindCmd) exec(context.Context, []string) error {
	if (cmd.pid != 0) == (cmd.snapshotPath != "") {
		return errors.New("please specify either `-snapshot` or `-pid`")
	}
	if cmd.snapshotPath != "" && cmd.mapsPath == "" {
		return errors.New("`-snapshot` needs `-maps`")
	}
	if cmd.outputSize <= 0 {
		return fmt.Errorf("invalid output size %d", cmd.outputSize)
	}
	if cmd.verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := cmd.config()
	if err != nil {
		return err
	}

	var req unwinder.Request
	if cmd.pid != 0 {
		var detach func()
		req, detach, err = cmd.loadProcess(&cfg)
		if err != nil {
			return fmt.Errorf("failed to capture pid `%d`: %w", cmd.pid, err)
		}
		defer detach()
	} else {
		req, err = cmd.loadSnapshot()
		if err != nil {
			return err
		}
	}

	u, err := unwinder.New(cfg)
	if err != nil {
		return err
	}
	defer u.ReportMetrics()

	out := make([]byte, cmd.outputSize)
	res := u.Unwind(req, out)
	log.Debugf("Unwound %d frames, state %v, %d by frame pointer", len(res.Frames),
		res.State, res.Chased)

	if cmd.jsonOutput {
		rep := newReport(u.Config(), &req, &res, out[:res.Written], cmd.register)
		return writeReport(os.Stdout, rep)
	}

	if _, err := os.Stdout.Write(out[:res.Written]); err != nil {
		return err
	}
	if cmd.register != "" {
		if err := printRegister(os.Stdout, u.Config(), &req, cmd.register); err != nil {
			return err
		}
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("unwinding stopped: %w", err)
	}
	return nil
}

// printRegister writes the value of the register and where it points to.
func printRegister(w io.Writer, cfg unwinder.Config, req *unwinder.Request, name string) error {
	layout, err := regcontext.LayoutFor(cfg.Machine, req.Context.ABI())
	if err != nil {
		return err
	}
	value, desc, err := unwinder.DescribeRegister(req.Context, layout, req.Modules, name)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s = %#x  %s\n", name, value, desc)
	return err
}
