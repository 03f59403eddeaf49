// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/elfunwindinfo"
	sdtypes "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"
	"go.opentelemetry.io/crashunwind/process"
	"go.opentelemetry.io/crashunwind/regcontext"
	"go.opentelemetry.io/crashunwind/remotememory"
)

const (
	libA      = 0x10000
	libB      = 0x20000
	stackBase = 0x7ff0000000
	stackSize = 0x400
)

// fakeTables serves prepared unwind tables.
type fakeTables struct {
	tables map[string]*elfunwindinfo.Table
	errs   map[string]error
}

func (f *fakeTables) GetTable(path string) (*elfunwindinfo.Table, error) {
	if err, ok := f.errs[path]; ok {
		return nil, err
	}
	if t, ok := f.tables[path]; ok {
		return t, nil
	}
	return nil, os.ErrNotExist
}

func (f *fakeTables) GetAndResetStatistics() nativeunwind.Statistics {
	return nativeunwind.Statistics{}
}

// frameRule allocates 32 bytes and saves the frame record at its top.
var frameRule = sdtypes.UnwindInfo{
	Opcode:   sdtypes.UnwindOpcodeBaseSP,
	Param:    32,
	FPOpcode: sdtypes.UnwindOpcodeBaseCFAFrame,
	FPParam:  -8,
}

// arm64Deltas lays out regions with one rule kind each.
var arm64Deltas = sdtypes.StackDeltaArray{
	{Address: 0x000, Info: frameRule},
	{Address: 0x100, Info: sdtypes.UnwindInfoFramePointerARM64},
	{Address: 0x200, Info: sdtypes.UnwindInfoLR},
	{Address: 0x300, Info: sdtypes.UnwindInfoSignal},
	{Address: 0x400, Info: sdtypes.UnwindInfoStop},
	{Address: 0x500, Info: sdtypes.UnwindInfoInvalid},
	{Address: 0x600, Info: frameRule},
	{Address: 0x700, Info: sdtypes.UnwindInfoInvalid},
}

var x86Deltas = sdtypes.StackDeltaArray{
	{Address: 0x000, Info: sdtypes.UnwindInfo{Opcode: sdtypes.UnwindOpcodeBaseSP, Param: 16}},
	{Address: 0x100, Info: sdtypes.UnwindInfoSignal},
	{Address: 0x200, Info: sdtypes.UnwindInfoPLT},
	{Address: 0x300, Info: sdtypes.UnwindInfoFramePointerX64},
	{Address: 0x400, Info: sdtypes.UnwindInfoStop},
	{Address: 0x500, Info: sdtypes.UnwindInfoInvalid},
}

func testModules() *process.ModuleMap {
	return process.NewModuleMap([]process.Mapping{
		{Vaddr: libA, Length: 0x1000, Flags: elf.PF_R | elf.PF_X, Path: "/lib/liba.so"},
		{Vaddr: libB, Length: 0x1000, Flags: elf.PF_R | elf.PF_X, Path: "/lib/libb.so"},
	})
}

func testTables(machine elf.Machine) *fakeTables {
	deltas := arm64Deltas
	if machine == elf.EM_X86_64 {
		deltas = x86Deltas
	}
	table := elfunwindinfo.NewIdentityTable(machine, deltas)
	return &fakeTables{
		tables: map[string]*elfunwindinfo.Table{
			"/lib/liba.so": table,
			"/lib/libb.so": table,
		},
		errs: map[string]error{},
	}
}

// seed holds the registers of the innermost frame.
type seed struct {
	pc, sp, fp, lr uint64
}

// snapshot builds a register context with all registers trusted.
func snapshot(machine elf.Machine, s seed) *regcontext.Context {
	var regs [regcontext.NumRegisters]uint64
	layout, err := regcontext.LayoutFor(machine, regcontext.ABI64)
	if err != nil {
		panic(err)
	}
	regs[layout.PC] = s.pc
	regs[layout.SP] = s.sp
	regs[layout.FP] = s.fp
	if layout.LR >= 0 {
		regs[layout.LR] = s.lr
	}
	return regcontext.New(regcontext.ABI64, regs,
		regcontext.NumRegisters*regcontext.RegisterSize, nil, regcontext.MaskAll)
}

// stackImage returns stackSize bytes of stack at stackBase with the words
// stored at the given offsets.
func stackImage(words map[uint64]uint64) []byte {
	data := make([]byte, stackSize)
	for off, val := range words {
		binary.LittleEndian.PutUint64(data[off:], val)
	}
	return data
}

// chain lays out n frames of frameRule, each returning to pc+4 of the
// previous return address, the outermost returning to zero.
func chain(n int, pc uint64) map[uint64]uint64 {
	words := map[uint64]uint64{}
	for i := range n - 1 {
		pc += 4
		words[uint64(i)*32+24] = pc
	}
	return words
}

func chainPCs(n int, pc uint64) []uint64 {
	pcs := make([]uint64, n)
	for i := range pcs {
		pcs[i] = pc + uint64(i)*4
	}
	return pcs
}

func TestWalk(t *testing.T) {
	const s = stackBase

	tests := map[string]struct {
		machine elf.Machine
		seed    seed
		stack   map[uint64]uint64
		// tables adjusts the tables of the test
		tables func(*fakeTables)
		cfg    Config

		pcs    []uint64
		errs   []ErrorKind
		state  State
		kind   ErrorKind
		chased int
	}{
		"chain across libraries": {
			seed: seed{pc: libA + 0x10, sp: s},
			stack: map[uint64]uint64{
				24:      libB + 0x20,
				32 + 24: libA + 0x30,
				64 + 24: libB + 0x40,
			},
			pcs:   []uint64{libA + 0x10, libB + 0x20, libA + 0x30, libB + 0x40},
			state: StateDone,
		},
		"frame pointer rule": {
			seed: seed{pc: libA + 0x110, sp: s, fp: s + 0x20},
			stack: map[uint64]uint64{
				0x20: s + 0x40,
				0x28: libA + 0x120,
				0x48: libA + 0x404,
			},
			pcs:   []uint64{libA + 0x110, libA + 0x120, libA + 0x404},
			state: StateDone,
		},
		"frame record pointing to itself": {
			seed: seed{pc: libA + 0x110, sp: s, fp: s + 0x10},
			stack: map[uint64]uint64{
				0x10: s + 0x10,
				0x18: libA + 0x120,
			},
			pcs:   []uint64{libA + 0x110, libA + 0x120},
			state: StateAborted,
			kind:  Aborted,
		},
		"caller below the stack pointer": {
			seed: seed{pc: libA + 0x110, sp: s + 0x40, fp: s + 0x10},
			stack: map[uint64]uint64{
				0x18: libA + 0x120,
			},
			pcs:   []uint64{libA + 0x110},
			state: StateAborted,
			kind:  Aborted,
		},
		"unreadable library": {
			seed: seed{pc: libA + 0x10, sp: s},
			stack: map[uint64]uint64{
				16:   s + 0x40,
				24:   libB + 0x20,
				0x48: libA + 0x18,
			},
			tables: func(f *fakeTables) { f.errs["/lib/libb.so"] = os.ErrNotExist },
			pcs:    []uint64{libA + 0x10, libB + 0x20, libA + 0x18},
			errs:   []ErrorKind{None, ReadError, None},
			state:  StateDone,
			chased: 1,
		},
		"unreadable library without frame pointer": {
			seed:   seed{pc: libA + 0x10, sp: s},
			stack:  map[uint64]uint64{24: libB + 0x20},
			tables: func(f *fakeTables) { f.errs["/lib/libb.so"] = os.ErrNotExist },
			pcs:    []uint64{libA + 0x10, libB + 0x20},
			errs:   []ErrorKind{None, ReadError},
			state:  StateAborted,
			kind:   ReadError,
		},
		"corrupt unwind info": {
			seed:  seed{pc: libA + 0x10, sp: s},
			stack: map[uint64]uint64{24: libB + 0x20},
			tables: func(f *fakeTables) {
				f.errs["/lib/libb.so"] = fmt.Errorf("bad CIE: %w",
					elfunwindinfo.ErrCorruptUnwindInfo)
			},
			pcs:   []uint64{libA + 0x10, libB + 0x20},
			errs:  []ErrorKind{None, CorruptUnwindInfo},
			state: StateAborted,
			kind:  CorruptUnwindInfo,
		},
		"table of another machine": {
			seed:  seed{pc: libA + 0x10, sp: s},
			stack: map[uint64]uint64{24: libB + 0x20},
			tables: func(f *fakeTables) {
				f.tables["/lib/libb.so"] = elfunwindinfo.NewIdentityTable(elf.EM_X86_64, x86Deltas)
			},
			pcs:   []uint64{libA + 0x10, libB + 0x20},
			errs:  []ErrorKind{None, CorruptUnwindInfo},
			state: StateAborted,
			kind:  CorruptUnwindInfo,
		},
		"no rule at end of frame records": {
			seed:  seed{pc: libA + 0x510, sp: s},
			pcs:   []uint64{libA + 0x510},
			errs:  []ErrorKind{NoRuleFound},
			state: StateDone,
		},
		"no rule with frame pointer": {
			seed:   seed{pc: libA + 0x510, sp: s, fp: s + 0x10},
			stack:  map[uint64]uint64{0x18: libA + 0x404},
			pcs:    []uint64{libA + 0x510, libA + 0x404},
			errs:   []ErrorKind{NoRuleFound, None},
			state:  StateDone,
			chased: 1,
		},
		"unmapped program counter": {
			seed:  seed{pc: 0x5000, sp: s},
			pcs:   []uint64{0x5000},
			errs:  []ErrorKind{NotMapped},
			state: StateAborted,
			kind:  NotMapped,
		},
		"unmapped caller": {
			seed:  seed{pc: libA + 0x10, sp: s},
			stack: map[uint64]uint64{24: 0x5000},
			pcs:   []uint64{libA + 0x10},
			state: StateDone,
		},
		"leaf function": {
			seed:  seed{pc: libA + 0x210, sp: s, lr: libA + 0x18},
			pcs:   []uint64{libA + 0x210, libA + 0x18},
			state: StateDone,
		},
		"link register of a caller": {
			seed:  seed{pc: libA + 0x10, sp: s, lr: libA + 0x18},
			stack: map[uint64]uint64{24: libA + 0x210},
			pcs:   []uint64{libA + 0x10, libA + 0x210},
			errs:  []ErrorKind{None, NoRuleFound},
			state: StateAborted,
			kind:  NoRuleFound,
		},
		"signal frame": {
			seed: seed{pc: libA + 0x300, sp: s},
			stack: map[uint64]uint64{
				arm64SigPC: libA + 0x200,
				arm64SigSP: s + 0x300,
				arm64SigLR: libA + 0x8,
			},
			pcs:   []uint64{libA + 0x300, libA + 0x200, libA + 0x8},
			state: StateDone,
		},
		"pointer authentication": {
			seed:  seed{pc: libA + 0x10, sp: s},
			stack: map[uint64]uint64{24: 0x0023000000000000 | (libA + 0x608)},
			cfg:   Config{CodePACMask: 0x007f000000000000},
			pcs:   []uint64{libA + 0x10, libA + 0x608},
			state: StateDone,
		},
		"frame limit": {
			seed:  seed{pc: libA + 0x10, sp: s},
			stack: chain(8, libA+0x10),
			cfg:   Config{MaxFrames: 3},
			pcs:   chainPCs(3, libA+0x10),
			state: StateDone,
		},
		"step budget": {
			seed:  seed{pc: libA + 0x10, sp: s},
			stack: chain(4, libA+0x10),
			cfg:   Config{MaxSteps: 3},
			pcs:   chainPCs(2, libA+0x10),
			state: StateAborted,
			kind:  Aborted,
		},
		"stack not captured": {
			seed:  seed{pc: libA + 0x10, sp: s + stackSize - 16},
			pcs:   []uint64{libA + 0x10},
			state: StateAborted,
			kind:  Aborted,
		},
		"x86 chain": {
			machine: elf.EM_X86_64,
			seed:    seed{pc: libA + 0x10, sp: s, fp: s + 0x20},
			stack: map[uint64]uint64{
				0x08: libA + 0x320,
				0x28: libA + 0x404,
			},
			pcs:   []uint64{libA + 0x10, libA + 0x320, libA + 0x404},
			state: StateDone,
		},
		"x86 signal frame": {
			machine: elf.EM_X86_64,
			seed:    seed{pc: libA + 0x100, sp: s},
			stack: map[uint64]uint64{
				x86SigRIP: libA + 0x308,
				x86SigRSP: s + 0x200,
				x86SigRBP: s + 0x220,
				0x228:     libA + 0x404,
			},
			pcs:   []uint64{libA + 0x100, libA + 0x308, libA + 0x404},
			state: StateDone,
		},
		"x86 plt": {
			machine: elf.EM_X86_64,
			seed:    seed{pc: libA + 0x200, sp: s},
			stack:   map[uint64]uint64{0: libA + 0x404},
			pcs:     []uint64{libA + 0x200, libA + 0x404},
			state:   StateDone,
		},
		"x86 plt after push": {
			machine: elf.EM_X86_64,
			seed:    seed{pc: libA + 0x20b, sp: s},
			stack:   map[uint64]uint64{8: libA + 0x404},
			pcs:     []uint64{libA + 0x20b, libA + 0x404},
			state:   StateDone,
		},
		"x86 frame pointer chase": {
			machine: elf.EM_X86_64,
			seed:    seed{pc: libA + 0x510, sp: s, fp: s + 0x10},
			stack:   map[uint64]uint64{0x18: libA + 0x404},
			pcs:     []uint64{libA + 0x510, libA + 0x404},
			errs:    []ErrorKind{NoRuleFound, None},
			state:   StateDone,
			chased:  1,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			machine := tc.machine
			if machine == elf.EM_NONE {
				machine = elf.EM_AARCH64
			}
			tables := testTables(machine)
			if tc.tables != nil {
				tc.tables(tables)
			}
			cfg := tc.cfg
			cfg.Machine = machine
			cfg, err := cfg.withDefaults()
			require.NoError(t, err)

			mem := remotememory.NewStackSnapshot(stackBase, stackImage(tc.stack))
			w, err := newWalker(&cfg, tables, snapshot(machine, tc.seed), testModules(), mem)
			require.NoError(t, err)
			assert.Equal(t, StateStart, w.State())

			var pcs []uint64
			var errs []ErrorKind
			for {
				f, ok := w.Next()
				if !ok {
					break
				}
				pcs = append(pcs, f.PC)
				errs = append(errs, f.Err)
				if f.Err != NotMapped {
					require.NotNil(t, f.Module)
					assert.Equal(t, f.PC-f.Module.Base, f.Offset)
				}
			}
			assert.Equal(t, tc.pcs, pcs)
			if tc.errs == nil {
				tc.errs = make([]ErrorKind, len(tc.pcs))
			}
			assert.Equal(t, tc.errs, errs)
			assert.Equal(t, tc.state, w.State())
			assert.Equal(t, tc.kind, w.Cause())
			assert.Equal(t, tc.chased, w.Chased())

			// A finished walk stays finished.
			_, ok := w.Next()
			assert.False(t, ok)
		})
	}
}

func TestWalkerSeed(t *testing.T) {
	cfg, err := Config{Machine: elf.EM_AARCH64}.withDefaults()
	require.NoError(t, err)
	tables := testTables(elf.EM_AARCH64)
	var regs [regcontext.NumRegisters]uint64

	tests := map[string]struct {
		ctx *regcontext.Context
		err error
	}{
		"32-bit registers": {
			ctx: regcontext.New(regcontext.ABI32, regs, 33*8, nil, regcontext.MaskAll),
			err: regcontext.ErrUnsupportedABI,
		},
		"untrusted stack pointer": {
			ctx: regcontext.New(regcontext.ABI64, regs, 33*8, nil, regcontext.MaskAll&^(1<<31)),
			err: regcontext.ErrOutOfRange,
		},
		"short register area": {
			ctx: regcontext.New(regcontext.ABI64, regs, 30*8, nil, regcontext.MaskAll),
			err: regcontext.ErrOutOfRange,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := newWalker(&cfg, tables, tc.ctx, testModules(), remotememory.RemoteMemory{})
			require.ErrorIs(t, err, tc.err)
		})
	}

	// Without the link register the walk still starts.
	ctx := regcontext.New(regcontext.ABI64, regs, 33*8, nil, regcontext.MaskAll&^(1<<30))
	w, err := newWalker(&cfg, tables, ctx, testModules(), remotememory.RemoteMemory{})
	require.NoError(t, err)
	assert.False(t, w.regs.lrValid)
}
