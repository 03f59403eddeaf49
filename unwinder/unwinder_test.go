// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/regcontext"
	"go.opentelemetry.io/crashunwind/remotememory"
	ts "go.opentelemetry.io/crashunwind/testsupport"
)

type fakeSymbolizer struct{}

func (fakeSymbolizer) Symbolize(path string, fileOffset uint64) (string, uint64, bool) {
	if path != "/lib/liba.so" {
		return "", 0, false
	}
	return "func_a", fileOffset & 0xff, true
}

func newTestUnwinder(t *testing.T, cfg Config) *Unwinder {
	t.Helper()
	if cfg.Machine == elf.EM_NONE {
		cfg.Machine = elf.EM_AARCH64
	}
	u, err := NewWithProvider(cfg, testTables(cfg.Machine), fakeSymbolizer{})
	require.NoError(t, err)
	return u
}

func chainRequest(n int) Request {
	return Request{
		Context: snapshot(elf.EM_AARCH64, seed{pc: libA + 0x10, sp: stackBase}),
		Modules: testModules(),
		Memory:  remotememory.NewStackSnapshot(stackBase, stackImage(chain(n, libA+0x10))),
	}
}

func TestUnwind(t *testing.T) {
	u := newTestUnwinder(t, Config{})
	req := Request{
		Context: snapshot(elf.EM_AARCH64, seed{pc: libA + 0x10, sp: stackBase}),
		Modules: testModules(),
		Memory: remotememory.NewStackSnapshot(stackBase, stackImage(map[uint64]uint64{
			24:      libB + 0x20,
			32 + 16: stackBase + 0x80,
			32 + 24: libB + 0x520,
			0x88:    libA + 0x404,
		})),
	}

	out := make([]byte, 512)
	res := u.Unwind(req, out)
	require.NoError(t, res.Err())
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, None, res.Kind)
	assert.Equal(t, 1, res.Chased)
	assert.Equal(t, 0, res.More)
	require.Len(t, res.Frames, 4)
	assert.Equal(t, "#00 pc 0000000000000010  /lib/liba.so (func_a+0x10)\n"+
		"#01 pc 0000000000000020  /lib/libb.so\n"+
		"#02 pc 0000000000000520  /lib/libb.so <no unwind info>\n"+
		"#03 pc 0000000000000404  /lib/liba.so (func_a+0x4)\n",
		string(out[:res.Written]))
}

func TestUnwindErrors(t *testing.T) {
	u := newTestUnwinder(t, Config{})
	var regs [regcontext.NumRegisters]uint64

	tests := map[string]struct {
		req      Request
		expected error
		kind     ErrorKind
		text     string
	}{
		"unmapped": {
			req: Request{
				Context: snapshot(elf.EM_AARCH64, seed{pc: 0xdead0000, sp: stackBase}),
				Modules: testModules(),
			},
			expected: ErrNoMapping,
			kind:     NotMapped,
			text:     "#00 pc 00000000dead0000  <unknown>\n",
		},
		"aborted": {
			req: Request{
				Context: snapshot(elf.EM_AARCH64, seed{pc: libA + 0x10, sp: stackBase}),
				Modules: testModules(),
			},
			expected: ErrAborted,
			kind:     Aborted,
			text:     "#00 pc 0000000000000010  /lib/liba.so (func_a+0x10)\n",
		},
		"register out of range": {
			req: Request{
				Context: regcontext.New(regcontext.ABI64, regs, 8, nil, regcontext.MaskAll),
				Modules: testModules(),
			},
			expected: ErrOutOfRange,
			kind:     OutOfRange,
		},
		"unsupported abi": {
			req: Request{
				Context: regcontext.New(regcontext.ABINone, regs, 33*8, nil, regcontext.MaskAll),
				Modules: testModules(),
			},
			expected: ErrUnsupportedABI,
			kind:     Aborted,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			out := make([]byte, 256)
			res := u.Unwind(tc.req, out)
			require.ErrorIs(t, res.Err(), tc.expected)
			assert.Equal(t, tc.kind, res.Kind)
			assert.Equal(t, StateAborted, res.State)
			assert.Equal(t, tc.text, string(out[:res.Written]))
		})
	}
}

func TestUnwindTruncation(t *testing.T) {
	u, err := NewWithProvider(Config{Machine: elf.EM_AARCH64}, testTables(elf.EM_AARCH64), nil)
	require.NoError(t, err)

	// Two lines of 38 bytes and the marker fit.
	out := make([]byte, 2*38+19+4)
	for i := range out {
		out[i] = 0xaa
	}
	res := u.Unwind(chainRequest(5), out[:2*38+19])
	require.ErrorIs(t, res.Err(), ErrTruncated)
	assert.Equal(t, StateTruncated, res.State)
	assert.Equal(t, Truncated, res.Kind)
	assert.Len(t, res.Frames, 5)
	assert.Equal(t, 3, res.More)
	assert.Equal(t, 2*38+19, res.Written)
	assert.Equal(t, "#00 pc 0000000000000010  /lib/liba.so\n"+
		"#01 pc 0000000000000014  /lib/liba.so\n"+
		"... +3 more frames\n", string(out[:res.Written]))
	assert.Equal(t, []byte{0xaa, 0xaa, 0xaa, 0xaa}, out[res.Written:])

	// The same input renders the same bytes.
	again := make([]byte, 2*38+19)
	res2 := u.Unwind(chainRequest(5), again)
	assert.Equal(t, out[:res.Written], again[:res2.Written])

	// Truncation is reported even when the walk itself failed.
	u, err = NewWithProvider(Config{Machine: elf.EM_AARCH64, MaxSteps: 5},
		testTables(elf.EM_AARCH64), nil)
	require.NoError(t, err)
	res = u.Unwind(chainRequest(5), make([]byte, 40))
	require.ErrorIs(t, res.Err(), ErrTruncated)
	assert.Equal(t, StateTruncated, res.State)
	assert.Len(t, res.Frames, 3)
}

// deepChainRequest lays out n frames of frameRule on a stack of their own,
// all returning into the same frameRule region of liba.
func deepChainRequest(n int) Request {
	stack := make([]byte, n*32)
	for i := range n - 1 {
		binary.LittleEndian.PutUint64(stack[i*32+24:], libA+0x14)
	}
	return Request{
		Context: snapshot(elf.EM_AARCH64, seed{pc: libA + 0x10, sp: stackBase}),
		Modules: testModules(),
		Memory:  remotememory.NewStackSnapshot(stackBase, stack),
	}
}

func TestUnwindMaxFrames(t *testing.T) {
	tests := map[string]struct {
		cfg    Config
		req    Request
		frames int
	}{
		"limit below the chain": {
			cfg:    Config{MaxFrames: 4},
			req:    chainRequest(10),
			frames: 4,
		},
		"deep chain within the limit": {
			cfg:    Config{MaxFrames: 1000},
			req:    deepChainRequest(700),
			frames: 700,
		},
		"deep chain past the limit": {
			cfg:    Config{MaxFrames: 600},
			req:    deepChainRequest(700),
			frames: 600,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			u := newTestUnwinder(t, tc.cfg)
			res := u.Unwind(tc.req, make([]byte, 64<<10))
			require.NoError(t, res.Err())
			assert.Equal(t, StateDone, res.State)
			assert.Len(t, res.Frames, tc.frames)
			assert.Equal(t, tc.cfg.MaxFrames, cap(res.Frames))
			assert.Equal(t, 0, res.More)
		})
	}
}

func TestUnwindReusesFrames(t *testing.T) {
	u := newTestUnwinder(t, Config{MaxFrames: 8})

	frames := make([]Frame, 0, 8)
	req := chainRequest(3)
	req.Frames = frames
	res := u.Unwind(req, make([]byte, 256))
	require.NoError(t, res.Err())
	require.Len(t, res.Frames, 3)
	assert.Same(t, &frames[:1][0], &res.Frames[0])

	// A buffer too small for the frame limit is not used.
	small := make([]Frame, 0, 2)
	req.Frames = small
	res = u.Unwind(req, make([]byte, 256))
	require.NoError(t, res.Err())
	require.Len(t, res.Frames, 3)
	assert.NotSame(t, &small[:1][0], &res.Frames[0])
}

func TestConfigDefaults(t *testing.T) {
	tests := map[string]struct {
		cfg    Config
		frames int
		steps  int
		fail   bool
	}{
		"zero":                {frames: DefaultMaxFrames, steps: StepsPerFrame * DefaultMaxFrames},
		"steps follow frames": {cfg: Config{MaxFrames: 4000}, frames: 4000, steps: 32000},
		"explicit steps":      {cfg: Config{MaxFrames: 10, MaxSteps: 5}, frames: 10, steps: 5},
		"too many frames":     {cfg: Config{MaxFrames: maxFramesLimit + 1}, fail: true},
		"negative steps":      {cfg: Config{MaxSteps: -1}, fail: true},
		"unsupported machine": {cfg: Config{Machine: elf.EM_RISCV}, fail: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := tc.cfg.withDefaults()
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.frames, cfg.MaxFrames)
			assert.Equal(t, tc.steps, cfg.MaxSteps)
		})
	}
}

func TestDescribeRegister(t *testing.T) {
	var regs [regcontext.NumRegisters]uint64
	regs[0] = libA + 0x123
	regs[1] = 0x5
	regs[30] = libB + 0x40
	rc := regcontext.New(regcontext.ABI64, regs, 33*8, nil, regcontext.MaskAll&^(1<<2))
	layout, err := regcontext.LayoutFor(elf.EM_AARCH64, regcontext.ABI64)
	require.NoError(t, err)

	tests := map[string]struct {
		value uint64
		desc  string
		err   error
	}{
		"x0":  {value: libA + 0x123, desc: "/lib/liba.so+0x123"},
		"x1":  {value: 0x5, desc: "<unknown>"},
		"lr":  {value: libB + 0x40, desc: "/lib/libb.so+0x40"},
		"x2":  {err: ErrOutOfRange},
		"x40": {err: ErrOutOfRange},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			value, desc, err := DescribeRegister(rc, layout, testModules(), name)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.value, value)
			assert.Equal(t, tc.desc, desc)
		})
	}
}

// prologCFI returns the unwind info of one function at ts.TextAddr of 0x40
// bytes which saves the frame record in its first instruction.
func prologCFI(machine elf.Machine) []byte {
	if machine == elf.EM_X86_64 {
		return ts.NewEHFrame().
			AddCIE(1, -8, 16, false, ts.CFADefCFA(7, 8), ts.CFAOffset(16, 1)).
			AddFDE(ts.TextAddr, 0x40,
				ts.CFAAdvance(1), ts.CFADefCFAOffset(16), ts.CFAOffset(6, 2),
				ts.CFAAdvance(3), ts.CFADefCFARegister(6)).
			Bytes()
	}
	return ts.NewEHFrame().
		AddCIE(4, -8, 30, false, ts.CFADefCFA(31, 0)).
		AddFDE(ts.TextAddr, 0x40,
			ts.CFAAdvance(1), ts.CFADefCFAOffset(16), ts.CFAOffset(29, 2), ts.CFAOffset(30, 1)).
		Bytes()
}

func TestGetStack(t *testing.T) {
	machine := defaultMachine()
	dir := t.TempDir()
	_, err := ts.WriteELF(dir, "libtest.so", ts.ELFSpec{
		Machine: machine,
		Text:    make([]byte, 0x40),
		EHFrame: prologCFI(machine),
		Symbols: []ts.ELFSymbol{{Name: "crash_here", Address: ts.TextAddr, Size: 0x40}},
	})
	require.NoError(t, err)

	const (
		base = 0x7f00000000
		sp   = 0x7ffc000000
	)
	maps := "7f00001000-7f00002000 r-xp 00001000 fd:01 1234 /system/lib64/libtest.so\n" +
		"7ffc000000-7ffc001000 rw-p 00000000 00:00 0 [stack]\n"

	stack := make([]byte, 0x80)
	var regs [regcontext.NumRegisters]uint64
	layout, err := regcontext.LayoutFor(machine, regcontext.ABI64)
	require.NoError(t, err)
	regs[layout.PC] = base + ts.TextAddr + 8
	regs[layout.SP] = sp
	if machine == elf.EM_X86_64 {
		// rbp based frame, the saved rbp ends the chain.
		regs[layout.FP] = sp + 0x10
		binary.LittleEndian.PutUint64(stack[0x10:], sp+0x30)
		binary.LittleEndian.PutUint64(stack[0x18:], base+ts.TextAddr+0x20)
	} else {
		// sp based frame record, a zero return address ends the chain.
		binary.LittleEndian.PutUint64(stack[0x08:], base+ts.TextAddr+0x20)
	}
	blob := regcontext.Encode(regcontext.ABI64, regs, regcontext.HeaderSize, stack)

	out := make([]byte, 256)
	n, err := GetStack(dir, []byte(maps), regcontext.MaskAll, blob, out)
	require.NoError(t, err)
	assert.Equal(t, "#00 pc 0000000000001008  /system/lib64/libtest.so (crash_here+0x8)\n"+
		"#01 pc 0000000000001020  /system/lib64/libtest.so (crash_here+0x20)\n",
		string(out[:n]))

	// Unwinders are kept per library directory.
	first, err := unwinderFor(dir)
	require.NoError(t, err)
	second, err := unwinderFor(dir)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestGetStackUnwinderEviction(t *testing.T) {
	first, err := unwinderFor("/sysroot/0")
	require.NoError(t, err)
	for i := 1; i <= maxUnwinders; i++ {
		_, err = unwinderFor(fmt.Sprintf("/sysroot/%d", i))
		require.NoError(t, err)
	}

	// The least recently used directory was dropped with its unwinder.
	again, err := unwinderFor("/sysroot/0")
	require.NoError(t, err)
	assert.NotSame(t, first, again)

	cache := unwinders.RLock()
	assert.Equal(t, maxUnwinders, (*cache).Len())
	unwinders.RUnlock(&cache)
}

func TestGetStackErrors(t *testing.T) {
	var regs [regcontext.NumRegisters]uint64
	blob := regcontext.Encode(regcontext.ABI64, regs, regcontext.HeaderSize, nil)
	maps := []byte("7f00001000-7f00002000 r-xp 00001000 fd:01 1234 /system/lib64/libtest.so\n")

	tests := map[string]struct {
		maps     []byte
		blob     []byte
		expected error
	}{
		"short snapshot": {
			maps:     maps,
			blob:     blob[:100],
			expected: ErrCorruptContext,
		},
		"dynamic size past the end": {
			maps: maps,
			blob: func() []byte {
				b := append([]byte{}, blob...)
				binary.LittleEndian.PutUint64(b[regcontext.HeaderSize-8:], 64)
				return b
			}(),
			expected: ErrCorruptContext,
		},
		"empty module map": {
			blob:     blob,
			expected: ErrBadModuleMap,
		},
		"garbage module map": {
			maps:     []byte(strings.Repeat("not a mapping\n", 3)),
			blob:     blob,
			expected: ErrBadModuleMap,
		},
		"unmapped program counter": {
			maps:     maps,
			blob:     blob,
			expected: ErrNoMapping,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			out := make([]byte, 64)
			n, err := GetStack("", tc.maps, regcontext.MaskAll, tc.blob, out)
			assert.ErrorIs(t, err, tc.expected)
			assert.LessOrEqual(t, n, len(out))
		})
	}
}

func TestResultErrIsStatic(t *testing.T) {
	for kind := None; kind <= Aborted; kind++ {
		res := Result{Kind: kind}
		assert.Equal(t, kind.Err(), res.Err(), kind.String())
	}
	assert.NoError(t, Result{}.Err())
	assert.Equal(t, "no mapping", NotMapped.Err().Error())
}
