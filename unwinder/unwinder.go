// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwinder reconstructs the call stack of a thread from a register
// snapshot, the module map of its process and the unwind sections of the
// mapped libraries, and renders it as a bounded textual backtrace.
package unwinder // import "go.opentelemetry.io/crashunwind/unwinder"

import (
	"bytes"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/crashunwind/libpf/freelru"
	"go.opentelemetry.io/crashunwind/libpf/xsync"
	"go.opentelemetry.io/crashunwind/metrics"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/localintervalcache"
	"go.opentelemetry.io/crashunwind/process"
	"go.opentelemetry.io/crashunwind/regcontext"
	"go.opentelemetry.io/crashunwind/remotememory"
	"go.opentelemetry.io/crashunwind/symbolizer"
	"go.opentelemetry.io/crashunwind/tracebuf"
)

// Unwinder turns register snapshots into backtraces. The unwind tables it
// loads are shared by all walks, so one Unwinder should serve all
// snapshots of a process. It is safe for concurrent use.
type Unwinder struct {
	cfg    Config
	tables nativeunwind.TableProvider
	// sym is nil when symbolization is disabled
	sym tracebuf.Symbolizer

	// cache is the table provider created by New, nil otherwise
	cache *nativeunwind.Cache
}

// New creates an Unwinder loading library files through cfg.LibraryDir.
func New(cfg Config) (*Unwinder, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	opener := nativeunwind.SysrootOpener{Dir: cfg.LibraryDir}

	var intervals nativeunwind.IntervalCache
	if cfg.PersistentCacheDir != "" {
		ic, err := localintervalcache.New(cfg.PersistentCacheDir, cfg.PersistentCacheSize)
		if err != nil {
			// The persistent cache only saves time, run without it.
			log.Warnf("Failed to open unwind table cache in %s: %v",
				cfg.PersistentCacheDir, err)
		} else {
			intervals = ic
		}
	}
	cache, err := nativeunwind.NewCache(cfg.CacheSize, opener, intervals)
	if err != nil {
		return nil, fmt.Errorf("failed to create unwind table cache: %w", err)
	}

	var sym tracebuf.Symbolizer
	if cfg.Symbolize {
		s, err := symbolizer.New(opener, cfg.CacheSize, cfg.Demangle)
		if err != nil {
			return nil, fmt.Errorf("failed to create symbolizer: %w", err)
		}
		sym = s
	}
	return &Unwinder{cfg: cfg, tables: cache, sym: sym, cache: cache}, nil
}

// NewWithProvider creates an Unwinder using the given unwind tables. sym
// may be nil, cfg.Symbolize and the cache settings are ignored.
func NewWithProvider(cfg Config, tables nativeunwind.TableProvider,
	sym tracebuf.Symbolizer) (*Unwinder, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Unwinder{cfg: cfg, tables: tables, sym: sym}, nil
}

// Config returns the settings of the unwinder with defaults applied.
func (u *Unwinder) Config() Config {
	return u.cfg
}

// Invalidate drops the cached unwind table of the library at path, e.g.
// after the file was replaced.
func (u *Unwinder) Invalidate(path string) {
	if u.cache != nil {
		u.cache.Invalidate(path)
	}
}

// ReportMetrics reports the counters of the table cache.
func (u *Unwinder) ReportMetrics() {
	if u.cache != nil {
		u.cache.ReportMetrics()
	}
}

// Request is the input of one walk.
type Request struct {
	// Context holds the registers of the thread.
	Context *regcontext.Context
	// Modules maps addresses to the libraries of the process.
	Modules *process.ModuleMap
	// Memory reads the memory of the thread. When it is not set, the stack
	// captured in Context.Dynamic() is used, starting at the stack pointer.
	Memory remotememory.RemoteMemory
	// Frames, when its capacity holds MaxFrames frames, is reused for
	// Result.Frames so that the walk does not allocate them.
	Frames []Frame
}

// Result describes the outcome of a walk.
type Result struct {
	// Kind is the error ending the walk, None on success.
	Kind ErrorKind
	// State is the final state of the walk.
	State State
	// Frames holds the produced frames, innermost first.
	Frames []Frame
	// Written is the number of bytes rendered into the output.
	Written int
	// More is the number of frames that did not fit into the output.
	More int
	// Chased is the number of frames unwound by following frame pointers.
	Chased int

	// err overrides the diagnostic of Kind
	err error
}

// Err returns the diagnostic of the result, nil on success. It is one of
// the static errors of this package.
func (r Result) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.Kind.Err()
}

// seedError classifies the failure to start a walk.
func seedError(err error) (ErrorKind, error) {
	switch {
	case errors.Is(err, regcontext.ErrUnsupportedABI), errors.Is(err, ErrUnsupportedABI):
		return Aborted, ErrUnsupportedABI
	case errors.Is(err, regcontext.ErrOutOfRange):
		return OutOfRange, ErrOutOfRange
	default:
		return Aborted, ErrAborted
	}
}

// entry converts a frame to its rendered form.
func entry(f *Frame) tracebuf.Entry {
	e := tracebuf.Entry{PC: f.PC}
	if f.Module == nil {
		return e
	}
	e.Module = f.Module.Path
	e.Offset = f.Offset
	e.FileOffset = f.Module.FileOffsetOf(f.PC)
	switch f.Err {
	case ReadError, CorruptUnwindInfo, NoRuleFound:
		e.NoRule = true
	}
	return e
}

// Unwind walks the stack of the request and renders the frames into out.
// Frames that do not fit into out are still walked and counted.
func (u *Unwinder) Unwind(req Request, out []byte) Result {
	r := tracebuf.NewRenderer(out, u.sym)
	res := Result{State: StateAborted}

	w, err := newWalker(&u.cfg, u.tables, req.Context, req.Modules, req.Memory)
	if err != nil {
		log.Debugf("Failed to start unwinding: %v", err)
		res.Kind, res.err = seedError(err)
		u.report(&res)
		return res
	}

	if cap(req.Frames) >= u.cfg.MaxFrames {
		res.Frames = req.Frames[:0]
	} else {
		res.Frames = make([]Frame, 0, u.cfg.MaxFrames)
	}
	for {
		f, ok := w.Next()
		if !ok {
			break
		}
		res.Frames = append(res.Frames, f)
		r.Append(entry(&f))
	}

	res.State, res.Kind = w.State(), w.Cause()
	res.Chased = w.Chased()
	if r.Truncated() {
		res.State, res.Kind = StateTruncated, Truncated
	}
	_ = r.Finish()
	res.Written = r.Len()
	res.More = r.More()
	u.report(&res)
	return res
}

// report adds the outcome of one walk to the metrics.
func (u *Unwinder) report(res *Result) {
	var notMapped, noRule, corrupt, readError, ambiguous int
	for i := range res.Frames {
		switch res.Frames[i].Err {
		case NotMapped:
			notMapped++
		case NoRuleFound:
			noRule++
		case CorruptUnwindInfo:
			corrupt++
		case ReadError:
			readError++
		}
		if res.Frames[i].Ambiguous {
			ambiguous++
		}
	}
	m := []metrics.Metric{
		{ID: metrics.IDUnwindRequests, Value: 1},
		{ID: metrics.IDUnwindFrames, Value: metrics.MetricValue(len(res.Frames))},
		{ID: metrics.IDUnwindErrNotMapped, Value: metrics.MetricValue(notMapped)},
		{ID: metrics.IDUnwindErrNoRule, Value: metrics.MetricValue(noRule)},
		{ID: metrics.IDUnwindErrCorruptUnwindInfo, Value: metrics.MetricValue(corrupt)},
		{ID: metrics.IDUnwindErrReadError, Value: metrics.MetricValue(readError)},
		{ID: metrics.IDUnwindErrAmbiguousMapping, Value: metrics.MetricValue(ambiguous)},
		{ID: metrics.IDUnwindFramePointerChase, Value: metrics.MetricValue(res.Chased)},
	}
	switch res.State {
	case StateDone:
		m = append(m, metrics.Metric{ID: metrics.IDUnwindDone, Value: 1})
	case StateTruncated:
		m = append(m, metrics.Metric{ID: metrics.IDUnwindTruncated, Value: 1})
	default:
		m = append(m, metrics.Metric{ID: metrics.IDUnwindAborted, Value: 1})
	}
	metrics.AddSlice(m)
}

// DescribeRegister returns the value of the named register and where it
// points to, as "path+0xOFFSET" with the offset into the library file, or
// "<unknown>" for addresses outside of every module.
func DescribeRegister(rc *regcontext.Context, layout regcontext.Layout,
	modules *process.ModuleMap, name string) (uint64, string, error) {
	i, ok := layout.Index(name)
	if !ok {
		return 0, "", fmt.Errorf("register %q: %w", name, ErrOutOfRange)
	}
	value, err := rc.Register(i)
	if err != nil {
		return 0, "", fmt.Errorf("register %q: %w", name, ErrOutOfRange)
	}
	res, err := modules.Resolve(value)
	if err != nil {
		return value, "<unknown>", nil
	}
	return value, fmt.Sprintf("%s+0x%x", res.Module.Path, res.Module.FileOffsetOf(value)), nil
}

// maxUnwinders is the number of library directories GetStack keeps
// unwinders for.
const maxUnwinders = 16

// unwinders holds the unwinders used by GetStack, keyed by library
// directory, so that unwind tables are loaded once per directory. The least
// recently used directory is dropped with its tables.
var unwinders = func() xsync.RWMutex[*freelru.LRU[string, *Unwinder]] {
	cache, err := freelru.New[string, *Unwinder](maxUnwinders, freelru.HashString)
	if err != nil {
		panic(fmt.Sprintf("failed to create unwinder cache: %v", err))
	}
	return xsync.NewRWMutex(cache)
}()

func unwinderFor(libPath string) (*Unwinder, error) {
	// Get updates the recency order, so it needs the write lock.
	cache := unwinders.WLock()
	u, ok := (*cache).Get(libPath)
	unwinders.WUnlock(&cache)
	if ok {
		return u, nil
	}

	u, err := New(Config{LibraryDir: libPath, Symbolize: true})
	if err != nil {
		return nil, err
	}
	cache = unwinders.WLock()
	defer unwinders.WUnlock(&cache)
	if existing, ok := (*cache).Get(libPath); ok {
		return existing, nil
	}
	(*cache).Add(libPath, u)
	return u, nil
}

// GetStack renders the backtrace of a register snapshot into out and
// returns the number of bytes written.
//
// libPath, when not empty, is a directory searched first for the library
// files. mapBuffer holds the module map in the /proc/PID/maps format.
// Registers whose bit is clear in regMask are not trusted. unwindBuf is the
// snapshot in the format read by regcontext.Decode, its dynamic region
// being the stack captured at the stack pointer.
//
// The error is nil when the outermost frame was reached, and otherwise one
// of the static errors of this package. A partial trace is written in any
// case.
func GetStack(libPath string, mapBuffer []byte, regMask uint64, unwindBuf []byte,
	out []byte) (int, error) {
	rc, err := regcontext.Decode(unwindBuf, regMask)
	if err != nil {
		log.Debugf("Failed to decode register snapshot: %v", err)
		return 0, ErrCorruptContext
	}
	mappings, parseErrors, err := process.ParseMappings(bytes.NewReader(mapBuffer))
	if err != nil {
		log.Debugf("Failed to parse module map: %v", err)
		return 0, ErrBadModuleMap
	}
	if len(mappings) == 0 {
		log.Debugf("Module map without mappings (%d bad lines)", parseErrors)
		return 0, ErrBadModuleMap
	}
	if parseErrors > 0 {
		log.Debugf("Ignored %d bad lines of the module map", parseErrors)
	}

	u, err := unwinderFor(libPath)
	if err != nil {
		log.Debugf("Failed to create unwinder: %v", err)
		_, diag := seedError(err)
		return 0, diag
	}
	res := u.Unwind(Request{Context: rc, Modules: process.NewModuleMap(mappings)}, out)
	return res.Written, res.Err()
}
