// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/crashunwind/unwinder"

import (
	"errors"
	"fmt"
)

// ErrorKind classifies what went wrong with one frame or with a whole walk.
type ErrorKind uint8

const (
	// None means the frame or walk has no error.
	None ErrorKind = iota
	// NotMapped means the address lies outside of every module.
	NotMapped
	// ReadError means the library file could not be opened or read.
	ReadError
	// CorruptUnwindInfo means the unwind sections of the library are malformed.
	CorruptUnwindInfo
	// NoRuleFound means no unwind rule covers the address.
	NoRuleFound
	// OutOfRange means a register needed to seed the walk is not available.
	OutOfRange
	// AmbiguousMapping means the address lies in overlapping modules.
	AmbiguousMapping
	// Truncated means the output buffer was exhausted.
	Truncated
	// Aborted means a corruption guard stopped the walk.
	Aborted
)

func (k ErrorKind) String() string {
	switch k {
	case None:
		return "none"
	case NotMapped:
		return "not mapped"
	case ReadError:
		return "read error"
	case CorruptUnwindInfo:
		return "corrupt unwind info"
	case NoRuleFound:
		return "no rule found"
	case OutOfRange:
		return "out of range"
	case AmbiguousMapping:
		return "ambiguous mapping"
	case Truncated:
		return "truncated"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// State is the state of a Walker.
type State uint8

const (
	// StateStart is the state before the first frame was produced.
	StateStart State = iota
	// StateWalking is the state while frames are produced.
	StateWalking
	// StateDone means the outermost frame was reached.
	StateDone
	// StateTruncated means the output did not fit. Walkers never enter
	// it, it is only reported in results.
	StateTruncated
	// StateAborted means the walk was stopped by an error.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateWalking:
		return "walking"
	case StateDone:
		return "done"
	case StateTruncated:
		return "truncated"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Terminal reports whether no more frames follow.
func (s State) Terminal() bool {
	return s >= StateDone
}

// The diagnostics returned by GetStack. They are allocated once, so that
// the error path does not allocate.
var (
	ErrNoMapping      = errors.New("no mapping")
	ErrCorruptUnwind  = errors.New("corrupt unwind info")
	ErrReadError      = errors.New("library not readable")
	ErrNoRule         = errors.New("no unwind rule")
	ErrTruncated      = errors.New("truncated")
	ErrAborted        = errors.New("aborted")
	ErrOutOfRange     = errors.New("register out of range")
	ErrCorruptContext = errors.New("corrupt register context")
	ErrBadModuleMap   = errors.New("bad module map")
	ErrUnsupportedABI = errors.New("unsupported abi")
)

// kindErrors maps the termination cause of a walk to its diagnostic.
var kindErrors = [...]error{
	None:              nil,
	NotMapped:         ErrNoMapping,
	ReadError:         ErrReadError,
	CorruptUnwindInfo: ErrCorruptUnwind,
	NoRuleFound:       ErrNoRule,
	OutOfRange:        ErrOutOfRange,
	AmbiguousMapping:  nil,
	Truncated:         ErrTruncated,
	Aborted:           ErrAborted,
}

// Err returns the diagnostic for the error kind, or nil for None.
func (k ErrorKind) Err() error {
	if int(k) >= len(kindErrors) {
		return ErrAborted
	}
	return kindErrors[k]
}
