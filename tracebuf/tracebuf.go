// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracebuf renders unwound frames into a caller provided buffer of
// fixed capacity. Output is never written past the capacity, and a trace
// that does not fit is cut at a line boundary and ends with a marker
// telling how many frames are missing.
package tracebuf // import "go.opentelemetry.io/crashunwind/tracebuf"

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrTruncated is returned when not all frames fit into the buffer.
var ErrTruncated = errors.New("truncated")

// Symbolizer resolves file offsets of libraries to function names. It is
// used on a best effort basis.
type Symbolizer interface {
	// Symbolize returns the function covering fileOffset in the library at
	// path, and the offset of fileOffset within the function.
	Symbolize(path string, fileOffset uint64) (name string, offset uint64, ok bool)
}

// Entry is a frame as seen by the renderer.
type Entry struct {
	// PC is the program counter of the frame.
	PC uint64
	// Module is the path of the library containing PC, empty when PC is
	// not mapped.
	Module string
	// Offset is PC relative to the load base of the module.
	Offset uint64
	// FileOffset is the position of PC within the library file.
	FileOffset uint64
	// NoRule is set when the library had no usable unwind rule for PC.
	NoRule bool
}

// Buffer is a byte buffer with a fixed capacity that only accepts whole
// lines.
type Buffer struct {
	data []byte
	n    int
}

// NewBuffer creates a Buffer writing into out. The capacity is len(out).
func NewBuffer(out []byte) Buffer {
	return Buffer{data: out}
}

// Len returns the number of bytes written.
func (b *Buffer) Len() int {
	return b.n
}

// Available returns the number of bytes that can still be written.
func (b *Buffer) Available() int {
	return len(b.data) - b.n
}

// Bytes returns the written part of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Write appends p if it fits completely, and reports whether it did.
func (b *Buffer) Write(p []byte) bool {
	if len(p) > b.Available() {
		return false
	}
	b.n += copy(b.data[b.n:], p)
	return true
}

// DropLine removes the last line. It reports false if the buffer is empty.
func (b *Buffer) DropLine() bool {
	if b.n == 0 {
		return false
	}
	// The buffer only holds complete lines, skip the final newline.
	b.n = bytes.LastIndexByte(b.data[:b.n-1], '\n') + 1
	return true
}

// Renderer formats frames line by line into a Buffer.
type Renderer struct {
	buf   Buffer
	sym   Symbolizer
	index int

	truncated bool
	finished  bool
	// more counts the frames that did not fit
	more int
	// line is reused to format one line
	line []byte
}

// NewRenderer creates a Renderer writing into out. sym may be nil.
func NewRenderer(out []byte, sym Symbolizer) *Renderer {
	return &Renderer{
		buf:  NewBuffer(out),
		sym:  sym,
		line: make([]byte, 0, 256),
	}
}

// formatLine renders the frame with the given index.
func (r *Renderer) formatLine(index int, e Entry) []byte {
	line := r.line[:0]
	if e.Module == "" {
		line = fmt.Appendf(line, "#%02d pc %016x  <unknown>\n", index, e.PC)
		r.line = line
		return line
	}
	line = fmt.Appendf(line, "#%02d pc %016x  ", index, e.Offset)
	line = appendPrintable(line, e.Module)
	if r.sym != nil {
		if name, off, ok := r.sym.Symbolize(e.Module, e.FileOffset); ok {
			line = append(line, " ("...)
			line = appendPrintable(line, name)
			line = fmt.Appendf(line, "+0x%x)", off)
		}
	}
	if e.NoRule {
		line = append(line, " <no unwind info>"...)
	}
	line = append(line, '\n')
	r.line = line
	return line
}

// appendPrintable appends s with control bytes replaced by '?'. A frame
// must stay on one line for DropLine to find its start.
func appendPrintable(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7f {
			c = '?'
		}
		dst = append(dst, c)
	}
	return dst
}

// Append renders one frame. Once a frame did not fit, later frames are only
// counted. It reports whether the frame was written.
func (r *Renderer) Append(e Entry) bool {
	index := r.index
	r.index++
	if r.truncated {
		r.more++
		return false
	}
	if !r.buf.Write(r.formatLine(index, e)) {
		r.truncated = true
		r.more++
		return false
	}
	return true
}

// Truncated reports whether a frame did not fit.
func (r *Renderer) Truncated() bool {
	return r.truncated
}

// More returns the number of frames missing from the output. Frames
// dropped by Finish to make room for the marker are included.
func (r *Renderer) More() int {
	return r.more
}

// Len returns the number of bytes written.
func (r *Renderer) Len() int {
	return r.buf.Len()
}

// Bytes returns the rendered text.
func (r *Renderer) Bytes() []byte {
	return r.buf.Bytes()
}

// Finish completes the output. When frames were cut, lines are dropped until
// the "+N more frames" marker fits, and ErrTruncated is returned.
func (r *Renderer) Finish() error {
	if !r.truncated {
		return nil
	}
	if r.finished {
		return ErrTruncated
	}
	r.finished = true
	for {
		marker := fmt.Appendf(r.line[:0], "... +%d more frames\n", r.more)
		r.line = marker
		if r.buf.Write(marker) {
			break
		}
		if !r.buf.DropLine() {
			// Not even the marker fits.
			break
		}
		r.more++
	}
	return ErrTruncated
}

// Render formats all entries into out. It returns the number of bytes
// written, and ErrTruncated if not all entries fit.
func Render(entries []Entry, out []byte, sym Symbolizer) (int, error) {
	r := NewRenderer(out, sym)
	for _, e := range entries {
		r.Append(e)
	}
	err := r.Finish()
	return r.Len(), err
}
