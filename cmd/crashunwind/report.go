// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"go.opentelemetry.io/crashunwind/regcontext"
	"go.opentelemetry.io/crashunwind/unwinder"
)

// reportFrame is the JSON form of one frame.
type reportFrame struct {
	PC     string `json:"pc"`
	Module string `json:"module,omitempty"`
	Offset string `json:"offset,omitempty"`
	Error  string `json:"error,omitempty"`
	Chased bool   `json:"chased,omitempty"`
}

// reportRegister is the JSON form of a register resolved to a library.
type reportRegister struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Location string `json:"location,omitempty"`
	Error    string `json:"error,omitempty"`
}

// report is the JSON document written by `unwind -json`.
type report struct {
	ID        string            `json:"id"`
	Machine   string            `json:"machine"`
	State     string            `json:"state"`
	Error     string            `json:"error,omitempty"`
	More      int               `json:"more,omitempty"`
	Frames    []reportFrame     `json:"frames"`
	Trace     string            `json:"trace"`
	Registers map[string]string `json:"registers"`
	Register  *reportRegister   `json:"register,omitempty"`
}

func newReport(cfg unwinder.Config, req *unwinder.Request, res *unwinder.Result,
	trace []byte, register string) *report {
	rep := &report{
		ID:        uuid.New().String(),
		Machine:   cfg.Machine.String(),
		State:     res.State.String(),
		More:      res.More,
		Frames:    make([]reportFrame, 0, len(res.Frames)),
		Trace:     string(trace),
		Registers: map[string]string{},
	}
	if err := res.Err(); err != nil {
		rep.Error = err.Error()
	}
	for i := range res.Frames {
		f := &res.Frames[i]
		rf := reportFrame{PC: fmt.Sprintf("%#x", f.PC), Chased: f.Chased}
		if f.Module != nil {
			rf.Module = f.Module.Path
			rf.Offset = fmt.Sprintf("%#x", f.Offset)
		}
		if f.Err != unwinder.None {
			rf.Error = f.Err.String()
		}
		rep.Frames = append(rep.Frames, rf)
	}

	layout, err := regcontext.LayoutFor(cfg.Machine, req.Context.ABI())
	if err != nil {
		return rep
	}
	for i := range layout.NumNamed() {
		if v, err := req.Context.Register(i); err == nil {
			rep.Registers[layout.Name(i)] = fmt.Sprintf("%#x", v)
		}
	}
	if register != "" {
		reg := &reportRegister{Name: register}
		value, desc, err := unwinder.DescribeRegister(req.Context, layout, req.Modules, register)
		if err != nil {
			reg.Error = err.Error()
		} else {
			reg.Value = fmt.Sprintf("%#x", value)
			reg.Location = desc
		}
		rep.Register = reg
	}
	return rep
}

func writeReport(w io.Writer, rep *report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("JSON Marshall failed: %w", err)
	}
	return nil
}
