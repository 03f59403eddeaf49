// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind // import "go.opentelemetry.io/crashunwind/nativeunwind"

import (
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/libpf/pfelf"
	"go.opentelemetry.io/crashunwind/process"
)

// SysrootOpener opens libraries from the local file system. A non-empty Dir
// is searched first, so that the libraries of another system or container
// can be used.
type SysrootOpener struct {
	Dir string
}

var _ LibraryOpener = SysrootOpener{}

// Resolve returns the first existing file for the library path.
func (o SysrootOpener) Resolve(path string) (string, error) {
	var errs []error
	for _, candidate := range process.Override(o.Dir, path) {
		info, err := os.Stat(candidate)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.Mode().IsRegular() {
			errs = append(errs, fmt.Errorf("%s is not a regular file", candidate))
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("library %s not found: %w", path, errors.Join(errs...))
}

func (o SysrootOpener) OpenELF(path string) (*pfelf.File, error) {
	name, err := o.Resolve(path)
	if err != nil {
		return nil, err
	}
	return pfelf.Open(name)
}

func (o SysrootOpener) FileID(path string) (libpf.FileID, error) {
	name, err := o.Resolve(path)
	if err != nil {
		return libpf.FileID{}, err
	}
	return libpf.FileIDFromExecutableFile(name)
}
