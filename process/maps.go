// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/crashunwind/process"

import (
	"bufio"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// mappingParseBufferSize defines the initial buffer size used to store lines from
// /proc/PID/maps during parsing of mappings.
const mappingParseBufferSize = 256

func trimMappingPath(path string) string {
	// Trim the deleted indication from the path.
	// See path_with_deleted in linux/fs/d_path.c
	path = strings.TrimSuffix(path, " (deleted)")
	if path == "/dev/zero" {
		// Some JIT engines map JIT area from /dev/zero
		// make it anonymous.
		return ""
	}
	return path
}

// splitMapsLine splits a maps line into its five leading fields and the
// path, which may contain spaces. It returns the number of fields found.
func splitMapsLine(line string) (fields [6]string, n int) {
	rest := line
	for n < len(fields)-1 {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			return fields, n
		}
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			fields[n] = rest
			return fields, n + 1
		}
		fields[n], rest = rest[:end], rest[end:]
		n++
	}
	fields[n] = strings.TrimLeft(rest, " \t")
	return fields, n + 1
}

// ParseMappings parses mappings in the /proc/PID/maps text format. Mappings
// that are neither readable nor executable, and pseudo-file mappings other
// than the vDSO, are skipped. Malformed lines are counted and skipped.
func ParseMappings(mapsFile io.Reader) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(mapsFile)
	scanner.Buffer(make([]byte, mappingParseBufferSize), 8192)
	for scanner.Scan() {
		line := scanner.Text()
		fields, n := splitMapsLine(line)
		if n < 5 {
			numParseErrors++
			continue
		}
		start, end, ok := strings.Cut(fields[0], "-")
		if !ok {
			numParseErrors++
			continue
		}

		mapsFlags := fields[1]
		if len(mapsFlags) < 3 {
			numParseErrors++
			continue
		}
		flags := elf.ProgFlag(0)
		if mapsFlags[0] == 'r' {
			flags |= elf.PF_R
		}
		if mapsFlags[1] == 'w' {
			flags |= elf.PF_W
		}
		if mapsFlags[2] == 'x' {
			flags |= elf.PF_X
		}

		// Ignore non-readable and non-executable mappings
		if flags&(elf.PF_R|elf.PF_X) == 0 {
			continue
		}
		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			log.Debugf("inode: failed to convert %s to uint64: %v", fields[4], err)
			numParseErrors++
			continue
		}

		majorStr, minorStr, ok := strings.Cut(fields[3], ":")
		if !ok {
			numParseErrors++
			continue
		}
		major, err := strconv.ParseUint(majorStr, 16, 64)
		if err != nil {
			log.Debugf("major device: failed to convert %s to uint64: %v", majorStr, err)
			numParseErrors++
			continue
		}
		minor, err := strconv.ParseUint(minorStr, 16, 64)
		if err != nil {
			log.Debugf("minor device: failed to convert %s to uint64: %v", minorStr, err)
			numParseErrors++
			continue
		}
		device := major<<8 + minor

		var path string
		if inode == 0 {
			if fields[5] == "[vdso]" {
				// Map to something filename looking with synthesized inode
				path = VdsoPathName
				device = 0
				inode = vdsoInode
			} else if fields[5] != "" {
				// Ignore other mappings that are invalid, non-existent or are special pseudo-files
				continue
			}
		} else {
			path = trimMappingPath(fields[5])
		}

		vaddr, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			log.Debugf("vaddr: failed to convert %s to uint64: %v", start, err)
			numParseErrors++
			continue
		}
		vend, err := strconv.ParseUint(end, 16, 64)
		if err != nil || vend < vaddr {
			log.Debugf("vend: failed to convert %s to an end address: %v", end, err)
			numParseErrors++
			continue
		}

		fileOffset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			log.Debugf("fileOffset: failed to convert %s to uint64: %v", fields[2], err)
			numParseErrors++
			continue
		}

		mappings = append(mappings, Mapping{
			Vaddr:      vaddr,
			Length:     vend - vaddr,
			Flags:      flags,
			FileOffset: fileOffset,
			Device:     device,
			Inode:      inode,
			Path:       path,
		})
	}
	return mappings, numParseErrors, scanner.Err()
}

// ReadMappings parses the mappings of the process pid from procfs.
func ReadMappings(pid int) ([]Mapping, uint32, error) {
	mapsFile, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, 0, err
	}
	defer mapsFile.Close()
	return ParseMappings(mapsFile)
}
