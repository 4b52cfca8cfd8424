// Package procfs discovers a process's loaded objects and Build-IDs by
// reading /proc, the way the engine's Orchestrator needs to before it can
// ask Storage for a matching patch.
package procfs

import (
	"bufio"
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lp-systems/livepatch/errs"
)

// Mapping is one executable mapping parsed out of /proc/<pid>/maps.
type Mapping struct {
	Start, End uint64
	Offset     uint64
	Path       string
}

// Object is one distinct loaded file-backed object in a process's address
// space: the main executable or a shared library, identified by its
// GNU Build-ID.
type Object struct {
	Path     string
	BuildID  string
	BaseAddr uint64
	Mappings []Mapping
}

// Comm returns the process's command name from /proc/<pid>/comm, printed
// in the `info` command's per-process header.
func Comm(pid int) (string, error) {
	path := filepath.Join("/proc", strconv.Itoa(pid), "comm")
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", errs.ErrAttachFailed, path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ListPIDs enumerates every numeric directory under /proc, skipping pid 1
// (init) and excludeSelf (the caller's own pid), for the "-1 = all
// processes" fan-out mode.
func ListPIDs(excludeSelf int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == 1 || pid == excludeSelf {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// Objects parses /proc/<pid>/maps and returns one Object per distinct
// file-backed executable mapping, each stamped with its GNU Build-ID.
func Objects(pid int) ([]Object, error) {
	mapsPath := filepath.Join("/proc", strconv.Itoa(pid), "maps")
	f, err := os.Open(mapsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrAttachFailed, mapsPath, err)
	}
	defer f.Close() //nolint:errcheck

	byPath := make(map[string]*Object)
	var order []string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, ok := parseMapsLine(sc.Text())
		if !ok || m.Path == "" || !strings.HasPrefix(m.Path, "/") {
			continue
		}
		obj, exists := byPath[m.Path]
		if !exists {
			obj = &Object{Path: m.Path, BaseAddr: m.Start}
			byPath[m.Path] = obj
			order = append(order, m.Path)
		}
		obj.Mappings = append(obj.Mappings, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", mapsPath, err)
	}

	root := filepath.Join("/proc", strconv.Itoa(pid), "root")
	objs := make([]Object, 0, len(order))
	for _, p := range order {
		o := *byPath[p]
		if bid, err := buildIDFromRoot(root, p); err == nil {
			o.BuildID = bid
		}
		objs = append(objs, o)
	}
	return objs, nil
}

// AnonExecRanges returns the base address of every anonymous (no backing
// file) executable mapping in pid — the signature left by an installed
// patch's remote mmap, since ordinary anonymous mappings are never
// executable. orchestrator.detectApplied uses these as candidate load addresses when a
// process was patched by an earlier, separate invocation and obj.Kpta isn't
// already known.
func AnonExecRanges(pid int) ([]uint64, error) {
	mapsPath := filepath.Join("/proc", strconv.Itoa(pid), "maps")
	f, err := os.Open(mapsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrAttachFailed, mapsPath, err)
	}
	defer f.Close() //nolint:errcheck

	var bases []uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, ok := parseMapsLine(sc.Text())
		if !ok || m.Path != "" {
			continue
		}
		bases = append(bases, m.Start)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", mapsPath, err)
	}
	return bases, nil
}

// parseMapsLine parses one /proc/<pid>/maps line of the form:
//
//	"start-end perms offset dev inode [path]"
func parseMapsLine(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}
	addrRange, perms, offsetStr := fields[0], fields[1], fields[2]
	if !strings.Contains(perms, "x") {
		return Mapping{}, false
	}
	startStr, endStr, ok := strings.Cut(addrRange, "-")
	if !ok {
		return Mapping{}, false
	}
	start, err := strconv.ParseUint(startStr, 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(endStr, 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	offset, err := strconv.ParseUint(offsetStr, 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	var path string
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}
	return Mapping{Start: start, End: end, Offset: offset, Path: path}, true
}

// buildIDFromRoot opens path through the victim's mount namespace (via
// /proc/<pid>/root, so a chrooted or containerized target resolves
// correctly) and extracts its GNU Build-ID note.
func buildIDFromRoot(root, path string) (string, error) {
	full := filepath.Join(root, path)
	f, err := elf.Open(full)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", full, err)
	}
	defer f.Close() //nolint:errcheck
	return buildID(f)
}

// buildID extracts the NT_GNU_BUILD_ID note's hex-encoded descriptor from
// an ELF file's .note.gnu.build-id section.
func buildID(f *elf.File) (string, error) {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return "", fmt.Errorf("no .note.gnu.build-id section")
	}
	data, err := sec.Data()
	if err != nil {
		return "", fmt.Errorf("read build-id section: %w", err)
	}
	desc, ok := parseNoteDescriptor(data, "GNU", 3)
	if !ok {
		return "", fmt.Errorf("malformed build-id note")
	}
	return fmt.Sprintf("%x", desc), nil
}

// parseNoteDescriptor walks an ELF note section's records looking for one
// matching wantName/wantType, returning its descriptor bytes.
func parseNoteDescriptor(data []byte, wantName string, wantType uint32) ([]byte, bool) {
	for len(data) >= 12 {
		nameSz := leUint32(data[0:4])
		descSz := leUint32(data[4:8])
		typ := leUint32(data[8:12])
		off := 12
		nameEnd := off + int(align4(nameSz))
		if nameEnd > len(data) || off+int(nameSz) > len(data) {
			return nil, false
		}
		name := string(bytes.TrimRight(data[off:off+int(nameSz)], "\x00"))
		off = nameEnd
		descEnd := off + int(align4(descSz))
		if descEnd > len(data) || off+int(descSz) > len(data) {
			return nil, false
		}
		desc := data[off : off+int(descSz)]
		if name == wantName && typ == wantType {
			return desc, true
		}
		data = data[descEnd:]
	}
	return nil, false
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }
