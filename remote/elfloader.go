package remote

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/lp-systems/livepatch/model"
)

// patchInfoSectionName is the custom ET_REL section carrying the hunk
// table, as emitted by the kpatch build tooling.
const patchInfoSectionName = ".kpatch.info"

// ELFModule is the production ELFLoader: it parses the embedded ET_REL
// module with debug/elf, locates the hunk-info section, and resolves the
// module's relocations against a chosen load address.
type ELFModule struct{}

// NewELFLoader returns the production ELFLoader.
func NewELFLoader() *ELFModule { return &ELFModule{} }

var _ ELFLoader = (*ELFModule)(nil)

func (m *ELFModule) LoadInfo(module []byte) (int64, int, error) {
	f, err := elf.NewFile(bytes.NewReader(module))
	if err != nil {
		return 0, 0, fmt.Errorf("parse module: %w", err)
	}
	defer f.Close() //nolint:errcheck

	sec := f.Section(patchInfoSectionName)
	if sec == nil {
		return 0, 0, fmt.Errorf("no %s section", patchInfoSectionName)
	}
	// The build tooling terminates the table with an all-ones record; the
	// returned count includes it, so the terminator lands in the victim's
	// memory with the rest of the blob and later recovery walks stop on it.
	size := model.PatchInfoSize()
	count := int(sec.Size) / size
	return int64(sec.Offset), count, nil
}

func (m *ELFModule) UndefinedSymbolCount(module []byte) (int, error) {
	f, err := elf.NewFile(bytes.NewReader(module))
	if err != nil {
		return 0, fmt.Errorf("parse module: %w", err)
	}
	defer f.Close() //nolint:errcheck

	syms, err := f.Symbols()
	if err != nil {
		// A module with no dynamic/static symbol table at all has nothing
		// undefined to resolve.
		return 0, nil
	}
	n := 0
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF && s.Name != "" {
			n++
		}
	}
	return n, nil
}

// Relocate resolves module's relocations assuming a load address of kpta,
// producing the final image bytes and a jump table (one 5-byte E9 stub per
// undefined symbol, for calls too far for a direct 32-bit displacement) at
// kpta+jmpOffset. Supported relocation types are R_X86_64_64, R_X86_64_32S,
// R_X86_64_PC32 and R_X86_64_PLT32 — the set a typical hand-written hunk
// exercises.
func (m *ELFModule) Relocate(module []byte, kpta uint64, jmpOffset uint64) ([]byte, []byte, error) {
	f, err := elf.NewFile(bytes.NewReader(module))
	if err != nil {
		return nil, nil, fmt.Errorf("parse module: %w", err)
	}
	defer f.Close() //nolint:errcheck

	out := make([]byte, len(module))
	copy(out, module)

	syms, err := f.Symbols()
	if err != nil {
		syms = nil
	}

	var jumpTable []byte
	undefSlot := make(map[string]uint64)

	for _, sec := range f.Sections {
		rels, err := sectionRelocations(f, sec)
		if err != nil || len(rels) == 0 {
			continue
		}
		target := f.Sections[sec.Info]
		if target == nil || target.Offset == 0 && target.Size == 0 {
			continue
		}
		for _, r := range rels {
			if int(r.symIndex) >= len(syms) {
				continue
			}
			sym := syms[r.symIndex]

			var symAddr uint64
			if sym.Section == elf.SHN_UNDEF {
				slot, ok := undefSlot[sym.Name]
				if !ok {
					slot = kpta + jmpOffset + uint64(len(jumpTable))
					jumpTable = append(jumpTable, encodeJumpStub()...)
					undefSlot[sym.Name] = slot
				}
				symAddr = slot
			} else if int(sym.Section) < len(f.Sections) {
				symAddr = kpta + f.Sections[sym.Section].Offset + sym.Value
			} else {
				symAddr = sym.Value
			}

			placeOff := int64(target.Offset) + r.offset
			if placeOff < 0 || placeOff+8 > int64(len(out)) {
				continue
			}
			place := kpta + uint64(target.Offset) + uint64(r.offset)
			applyRelocation(out, placeOff, r.relType, symAddr, uint64(r.addend), place)
		}
	}

	return out, jumpTable, nil
}

// encodeJumpStub is a placeholder 5-byte stub for an unresolved external
// symbol; the real address is patched in by the caller once known (written
// into the jump table bytes directly here since we control them).
func encodeJumpStub() []byte {
	return []byte{0xE9, 0x00, 0x00, 0x00, 0x00}
}

type relocation struct {
	offset   int64
	symIndex uint32
	relType  uint32
	addend   int64
}

// sectionRelocations returns sec's RELA/REL entries, parsed directly from
// its raw bytes since debug/elf doesn't expose arbitrary section
// relocations as a typed slice.
func sectionRelocations(f *elf.File, sec *elf.Section) ([]relocation, error) {
	if sec.Type != elf.SHT_RELA && sec.Type != elf.SHT_REL {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	const relaEntSize = 24
	const relEntSize = 16
	var out []relocation
	if sec.Type == elf.SHT_RELA {
		for off := 0; off+relaEntSize <= len(data); off += relaEntSize {
			info := leUint64(data[off+8:])
			out = append(out, relocation{
				offset:   int64(leUint64(data[off:])),
				symIndex: uint32(info >> 32),
				relType:  uint32(info),
				addend:   int64(leUint64(data[off+16:])),
			})
		}
	} else {
		for off := 0; off+relEntSize <= len(data); off += relEntSize {
			info := leUint64(data[off+8:])
			out = append(out, relocation{
				offset:   int64(leUint64(data[off:])),
				symIndex: uint32(info >> 32),
				relType:  uint32(info),
			})
		}
	}
	return out, nil
}

// applyRelocation writes the resolved value for one x86_64 relocation type
// at placeOff in out. place is the relocation site's own final address,
// used by PC-relative types.
func applyRelocation(out []byte, placeOff int64, relType uint32, symAddr, addend, place uint64) {
	const (
		rX8664_64    = 1
		rX8664_PC32  = 2
		rX8664_32S   = 11
		rX8664_PLT32 = 4
	)
	switch relType {
	case rX8664_64:
		putLE64(out[placeOff:], symAddr+addend)
	case rX8664_32S:
		putLE32(out[placeOff:], uint32(int32(symAddr+addend)))
	case rX8664_PC32, rX8664_PLT32:
		val := int64(symAddr+addend) - int64(place)
		putLE32(out[placeOff:], uint32(int32(val)))
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putLE32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
