// Package model defines the on-disk and in-memory data model for a binary
// patch: the blob header and the per-hunk info records
// that drive installation and cancellation.
package model

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/lp-systems/livepatch/errs"
)

// Magic is the fixed 8-byte signature at the start of every patch blob.
var Magic = [8]byte{'k', 'p', 'a', 't', 'c', 'h', '1', '\n'}

// headerSize is the size in bytes of the fixed portion of BlobHeader as laid
// out on disk (see encode/decode below). Fields after the fixed header are
// reserved and only meaningful once stamped by the Installer.
const headerSize = 8 + 8*6 + 40 // magic + six uint64 fields + uname buffer

// unameSize is the fixed width of the Build-ID string field on disk.
const unameSize = 40 // 20-byte Build-ID as hex, null-padded

// Byte offsets of each header field within Blob.Data, matching Decode's
// layout. UserLevelOffset lets a caller recover the installed patch's
// version directly from the victim's memory, since the Installer writes
// the whole header (this one included, unmodified) at kpta.
const (
	TotalSizeOffset    = 8
	KpatchOffsetOffset = 16
	UserLevelOffset    = 24
	UserInfoOffset     = 32
	UserUndoOffset     = 40
	NInfoOffset        = 48
)

// BlobHeader is the fixed header of a patch blob.
type BlobHeader struct {
	TotalSize    uint64
	KpatchOffset uint64
	UserLevel    uint64
	UserInfo     uint64 // offset of the hunk-info array inside the mapped blob; stamped at install
	UserUndo     uint64 // offset of the preserved original-bytes table; stamped at install
	NInfo        uint64 // entry count of the hunk-info array
	Uname        string // Build-ID string, e.g. "deadbeef...'
}

// Blob is a parsed patch blob: its header plus the raw bytes backing it
// (either a read file or a mapped region), as produced by Storage and
// consumed by the Installer.
type Blob struct {
	Header BlobHeader
	Data   []byte // the full blob, length >= Header.TotalSize
}

// Decode parses and verifies a BlobHeader. elfSHEntSize is
// the platform's expected section-header-entry size (sizeof(Elf64_Shdr) on
// x86_64, i.e. 64).
func Decode(data []byte, elfSHEntSize int) (*Blob, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: blob shorter than header (%d bytes)", errs.ErrInvalidPatch, len(data))
	}
	if !bytes.Equal(data[:8], Magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", errs.ErrInvalidPatch)
	}

	r := data[8:]
	h := BlobHeader{
		TotalSize:    binary.LittleEndian.Uint64(r[0:8]),
		KpatchOffset: binary.LittleEndian.Uint64(r[8:16]),
		UserLevel:    binary.LittleEndian.Uint64(r[16:24]),
		UserInfo:     binary.LittleEndian.Uint64(r[24:32]),
		UserUndo:     binary.LittleEndian.Uint64(r[32:40]),
		NInfo:        binary.LittleEndian.Uint64(r[40:48]),
	}
	unameRaw := r[48 : 48+unameSize]
	if i := bytes.IndexByte(unameRaw, 0); i >= 0 {
		h.Uname = string(unameRaw[:i])
	} else {
		h.Uname = string(unameRaw)
	}

	if h.TotalSize > uint64(len(data)) {
		return nil, fmt.Errorf("%w: total_size %d exceeds blob size %d", errs.ErrInvalidPatch, h.TotalSize, len(data))
	}
	if h.KpatchOffset >= h.TotalSize {
		return nil, fmt.Errorf("%w: kpatch_offset %d out of range", errs.ErrInvalidPatch, h.KpatchOffset)
	}

	if err := verifyEmbeddedELF(data, h.KpatchOffset, h.TotalSize, elfSHEntSize); err != nil {
		return nil, err
	}

	return &Blob{Header: h, Data: data[:h.TotalSize:h.TotalSize]}, nil
}

// verifyEmbeddedELF checks that the blob at [off, totalSize) begins with a
// valid ELF identification, is ET_REL, and carries the expected section
// header entry size: the three checks required of the embedded
// relocatable module.
func verifyEmbeddedELF(data []byte, off, totalSize uint64, wantSHEntSize int) error {
	if off+elf.EI_NIDENT > totalSize {
		return fmt.Errorf("%w: embedded ELF header truncated", errs.ErrInvalidPatch)
	}
	ident := data[off : off+elf.EI_NIDENT]
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return fmt.Errorf("%w: embedded image is not ELF", errs.ErrInvalidPatch)
	}
	if elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return fmt.Errorf("%w: embedded ELF is not 64-bit", errs.ErrInvalidPatch)
	}

	f, err := elf.NewFile(bytes.NewReader(data[off:totalSize]))
	if err != nil {
		return fmt.Errorf("%w: parse embedded ELF: %v", errs.ErrInvalidPatch, err)
	}
	defer f.Close() //nolint:errcheck

	if f.Type != elf.ET_REL {
		return fmt.Errorf("%w: embedded ELF type %s is not ET_REL", errs.ErrInvalidPatch, f.Type)
	}
	if f.FileHeader.ByteOrder == binary.BigEndian {
		return fmt.Errorf("%w: embedded ELF is big-endian", errs.ErrInvalidPatch)
	}
	if int(f.FileHeader.Version) == 0 {
		return fmt.Errorf("%w: embedded ELF has no version", errs.ErrInvalidPatch)
	}
	// Section header entry size is not exposed directly by debug/elf, so
	// re-derive it from the raw ELF header and compare explicitly.
	if shentsize, ok := sectionHeaderEntSize(data[off:totalSize]); ok && shentsize != wantSHEntSize {
		return fmt.Errorf("%w: section header entry size %d != expected %d", errs.ErrInvalidPatch, shentsize, wantSHEntSize)
	}
	return nil
}

// sectionHeaderEntSize reads e_shentsize directly out of the ELF64 header.
func sectionHeaderEntSize(raw []byte) (int, bool) {
	const e_shentsizeOffset = 0x3A
	if len(raw) < e_shentsizeOffset+2 {
		return 0, false
	}
	return int(binary.LittleEndian.Uint16(raw[e_shentsizeOffset:])), true
}

// Clone returns an owned deep copy of the blob's bytes, used by the
// Installer when it duplicates storage's blob before mutating header fields.
func (b *Blob) Clone() *Blob {
	data := make([]byte, len(b.Data))
	copy(data, b.Data)
	return &Blob{Header: b.Header, Data: data}
}

// StampInstallFields writes the install-time-only UserInfo/UserUndo/NInfo
// fields back into both b.Header and b.Data's header bytes, so the copy
// eventually written into the victim carries the same values a later
// re-derivation of the install layout would compute.
func (b *Blob) StampInstallFields(userInfo, userUndo, ninfo uint64) {
	b.Header.UserInfo = userInfo
	b.Header.UserUndo = userUndo
	b.Header.NInfo = ninfo
	binary.LittleEndian.PutUint64(b.Data[UserInfoOffset:], userInfo)
	binary.LittleEndian.PutUint64(b.Data[UserUndoOffset:], userUndo)
	binary.LittleEndian.PutUint64(b.Data[NInfoOffset:], ninfo)
}
