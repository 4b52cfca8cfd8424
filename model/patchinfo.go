package model

import "encoding/binary"

// Hunk flags. Flags stored on disk/in remote memory use the
// low byte; APPLIED is tool-local and never persisted to the blob.
const (
	// FlagNewFunc marks a "new function" hunk: a pure addition with no
	// daddr/dlen, so it has nothing to redirect.
	FlagNewFunc uint32 = 1 << 0
	// FlagApplied is the runtime-local bit recording that this specific
	// hunk has been written to the victim. High bit so it never collides
	// with on-disk flag bits; never persisted.
	FlagApplied uint32 = 1 << 31
)

// patchInfoSize is the fixed on-wire size of one PatchInfo record:
// daddr, saddr (8 bytes each) + dlen, slen, flags (4 bytes each).
const patchInfoSize = 8 + 8 + 4 + 4 + 4

// endSentinelDaddr marks the terminator record when recovering info[] from
// remote memory: an all-zero record with dlen == 0 and
// FlagNewFunc unset is ambiguous with a legitimate new-function entry, so
// the sentinel instead uses a Daddr of all-ones.
const endSentinelDaddr = ^uint64(0)

// PatchInfo is one hunk: an original-code range (Daddr/Dlen) redirected to
// a replacement range (Saddr/Slen) inside the mapped patch.
type PatchInfo struct {
	Daddr uint64
	Saddr uint64
	Dlen  uint32
	Slen  uint32
	Flags uint32
}

// IsNew reports whether this is a "new function" hunk: nothing to install,
// nothing to restore, and excluded from the safety predicate's scan.
func (p PatchInfo) IsNew() bool { return p.Flags&FlagNewFunc != 0 }

// IsEnd reports whether this is the end-of-array sentinel written by the
// Installer after the last real hunk.
func (p PatchInfo) IsEnd() bool { return p.Daddr == endSentinelDaddr }

// Applied reports whether the local APPLIED bit is set.
func (p PatchInfo) Applied() bool { return p.Flags&FlagApplied != 0 }

// WithApplied returns a copy with the local APPLIED bit set. The bit is
// tool-local bookkeeping only; it is masked out before any remote write.
func (p PatchInfo) WithApplied() PatchInfo {
	p.Flags |= FlagApplied
	return p
}

// InHunk is the safety-check address predicate: is ip inside the range
// about to be rewritten in the given direction?
func (p PatchInfo) InHunk(ip uint64, apply bool) bool {
	if p.IsNew() {
		return false
	}
	if apply {
		return ip >= p.Daddr && ip < p.Daddr+uint64(p.Dlen)
	}
	return ip >= p.Saddr && ip < p.Saddr+uint64(p.Slen)
}

// EncodePatchInfo serializes p into the fixed on-wire layout written to
// the remote undo/info tables. The APPLIED bit (tool-local) is masked out.
func EncodePatchInfo(p PatchInfo) []byte {
	buf := make([]byte, patchInfoSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.Daddr)
	binary.LittleEndian.PutUint64(buf[8:16], p.Saddr)
	binary.LittleEndian.PutUint32(buf[16:20], p.Dlen)
	binary.LittleEndian.PutUint32(buf[20:24], p.Slen)
	binary.LittleEndian.PutUint32(buf[24:28], p.Flags&^FlagApplied)
	return buf
}

// DecodePatchInfo is the inverse of EncodePatchInfo.
func DecodePatchInfo(buf []byte) PatchInfo {
	return PatchInfo{
		Daddr: binary.LittleEndian.Uint64(buf[0:8]),
		Saddr: binary.LittleEndian.Uint64(buf[8:16]),
		Dlen:  binary.LittleEndian.Uint32(buf[16:20]),
		Slen:  binary.LittleEndian.Uint32(buf[20:24]),
		Flags: binary.LittleEndian.Uint32(buf[24:28]),
	}
}

// PatchInfoSize returns the fixed wire size of one PatchInfo record.
func PatchInfoSize() int { return patchInfoSize }
