package remote

import "testing"

func TestLeUint64PutLE64RoundTrip(t *testing.T) {
	want := uint64(0x0102030405060708)
	buf := make([]byte, 8)
	putLE64(buf, want)
	if got := leUint64(buf); got != want {
		t.Fatalf("leUint64(putLE64(%#x)) = %#x", want, got)
	}
}

func TestPutLE32(t *testing.T) {
	buf := make([]byte, 4)
	putLE32(buf, 0xdeadbeef)
	want := []byte{0xef, 0xbe, 0xad, 0xde}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("putLE32 = %x, want %x", buf, want)
		}
	}
}

func TestEncodeJumpStub(t *testing.T) {
	stub := encodeJumpStub()
	if len(stub) != 5 {
		t.Fatalf("len(stub) = %d, want 5", len(stub))
	}
	if stub[0] != 0xE9 {
		t.Fatalf("stub[0] = %#x, want 0xE9", stub[0])
	}
}

func TestApplyRelocationAbsolute64(t *testing.T) {
	out := make([]byte, 16)
	applyRelocation(out, 0, 1 /* R_X86_64_64 */, 0x1000, 0x10, 0)
	if got := leUint64(out[0:8]); got != 0x1010 {
		t.Fatalf("R_X86_64_64 result = %#x, want 0x1010", got)
	}
}

func TestApplyRelocation32S(t *testing.T) {
	out := make([]byte, 8)
	applyRelocation(out, 0, 11 /* R_X86_64_32S */, 0x2000, 0, 0)
	want := uint32(0x2000)
	got := uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24
	if got != want {
		t.Fatalf("R_X86_64_32S result = %#x, want %#x", got, want)
	}
}

func TestApplyRelocationPC32(t *testing.T) {
	out := make([]byte, 8)
	// symAddr=0x3000, addend=0, place=0x2000 -> disp32 = 0x1000
	applyRelocation(out, 0, 2 /* R_X86_64_PC32 */, 0x3000, 0, 0x2000)
	got := int32(uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24)
	if got != 0x1000 {
		t.Fatalf("R_X86_64_PC32 result = %#x, want 0x1000", got)
	}
}

func TestApplyRelocationPLT32(t *testing.T) {
	out := make([]byte, 8)
	applyRelocation(out, 0, 4 /* R_X86_64_PLT32 */, 0x3000, 0, 0x2000)
	got := int32(uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24)
	if got != 0x1000 {
		t.Fatalf("R_X86_64_PLT32 result = %#x, want 0x1000", got)
	}
}

func TestApplyRelocationUnknownTypeLeavesBytesUntouched(t *testing.T) {
	out := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	applyRelocation(out, 0, 99, 0x1234, 0, 0)
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("unknown relocation type modified bytes: got %x, want %x", out, want)
		}
	}
}
