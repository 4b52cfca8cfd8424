package model

import "testing"

func TestPatchInfoEncodeDecodeRoundTrip(t *testing.T) {
	p := PatchInfo{Daddr: 0x1000, Saddr: 0x2000, Dlen: 16, Slen: 5, Flags: FlagNewFunc}

	buf := EncodePatchInfo(p)
	if len(buf) != PatchInfoSize() {
		t.Fatalf("encoded length = %d, want %d", len(buf), PatchInfoSize())
	}

	got := DecodePatchInfo(buf)
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestEncodePatchInfoMasksAppliedBit(t *testing.T) {
	p := PatchInfo{Daddr: 1, Saddr: 2, Dlen: 1, Slen: 1}.WithApplied()

	buf := EncodePatchInfo(p)
	got := DecodePatchInfo(buf)

	if got.Applied() {
		t.Fatal("Applied bit leaked onto the wire")
	}
	if !p.Applied() {
		t.Fatal("WithApplied did not set the local bit")
	}
}

func TestIsNew(t *testing.T) {
	if !(PatchInfo{Flags: FlagNewFunc}).IsNew() {
		t.Fatal("expected IsNew true")
	}
	if (PatchInfo{}).IsNew() {
		t.Fatal("expected IsNew false")
	}
}

func TestIsEnd(t *testing.T) {
	if !(PatchInfo{Daddr: endSentinelDaddr}).IsEnd() {
		t.Fatal("expected IsEnd true for sentinel")
	}
	if (PatchInfo{Daddr: 0x1000}).IsEnd() {
		t.Fatal("expected IsEnd false for real address")
	}
}

func TestInHunk(t *testing.T) {
	p := PatchInfo{Daddr: 0x1000, Saddr: 0x5000, Dlen: 16, Slen: 32}

	cases := []struct {
		name  string
		ip    uint64
		apply bool
		want  bool
	}{
		{"inside daddr range, apply", 0x1004, true, true},
		{"at daddr end, apply", 0x1010, true, false},
		{"before daddr, apply", 0x0fff, true, false},
		{"inside saddr range, cancel", 0x5010, false, true},
		{"outside saddr range, cancel", 0x5020, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := p.InHunk(c.ip, c.apply); got != c.want {
				t.Errorf("InHunk(%#x, %v) = %v, want %v", c.ip, c.apply, got, c.want)
			}
		})
	}
}

func TestInHunkNewFuncNeverMatches(t *testing.T) {
	p := PatchInfo{Daddr: 0x1000, Dlen: 16, Flags: FlagNewFunc}
	if p.InHunk(0x1004, true) {
		t.Fatal("new-function hunk must never match InHunk")
	}
}
