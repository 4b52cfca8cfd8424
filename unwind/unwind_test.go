package unwind

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/lp-systems/livepatch/errs"
	"github.com/lp-systems/livepatch/model"
	"github.com/lp-systems/livepatch/procview"
	"github.com/lp-systems/livepatch/remote"
)

func hunkInfo() model.PatchInfo {
	return model.PatchInfo{Daddr: 0x1000, Saddr: 0x5000, Dlen: 0x10, Slen: 0x10}
}

func TestVerifyOneAllSafe(t *testing.T) {
	frames := []uint64{0x9000, 0x9100}
	safe, unsafeAddr, retIP := verifyOne(frames, []model.PatchInfo{hunkInfo()}, true, false)
	if !safe || unsafeAddr != 0 || retIP != 0 {
		t.Fatalf("verifyOne = (%v, %#x, %#x), want (true, 0, 0)", safe, unsafeAddr, retIP)
	}
}

func TestVerifyOneTransitionNonParanoid(t *testing.T) {
	info := hunkInfo()
	// Innermost-first: the thread is executing inside the hunk, its caller
	// is outside. The caller's return address is the safe point to run to.
	frames := []uint64{info.Daddr + 3, 0x9000}

	safe, unsafeAddr, retIP := verifyOne(frames, []model.PatchInfo{info}, true, false)
	if safe {
		t.Fatal("expected safe=false: a frame was found inside the hunk")
	}
	if unsafeAddr != info.Daddr {
		t.Errorf("unsafeAddr = %#x, want %#x", unsafeAddr, info.Daddr)
	}
	if retIP != 0x9000 {
		t.Errorf("retIP = %#x, want %#x (the caller's return address)", retIP, 0x9000)
	}
}

func TestVerifyOneCallerInHunkHasNoSafePoint(t *testing.T) {
	info := hunkInfo()
	// The thread has called out of the hunk: its return path leads back
	// into code about to be rewritten, and no amount of running forward
	// within the walked frames pops that frame safely.
	frames := []uint64{0x9000, info.Daddr + 4}

	safe, unsafeAddr, retIP := verifyOne(frames, []model.PatchInfo{info}, true, false)
	if safe {
		t.Fatal("expected safe=false: the caller frame sits inside the hunk")
	}
	if unsafeAddr != info.Daddr {
		t.Errorf("unsafeAddr = %#x, want %#x", unsafeAddr, info.Daddr)
	}
	if retIP != 0 {
		t.Errorf("retIP = %#x, want 0 (no safe return point)", retIP)
	}
}

func TestVerifyOneStuckInHunkNonParanoid(t *testing.T) {
	info := hunkInfo()
	frames := []uint64{info.Daddr + 2, info.Daddr + 4}

	safe, unsafeAddr, retIP := verifyOne(frames, []model.PatchInfo{info}, true, false)
	if safe {
		t.Fatal("expected safe=false: every frame stayed inside the hunk")
	}
	if unsafeAddr != info.Daddr {
		t.Errorf("unsafeAddr = %#x, want %#x", unsafeAddr, info.Daddr)
	}
	if retIP != 0 {
		t.Errorf("retIP = %#x, want 0 (no safe return point found)", retIP)
	}
}

func TestVerifyOneParanoidWalksToCompletion(t *testing.T) {
	info := hunkInfo()
	frames := []uint64{0x9000, info.Daddr + 4}

	safe, unsafeAddr, _ := verifyOne(frames, []model.PatchInfo{info}, true, true)
	if safe {
		t.Fatal("expected safe=false")
	}
	if unsafeAddr != info.Daddr {
		t.Errorf("unsafeAddr = %#x, want %#x", unsafeAddr, info.Daddr)
	}
}

func TestVerifyOneIgnoresNewFuncHunks(t *testing.T) {
	info := model.PatchInfo{Daddr: 0x1000, Dlen: 0x10, Flags: model.FlagNewFunc}
	frames := []uint64{info.Daddr + 4}

	safe, _, _ := verifyOne(frames, []model.PatchInfo{info}, true, false)
	if !safe {
		t.Fatal("a new-function hunk must never make a stack unsafe")
	}
}

// fakeUnwindPC answers PeekData from a sparse memory map and otherwise no-ops.
type fakeUnwindPC struct {
	mem map[uint64]byte
}

func newFakeUnwindPC() *fakeUnwindPC { return &fakeUnwindPC{mem: make(map[uint64]byte)} }

func (f *fakeUnwindPC) setFrame(bp, savedBP, retAddr uint64) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], savedBP)
	binary.LittleEndian.PutUint64(buf[8:16], retAddr)
	for i, b := range buf {
		f.mem[bp+uint64(i)] = b
	}
}

func (f *fakeUnwindPC) Attach(context.Context, int) ([]remote.ThreadHandle, error) { return nil, nil }
func (f *fakeUnwindPC) Detach(context.Context, int) error                         { return nil }
func (f *fakeUnwindPC) Threads(context.Context, int) ([]remote.ThreadHandle, error) {
	return nil, nil
}
func (f *fakeUnwindPC) Registers(context.Context, remote.ThreadHandle) (remote.RegisterState, error) {
	return remote.RegisterState{}, nil
}
func (f *fakeUnwindPC) PeekData(_ context.Context, _ int, addr uint64, buf []byte) error {
	for i := range buf {
		b, ok := f.mem[addr+uint64(i)]
		if !ok {
			return errors.New("unmapped")
		}
		buf[i] = b
	}
	return nil
}
func (f *fakeUnwindPC) PokeData(context.Context, int, uint64, []byte) error { return nil }
func (f *fakeUnwindPC) Mmap(context.Context, int, uint64, uint64) (uint64, error) {
	return 0, nil
}
func (f *fakeUnwindPC) Munmap(context.Context, int, uint64, uint64) error { return nil }
func (f *fakeUnwindPC) RunUntil(context.Context, int, remote.ThreadHandle, uint64) error {
	return nil
}
func (f *fakeUnwindPC) RunToEntry(context.Context, int) error { return nil }

var _ remote.ProcessControl = (*fakeUnwindPC)(nil)

type fakeCF struct {
	handles []remote.CoroutineHandle
	regs    map[uint64]remote.RegisterState
}

func (f *fakeCF) Find(context.Context, int) ([]remote.CoroutineHandle, error) {
	return f.handles, nil
}
func (f *fakeCF) Registers(_ context.Context, _ int, h remote.CoroutineHandle) (remote.RegisterState, error) {
	return f.regs[h.ID], nil
}

var _ remote.CoroutineFinder = (*fakeCF)(nil)

func TestVerifySafeThread(t *testing.T) {
	pc := newFakeUnwindPC()
	view := &procview.ProcessView{
		PID:     1,
		Threads: []procview.ThreadContext{{Handle: remote.ThreadHandle{TID: 1}, Regs: remote.RegisterState{IP: 0x9000, BP: 0}}},
	}

	res, err := Verify(context.Background(), pc, nil, view, []model.PatchInfo{hunkInfo()}, true, false)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.AnyUnsafe() {
		t.Fatal("expected no unsafe stacks")
	}
}

func TestVerifyUnsafeThread(t *testing.T) {
	pc := newFakeUnwindPC()
	info := hunkInfo()
	view := &procview.ProcessView{
		PID:     1,
		Threads: []procview.ThreadContext{{Handle: remote.ThreadHandle{TID: 1}, Regs: remote.RegisterState{IP: info.Daddr + 4, BP: 0}}},
	}

	res, err := Verify(context.Background(), pc, nil, view, []model.PatchInfo{info}, true, false)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.AnyUnsafe() {
		t.Fatal("expected the thread to be reported unsafe")
	}
	if res.CoroutineFailed() {
		t.Fatal("no coroutine involved, CoroutineFailed must be false")
	}
}

func TestVerifyCoroutineUnsafeIsTerminal(t *testing.T) {
	pc := newFakeUnwindPC()
	info := hunkInfo()
	view := &procview.ProcessView{PID: 1}
	cf := &fakeCF{
		handles: []remote.CoroutineHandle{{ID: 1}},
		regs:    map[uint64]remote.RegisterState{1: {IP: info.Daddr + 2}},
	}

	res, err := Verify(context.Background(), pc, cf, view, []model.PatchInfo{info}, true, false)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.CoroutineFailed() {
		t.Fatal("expected CoroutineFailed to be set")
	}
	if !errors.Is(ErrUnsafe(res), errs.ErrCoroutineUnsafe) {
		t.Fatal("ErrUnsafe must wrap ErrCoroutineUnsafe for a coroutine failure")
	}
}

func TestErrUnsafeWrapsUnsafeStack(t *testing.T) {
	res := Result{Failed: 2}
	if !errors.Is(ErrUnsafe(res), errs.ErrUnsafeStack) {
		t.Fatal("ErrUnsafe must wrap ErrUnsafeStack")
	}
}
