package procview

import (
	"context"
	"os"
	"testing"

	"github.com/lp-systems/livepatch/remote"
)

// fakeThreadPC serves Threads/Registers from fixed maps; everything else
// no-ops.
type fakeThreadPC struct {
	handles []remote.ThreadHandle
	regs    map[int]remote.RegisterState
}

func (f *fakeThreadPC) Attach(context.Context, int) ([]remote.ThreadHandle, error) {
	return f.handles, nil
}
func (f *fakeThreadPC) Detach(context.Context, int) error { return nil }
func (f *fakeThreadPC) Threads(context.Context, int) ([]remote.ThreadHandle, error) {
	return f.handles, nil
}
func (f *fakeThreadPC) Registers(_ context.Context, th remote.ThreadHandle) (remote.RegisterState, error) {
	return f.regs[th.TID], nil
}
func (f *fakeThreadPC) PeekData(context.Context, int, uint64, []byte) error { return nil }
func (f *fakeThreadPC) PokeData(context.Context, int, uint64, []byte) error { return nil }
func (f *fakeThreadPC) Mmap(context.Context, int, uint64, uint64) (uint64, error) {
	return 0, nil
}
func (f *fakeThreadPC) Munmap(context.Context, int, uint64, uint64) error { return nil }
func (f *fakeThreadPC) RunUntil(context.Context, int, remote.ThreadHandle, uint64) error {
	return nil
}
func (f *fakeThreadPC) RunToEntry(context.Context, int) error { return nil }

var _ remote.ProcessControl = (*fakeThreadPC)(nil)

func TestRefreshThreadsKeepsExecuteUntilAndAddsNew(t *testing.T) {
	pc := &fakeThreadPC{
		handles: []remote.ThreadHandle{{TID: 10}, {TID: 11}},
		regs: map[int]remote.RegisterState{
			10: {IP: 0x1000},
			11: {IP: 0x2000},
		},
	}
	v := &ProcessView{
		PID: 1,
		Threads: []ThreadContext{
			{Handle: remote.ThreadHandle{TID: 10}, ExecuteUntil: 0xdead},
		},
	}

	if err := v.RefreshThreads(context.Background(), pc); err != nil {
		t.Fatalf("RefreshThreads: %v", err)
	}
	if len(v.Threads) != 2 {
		t.Fatalf("len(Threads) = %d, want 2", len(v.Threads))
	}
	if v.Threads[0].ExecuteUntil != 0xdead {
		t.Errorf("ExecuteUntil = %#x, want 0xdead (preserved across refresh)", v.Threads[0].ExecuteUntil)
	}
	if v.Threads[0].Regs.IP != 0x1000 {
		t.Errorf("tid 10 IP = %#x, want fresh snapshot 0x1000", v.Threads[0].Regs.IP)
	}
	if v.Threads[1].Handle.TID != 11 || v.Threads[1].ExecuteUntil != 0 {
		t.Errorf("new thread = %+v, want tid 11 with zero ExecuteUntil", v.Threads[1])
	}
}

func TestRefreshThreadsDropsExited(t *testing.T) {
	pc := &fakeThreadPC{
		handles: []remote.ThreadHandle{{TID: 10}},
		regs:    map[int]remote.RegisterState{10: {IP: 0x1000}},
	}
	v := &ProcessView{
		PID: 1,
		Threads: []ThreadContext{
			{Handle: remote.ThreadHandle{TID: 10}},
			{Handle: remote.ThreadHandle{TID: 99}},
		},
	}

	if err := v.RefreshThreads(context.Background(), pc); err != nil {
		t.Fatalf("RefreshThreads: %v", err)
	}
	if len(v.Threads) != 1 || v.Threads[0].Handle.TID != 10 {
		t.Fatalf("Threads = %+v, want only tid 10", v.Threads)
	}
}

func TestFindObject(t *testing.T) {
	v := &ProcessView{
		Objects: []Object{{Name: "/usr/bin/app"}, {Name: "/usr/lib/libx.so"}},
	}
	if obj := v.FindObject("/usr/lib/libx.so"); obj == nil || obj.Name != "/usr/lib/libx.so" {
		t.Fatalf("FindObject = %+v, want libx", obj)
	}
	if v.FindObject("/nope") != nil {
		t.Fatal("FindObject must return nil for an unknown name")
	}
}

func TestFromProcfsSelf(t *testing.T) {
	v, err := FromProcfs(os.Getpid())
	if err != nil {
		t.Fatalf("FromProcfs: %v", err)
	}
	if v.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", v.PID, os.Getpid())
	}
	if len(v.Objects) == 0 {
		t.Fatal("expected at least the main executable among the objects")
	}
	for _, obj := range v.Objects {
		if obj.Name == "" {
			t.Error("object with empty name")
		}
		if obj.IsELF && obj.BuildID == "" {
			t.Error("IsELF set without a Build-ID")
		}
	}
}
