// Package procview holds the in-memory view of one attached process built
// by the Orchestrator before installing or cancelling patches: its
// loaded objects, each object's applied/candidate patch state, and the
// thread and coroutine contexts the safety check must reason about.
package procview

import (
	"context"
	"fmt"

	"github.com/lp-systems/livepatch/model"
	"github.com/lp-systems/livepatch/procfs"
	"github.com/lp-systems/livepatch/remote"
)

// Object is one loaded ELF object within a process (the main executable or
// a shared library), paired with whatever patch state applies to it.
type Object struct {
	Name    string
	BuildID string
	IsELF   bool

	// IsPatch is true once a patch region is installed in the victim for
	// this object, set by the Installer or by recovery of an earlier
	// install. KpFile may already be set while IsPatch is still false.
	IsPatch bool

	// AppliedPatch is the patch level currently installed in the victim, 0
	// if none. Set by the Installer after an apply, or read back from the
	// installed blob header in remote memory.
	AppliedPatch uint64

	// KpFile is the Installer's owned copy of the matched blob,
	// duplicated from Storage's blob before any mutation.
	KpFile *model.Blob

	// Kpta is the remote base address where the whole blob (header
	// included) is mapped in the victim's address space; the embedded
	// module sits at Kpta plus the header's module offset.
	Kpta uint64

	// UserUndo is the offset, relative to Kpta, of the preserved
	// original-bytes table written at install time (BlobHeader.UserUndo).
	UserUndo uint64

	// Info is the hunk table read out of (or about to be written into) the
	// victim, terminated by a model.PatchInfo whose IsEnd() is true.
	Info []model.PatchInfo

	// JumpTable holds the resolved-symbol jump stubs written at
	// Kpta+jmpOffset when the module has undefined symbols, nil otherwise.
	JumpTable []byte

	// RegionSize is the total size of the region mapped at Kpta, as computed
	// by installer.ComputeLayout; Cancel unmaps exactly this many bytes.
	RegionSize uint64

	BaseAddr uint64
	Mappings []procfs.Mapping
}

// ThreadContext is one traced thread of the victim, along with whatever
// execute-until-address state the installer/canceller is driving it through.
type ThreadContext struct {
	Handle remote.ThreadHandle
	Regs   remote.RegisterState

	// ExecuteUntil, if non-zero, is the address this thread is being
	// advanced to as part of the safety-retry loop.
	ExecuteUntil uint64
}

// CoroutineContext is one discovered coroutine's saved register state.
// Coroutines can't be advanced; a hunk found unsafe against one is terminal.
type CoroutineContext struct {
	Handle remote.CoroutineHandle
	Regs   remote.RegisterState
}

// ProcessView is the full picture of one attached victim process.
type ProcessView struct {
	PID int

	Objects    []Object
	Threads    []ThreadContext
	Coroutines []CoroutineContext
}

// RefreshThreads re-enumerates the attached process's threads and merges
// the result into v.Threads: existing threads get a fresh register
// snapshot, newly appeared threads are added — new threads can spawn while
// an unsafe thread is being run forward to its safe point. Threads that
// disappeared are dropped.
func (v *ProcessView) RefreshThreads(ctx context.Context, pc remote.ProcessControl) error {
	handles, err := pc.Threads(ctx, v.PID)
	if err != nil {
		return fmt.Errorf("re-enumerate threads: %w", err)
	}
	known := make(map[int]ThreadContext, len(v.Threads))
	for _, th := range v.Threads {
		known[th.Handle.TID] = th
	}
	merged := make([]ThreadContext, 0, len(handles))
	for _, h := range handles {
		regs, err := pc.Registers(ctx, h)
		if err != nil {
			return fmt.Errorf("registers for tid %d: %w", h.TID, err)
		}
		executeUntil := known[h.TID].ExecuteUntil
		merged = append(merged, ThreadContext{Handle: h, Regs: regs, ExecuteUntil: executeUntil})
	}
	v.Threads = merged
	return nil
}

// FindObject returns the object named name, or nil.
func (v *ProcessView) FindObject(name string) *Object {
	for i := range v.Objects {
		if v.Objects[i].Name == name {
			return &v.Objects[i]
		}
	}
	return nil
}

// FromProcfs builds a ProcessView's Objects from a procfs scan, leaving
// patch-matching fields zero for the caller (Orchestrator) to fill in after
// consulting Storage.
func FromProcfs(pid int) (*ProcessView, error) {
	objs, err := procfs.Objects(pid)
	if err != nil {
		return nil, err
	}
	out := make([]Object, len(objs))
	for i, o := range objs {
		out[i] = Object{
			Name:     o.Path,
			BuildID:  o.BuildID,
			IsELF:    o.BuildID != "",
			BaseAddr: o.BaseAddr,
			Mappings: o.Mappings,
		}
	}
	return &ProcessView{PID: pid, Objects: out}, nil
}
