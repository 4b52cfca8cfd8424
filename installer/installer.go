// Package installer implements patch application: duplicating the matched blob,
// relocating its embedded module near the victim's code, proving the
// rewrite is safe, and installing the 5-byte near-jump hunks.
package installer

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/lp-systems/livepatch/errs"
	"github.com/lp-systems/livepatch/model"
	"github.com/lp-systems/livepatch/procview"
	"github.com/lp-systems/livepatch/remote"
	"github.com/lp-systems/livepatch/unwind"
)

// SafetyBudget is the maximum time spent running an unsafe thread forward
// to its safe return point before a hunk is declared unsafe to install.
const SafetyBudget = 3000 * time.Second

// alignment is the allocation granularity used when rounding up the
// relocated module's size for the remote mmap.
const alignment = 4096

// jmpOpcode is the single byte of an x86_64 E9 near-jump.
const jmpOpcode = 0xE9

// jmpLen is the total length in bytes of an installed hunk jump.
const jmpLen = 5

// Installer applies patches to one attached process. One Installer is used
// per Apply call; it holds no state across processes.
type Installer struct {
	PC   remote.ProcessControl
	EL   remote.ELFLoader
	CF   remote.CoroutineFinder
	Para bool // paranoid unwind mode
}

// New returns an Installer wired to the given collaborators.
func New(pc remote.ProcessControl, el remote.ELFLoader, cf remote.CoroutineFinder, paranoid bool) *Installer {
	return &Installer{PC: pc, EL: el, CF: cf, Para: paranoid}
}

// Layout is the Installer's placement of one blob within the region that
// will be mapped into the victim. Every offset is relative to
// kpta, the region's remote base address; the embedded module itself lives
// at kpta+ModuleOffset (blob.Header.KpatchOffset), since the whole blob —
// header included, is written at kpta.
type Layout struct {
	ModuleOffset uint64 // == blob.Header.KpatchOffset, offset of the module from kpta
	HasJmp       bool
	JmpOffset    uint64 // offset of the jump table, valid when HasJmp
	JmpSize      uint64
	InfoOff      int64 // module-relative offset of info[], as returned by LoadInfo
	NInfo        int
	UserInfo     uint64 // kpta-relative offset of info[] (ModuleOffset + InfoOff)
	UserUndo     uint64 // kpta-relative offset of the undo table (UserUndo+5*i per hunk)
	Size         uint64 // total remote region size, rounded to 4096
}

// ComputeLayout sizes the remote region for blob: starting
// from the blob's own total_size (rounded to 8), reserve an aligned jump
// table if the embedded module has undefined symbols, then reserve a
// 5-byte-per-hunk undo table, rounding the final region up to a page. It is
// pure given (el, blob) so the orchestrator can recompute the same offsets
// from a freshly re-opened blob when recovering a patch installed by an
// earlier, separate invocation.
func ComputeLayout(el remote.ELFLoader, blob *model.Blob) (Layout, []byte, error) {
	module := blob.Data[blob.Header.KpatchOffset:]
	infoOff, count, err := el.LoadInfo(module)
	if err != nil {
		return Layout{}, nil, fmt.Errorf("%w: load hunk info: %v", errs.ErrInvalidPatch, err)
	}
	nsyms, err := el.UndefinedSymbolCount(module)
	if err != nil {
		return Layout{}, nil, fmt.Errorf("%w: count undefined symbols: %v", errs.ErrRelocationFailed, err)
	}

	sz := roundUp(blob.Header.TotalSize, 8)
	l := Layout{
		ModuleOffset: blob.Header.KpatchOffset,
		InfoOff:      infoOff,
		NInfo:        count,
		UserInfo:     blob.Header.KpatchOffset + uint64(infoOff),
	}
	if nsyms > 0 {
		l.HasJmp = true
		l.JmpOffset = sz
		l.JmpSize = uint64(nsyms) * jmpLen
		sz += l.JmpSize
		sz = roundUp(sz, 128)
	}
	l.UserUndo = sz
	sz += uint64(count) * jmpLen
	sz = roundUp(sz, 16)
	sz = roundUp(sz, alignment)
	l.Size = sz
	return l, module, nil
}

// ApplyObject installs obj.KpFile into the victim described by view,
// mutating obj in place to record the installed layout (Kpta, Info,
// JumpTable). obj.KpFile must already be Storage's matched blob, owned by
// the caller (a Clone, so header stamping never touches storage's copy).
//
// On a failure during hunk installation the victim may already carry some
// of the jumps; ApplyObject then returns with obj still describing the
// partial install (IsPatch set, Info holding the hunks marked APPLIED so
// far) and the region still mapped. The caller must cancel that object
// with checkFlag=true to restore the written hunks and release the region.
func (in *Installer) ApplyObject(ctx context.Context, view *procview.ProcessView, obj *procview.Object) error {
	logger := log.WithFunc("installer.ApplyObject")
	if obj.KpFile == nil {
		return fmt.Errorf("%w: no matched patch for %s", errs.ErrInvalidPatch, obj.Name)
	}

	layout, module, err := ComputeLayout(in.EL, obj.KpFile)
	if err != nil {
		return err
	}
	obj.KpFile.StampInstallFields(layout.UserInfo, layout.UserUndo, uint64(layout.NInfo))

	kpta, err := in.allocateNear(ctx, view.PID, obj.BaseAddr, layout.Size)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrLayoutUnreachable, err)
	}

	moduleBase := kpta + layout.ModuleOffset
	relJmpOffset := uint64(0)
	if layout.HasJmp {
		relJmpOffset = layout.JmpOffset - layout.ModuleOffset
	}
	relocated, jumpTable, err := in.EL.Relocate(module, moduleBase, relJmpOffset)
	if err != nil {
		_ = in.PC.Munmap(ctx, view.PID, kpta, layout.Size)
		return fmt.Errorf("%w: %v", errs.ErrRelocationFailed, err)
	}

	infos := decodeInfos(relocated, layout.InfoOff, layout.NInfo)
	stampSaddr(infos, moduleBase)

	if err := in.verifyWithRetry(ctx, view, infos); err != nil {
		_ = in.PC.Munmap(ctx, view.PID, kpta, layout.Size)
		return err
	}

	image := make([]byte, obj.KpFile.Header.TotalSize)
	copy(image, obj.KpFile.Data[:layout.ModuleOffset])
	copy(image[layout.ModuleOffset:], relocated)
	if err := in.PC.PokeData(ctx, view.PID, kpta, image); err != nil {
		_ = in.PC.Munmap(ctx, view.PID, kpta, layout.Size)
		return fmt.Errorf("%w: write blob body: %v", errs.ErrRemoteIoFailed, err)
	}
	if len(jumpTable) > 0 {
		if err := in.PC.PokeData(ctx, view.PID, kpta+layout.JmpOffset, jumpTable); err != nil {
			_ = in.PC.Munmap(ctx, view.PID, kpta, layout.Size)
			return fmt.Errorf("%w: write jump table: %v", errs.ErrRemoteIoFailed, err)
		}
	}

	installed, err := in.installHunks(ctx, view.PID, kpta, layout.UserUndo, infos)
	if err != nil {
		// Hunks written before the failure are live jumps into this region:
		// unmapping now would leave the victim one call away from a fault.
		// Leave the partial state on obj so the caller can cancel exactly
		// the hunks marked APPLIED, which also releases the region.
		obj.Kpta = kpta
		obj.UserUndo = layout.UserUndo
		obj.Info = installed
		obj.RegionSize = layout.Size
		obj.IsPatch = true
		return err
	}

	obj.Kpta = kpta
	obj.UserUndo = layout.UserUndo
	obj.Info = installed
	obj.JumpTable = jumpTable
	obj.RegionSize = layout.Size
	obj.IsPatch = true
	obj.AppliedPatch = obj.KpFile.Header.UserLevel
	logger.Infof(ctx, "installed %d hunks for %s at 0x%x", len(installed), obj.Name, kpta)
	return nil
}

// allocateNear asks the ProcessControl for a region close enough to near
// that every hunk's disp32 fits (|saddr - daddr - 5| < 2^31).
func (in *Installer) allocateNear(ctx context.Context, pid int, near uint64, size uint64) (uint64, error) {
	return in.PC.Mmap(ctx, pid, near, size)
}

// verifyWithRetry validates the safety predicate against infos (the
// about-to-be-installed hunks). On a thread-only failure, each unsafe
// thread is advanced to its verify-computed retip (within SafetyBudget) and
// a single re-check is made before giving up; a coroutine failure is
// terminal with no retry.
func (in *Installer) verifyWithRetry(ctx context.Context, view *procview.ProcessView, infos []model.PatchInfo) error {
	res, err := unwind.Verify(ctx, in.PC, in.CF, view, infos, true, in.Para)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRemoteIoFailed, err)
	}
	if !res.AnyUnsafe() {
		return nil
	}
	if res.CoroutineFailed() {
		return unwind.ErrUnsafe(res)
	}

	gctx, cancel := context.WithTimeout(ctx, SafetyBudget)
	defer cancel()
	if err := advanceThreads(gctx, in.PC, view, res.Retips); err != nil {
		return fmt.Errorf("%w: advance failed: %v", errs.ErrUnsafeStack, err)
	}
	if err := view.RefreshThreads(gctx, in.PC); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRemoteIoFailed, err)
	}

	res, err = unwind.Verify(gctx, in.PC, in.CF, view, infos, true, in.Para)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRemoteIoFailed, err)
	}
	if res.AnyUnsafe() {
		return unwind.ErrUnsafe(res)
	}
	return nil
}

// advanceThreads resumes every thread whose retip is non-zero (i.e. verify
// found it mid-hunk) until it reaches that safe return point. Threads
// already safe (retip == 0) are left alone.
func advanceThreads(ctx context.Context, pc remote.ProcessControl, view *procview.ProcessView, retips []uint64) error {
	for i := range view.Threads {
		if i >= len(retips) || retips[i] == 0 {
			continue
		}
		th := &view.Threads[i]
		th.ExecuteUntil = retips[i]
		if err := pc.RunUntil(ctx, view.PID, th.Handle, retips[i]); err != nil {
			return fmt.Errorf("advance thread %d: %w", th.Handle.TID, err)
		}
	}
	return nil
}

// installHunks writes the undo table (preserved original bytes, laid out
// sequentially in hunk order at kpta+userUndo so Cancel can recompute each
// hunk's slot the same way) then the E9 disp32 jump for every non-new hunk,
// marking each PatchInfo applied locally as it succeeds so a partial
// failure can be unwound by the caller.
func (in *Installer) installHunks(ctx context.Context, pid int, kpta, userUndo uint64, infos []model.PatchInfo) ([]model.PatchInfo, error) {
	installed := make([]model.PatchInfo, 0, len(infos))
	for i, info := range infos {
		if info.IsEnd() {
			installed = append(installed, info)
			break
		}
		if info.IsNew() {
			installed = append(installed, info)
			continue
		}

		orig := make([]byte, jmpLen)
		if err := in.PC.PeekData(ctx, pid, info.Daddr, orig); err != nil {
			return installed, fmt.Errorf("%w: read original bytes at 0x%x: %v", errs.ErrRemoteIoFailed, info.Daddr, err)
		}
		undoAddr := kpta + userUndo + uint64(i)*jmpLen
		if err := in.PC.PokeData(ctx, pid, undoAddr, orig); err != nil {
			return installed, fmt.Errorf("%w: write undo bytes for 0x%x: %v", errs.ErrRemoteIoFailed, info.Daddr, err)
		}

		jmp := encodeJump(info.Daddr, info.Saddr)
		if err := in.PC.PokeData(ctx, pid, info.Daddr, jmp); err != nil {
			return installed, fmt.Errorf("%w: write jump at 0x%x: %v", errs.ErrRemoteIoFailed, info.Daddr, err)
		}
		installed = append(installed, info.WithApplied())
	}
	return installed, nil
}

// encodeJump produces the 5-byte E9 disp32 near jump from daddr to saddr.
func encodeJump(daddr, saddr uint64) []byte {
	disp := int64(saddr) - int64(daddr) - jmpLen
	buf := make([]byte, jmpLen)
	buf[0] = jmpOpcode
	binary.LittleEndian.PutUint32(buf[1:5], uint32(int32(disp)))
	return buf
}

func decodeInfos(module []byte, off int64, count int) []model.PatchInfo {
	infos := make([]model.PatchInfo, 0, count+1)
	size := model.PatchInfoSize()
	for i := 0; i < count; i++ {
		start := int(off) + i*size
		if start+size > len(module) {
			break
		}
		infos = append(infos, model.DecodePatchInfo(module[start:start+size]))
	}
	return infos
}

// stampSaddr rewrites each hunk's Saddr from module-relative to its final
// address once the module's load address (kpta) is known.
func stampSaddr(infos []model.PatchInfo, kpta uint64) {
	for i := range infos {
		if infos[i].IsEnd() {
			continue
		}
		infos[i].Saddr += kpta
	}
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
