// Package canceller implements patch removal: recovering a previously
// installed patch's hunk table from the victim's memory, proving the
// restore is safe, and writing the original bytes back.
package canceller

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

// SafetyBudget mirrors the installer's advance-and-recheck retry budget.
const SafetyBudget = 3000 * time.Second

// maxRecoveredHunks bounds how many PatchInfo records Cancel will read out
// of remote memory before giving up — an unbounded scan of a corrupted or
// hostile info table would otherwise allocate without limit.
const maxRecoveredHunks = 65536

// hunkJumpLen is the fixed size of an installed near-jump and its undo
// slot; the undo table's stride is 5*i regardless of each hunk's Dlen.
const hunkJumpLen = 5

// Canceller removes a previously applied patch from one attached process.
type Canceller struct {
	PC   remote.ProcessControl
	CF   remote.CoroutineFinder
	Para bool
}

// New returns a Canceller wired to the given collaborators.
func New(pc remote.ProcessControl, cf remote.CoroutineFinder, paranoid bool) *Canceller {
	return &Canceller{PC: pc, CF: cf, Para: paranoid}
}

// CancelObject restores obj's original bytes in view's victim and unmaps
// its installed module. obj must have IsPatch set (i.e. Apply already ran,
// or RecoverInfo populated obj.Info from remote memory). When checkFlag is
// true, only hunks with the local APPLIED bit set are restored (the
// partial-apply rollback case); when false, every non-new hunk is restored
// regardless of the local bit (version replacement).
func (c *Canceller) CancelObject(ctx context.Context, view *procview.ProcessView, obj *procview.Object, checkFlag bool) error {
	logger := log.WithFunc("canceller.CancelObject")
	if !obj.IsPatch || len(obj.Info) == 0 {
		return fmt.Errorf("%w: nothing installed for %s", errs.ErrNoMatch, obj.Name)
	}

	if err := c.verify(ctx, view, obj.Info); err != nil {
		return err
	}

	for i, info := range obj.Info {
		if info.IsEnd() {
			break
		}
		if info.IsNew() {
			continue
		}
		if !checkFlag || info.Applied() {
			undoOffset := uint64(i) * hunkJumpLen
			if err := c.restoreHunk(ctx, view.PID, obj.Kpta, obj.UserUndo, undoOffset, info); err != nil {
				return err
			}
		}
	}

	size := obj.RegionSize
	if obj.Kpta != 0 && size != 0 {
		if err := c.PC.Munmap(ctx, view.PID, obj.Kpta, size); err != nil {
			return fmt.Errorf("%w: unmap 0x%x: %v", errs.ErrRemoteIoFailed, obj.Kpta, err)
		}
	}

	obj.IsPatch = false
	obj.AppliedPatch = 0
	obj.Info = nil
	obj.Kpta = 0
	obj.RegionSize = 0
	logger.Infof(ctx, "cancelled patch for %s", obj.Name)
	return nil
}

// restoreHunk writes back the preserved original bytes for one hunk from
// the undo table at kpta+userUndo+undoOffset — the installer wrote hunks'
// original bytes there sequentially in hunk order, so Cancel reproduces the
// same offset by walking obj.Info in that order.
func (c *Canceller) restoreHunk(ctx context.Context, pid int, kpta, userUndo, undoOffset uint64, info model.PatchInfo) error {
	undo := make([]byte, hunkJumpLen)
	undoAddr := kpta + userUndo + undoOffset
	if err := c.PC.PeekData(ctx, pid, undoAddr, undo); err != nil {
		return fmt.Errorf("%w: read undo bytes at 0x%x: %v", errs.ErrRemoteIoFailed, undoAddr, err)
	}
	if err := c.PC.PokeData(ctx, pid, info.Daddr, undo); err != nil {
		return fmt.Errorf("%w: restore bytes at 0x%x: %v", errs.ErrRemoteIoFailed, info.Daddr, err)
	}
	return nil
}

// verify mirrors the installer's single-retry state machine: one
// check, and on a thread-only failure one advance-to-retip-and-recheck
// before giving up. A coroutine failure is terminal with no retry.
func (c *Canceller) verify(ctx context.Context, view *procview.ProcessView, infos []model.PatchInfo) error {
	res, err := unwind.Verify(ctx, c.PC, c.CF, view, infos, false, c.Para)
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
	for i := range view.Threads {
		if i >= len(res.Retips) || res.Retips[i] == 0 {
			continue
		}
		th := &view.Threads[i]
		th.ExecuteUntil = res.Retips[i]
		if err := c.PC.RunUntil(gctx, view.PID, th.Handle, res.Retips[i]); err != nil {
			return fmt.Errorf("%w: advance thread %d failed: %v", errs.ErrUnsafeStack, th.Handle.TID, err)
		}
	}
	if err := view.RefreshThreads(gctx, c.PC); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRemoteIoFailed, err)
	}

	res, err = unwind.Verify(gctx, c.PC, c.CF, view, infos, false, c.Para)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRemoteIoFailed, err)
	}
	if res.AnyUnsafe() {
		return unwind.ErrUnsafe(res)
	}
	return nil
}

// RecoverInfo reads the installed hunk table back out of a previously
// patched object's mapped module, stopping at the end
// sentinel or maxRecoveredHunks, whichever comes first.
func RecoverInfo(ctx context.Context, pc remote.ProcessControl, pid int, kpta, userInfo uint64) ([]model.PatchInfo, error) {
	size := model.PatchInfoSize()
	infos := make([]model.PatchInfo, 0, 64)
	for i := 0; i < maxRecoveredHunks; i++ {
		buf := make([]byte, size)
		if err := pc.PeekData(ctx, pid, kpta+userInfo+uint64(i*size), buf); err != nil {
			return nil, fmt.Errorf("%w: read hunk %d at 0x%x: %v", errs.ErrRemoteIoFailed, i, kpta+userInfo, err)
		}
		info := model.DecodePatchInfo(buf)
		infos = append(infos, info)
		if info.IsEnd() {
			return infos, nil
		}
	}
	return infos, fmt.Errorf("%w: hunk table exceeds %d entries without end sentinel", errs.ErrInvalidPatch, maxRecoveredHunks)
}

// RecoverUserLevel reads the patch level actually installed at kpta out of
// the victim's memory (BlobHeader.UserLevel, written unmodified as part of
// the whole-blob image), rather than trusting whichever storage blob a
// caller most recently looked up — the two only coincide when the running
// patch is the newest one storage has.
func RecoverUserLevel(ctx context.Context, pc remote.ProcessControl, pid int, kpta uint64) (uint64, error) {
	buf := make([]byte, 8)
	if err := pc.PeekData(ctx, pid, kpta+model.UserLevelOffset, buf); err != nil {
		return 0, fmt.Errorf("%w: read installed level at 0x%x: %v", errs.ErrRemoteIoFailed, kpta, err)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

