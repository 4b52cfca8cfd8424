// Package unwind implements the safety predicate checked before
// a hunk may be installed or cancelled: no thread or coroutine may have an
// instruction pointer anywhere in the range about to be rewritten.
package unwind

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/lp-systems/livepatch/errs"
	"github.com/lp-systems/livepatch/model"
	"github.com/lp-systems/livepatch/procview"
	"github.com/lp-systems/livepatch/remote"
)

// maxFrames bounds a frame-pointer walk so a corrupted or cyclic chain in
// the victim can't hang verification.
const maxFrames = 256

// CoroStackUnsafe is ORed into Result.Failed when at least one coroutine's
// stack (its saved instruction pointer or a frame walked from its saved
// frame pointer) was found inside a hunk. Coroutines cannot be
// advanced to a safe point, so the bit marks the failure as terminal.
const CoroStackUnsafe = 1 << 31

// Result is the outcome of a whole-process safety check.
type Result struct {
	// Failed is the count of stacks (threads + coroutines) found unsafe,
	// with CoroStackUnsafe ORed in if any coroutine failed.
	Failed int
	// Retips holds, for each of view.Threads in order, the safe return
	// point verify_one found for that thread (0 if the thread was already
	// safe or no safe return point was found on its stack).
	Retips []uint64
}

// Verify runs the safety predicate across every thread and coroutine
// in view against infos in the given direction (apply == true checks
// original-code ranges about to be overwritten; apply == false checks
// replacement ranges about to be restored from). paranoid selects a full
// walk-to-completion per stack (used for diagnostics); non-paranoid returns
// on the first safe-return-point candidate per stack.
func Verify(ctx context.Context, pc remote.ProcessControl, cf remote.CoroutineFinder, view *procview.ProcessView, infos []model.PatchInfo, apply, paranoid bool) (Result, error) {
	res := Result{Retips: make([]uint64, len(view.Threads))}

	for i, th := range view.Threads {
		frames, err := walkFrames(ctx, pc, view.PID, th.Regs, paranoid)
		if err != nil {
			return res, fmt.Errorf("thread %d: %w", th.Handle.TID, err)
		}
		safe, _, retIP := verifyOne(frames, infos, apply, paranoid)
		if !safe {
			res.Failed++
		}
		res.Retips[i] = retIP
	}

	if cf == nil {
		return res, nil
	}
	coros, err := cf.Find(ctx, view.PID)
	if err != nil {
		return res, fmt.Errorf("discover coroutines: %w", err)
	}
	for _, h := range coros {
		regs, err := cf.Registers(ctx, view.PID, h)
		if err != nil {
			return res, fmt.Errorf("coroutine %d registers: %w", h.ID, err)
		}
		frames, err := walkFrames(ctx, pc, view.PID, regs, false)
		if err != nil {
			return res, fmt.Errorf("coroutine %d: %w", h.ID, err)
		}
		if safe, _, _ := verifyOne(frames, infos, apply, false); !safe {
			res.Failed++
			res.Failed |= CoroStackUnsafe
		}
	}
	return res, nil
}

// AnyUnsafe reports whether a Result's Failed count records any failure
// (threads or coroutines), independent of the CoroStackUnsafe flag bit.
func (r Result) AnyUnsafe() bool { return r.Failed&^CoroStackUnsafe != 0 || r.Failed&CoroStackUnsafe != 0 }

// CoroutineFailed reports whether CoroStackUnsafe is set.
func (r Result) CoroutineFailed() bool { return r.Failed&CoroStackUnsafe != 0 }

// walkFrames collects a thread's call stack as a sequence of instruction
// pointers, innermost frame first: frames[0] is the thread's current ip,
// frames[1:] are return addresses walked up the saved frame-pointer chain.
// Non-paranoid mode only needs the current frame plus enough of the chain
// to find one safe return point, but walks the same bound either way since
// the cost is dominated by remote memory round-trips either mode.
func walkFrames(ctx context.Context, pc remote.ProcessControl, pid int, regs remote.RegisterState, paranoid bool) ([]uint64, error) {
	frames := make([]uint64, 0, 8)
	frames = append(frames, regs.IP)

	bp := regs.BP
	for i := 0; i < maxFrames && bp != 0; i++ {
		buf := make([]byte, 16)
		if err := pc.PeekData(ctx, pid, bp, buf); err != nil {
			// Unreadable frame pointer ends the walk; a frame pointer that
			// wandered off the stack can't itself be an in-flight return
			// address, so stop without erroring the whole verify.
			break
		}
		savedBP := binary.LittleEndian.Uint64(buf[0:8])
		retAddr := binary.LittleEndian.Uint64(buf[8:16])
		frames = append(frames, retAddr)
		if savedBP <= bp {
			// The frame-pointer chain must grow monotonically; a
			// non-increasing link means either the end of the chain or
			// corruption — either way nothing further to walk.
			break
		}
		bp = savedBP
	}
	return frames, nil
}

// verifyOne checks a single stack: given a thread's frames (innermost
// first, as produced by walkFrames), walk toward the outermost frame
// looking for the transition from "in a hunk" to "not in a hunk". That
// frame's ip is the return address the unsafe code will eventually come
// back to, so running the thread until it reaches that ip pops every
// in-hunk frame — a candidate safe return point. Returns (safe,
// unsafeAddr, retIP): unsafeAddr is the daddr/saddr of the most recently
// observed hunk, retIP the candidate return point (0 when no in-hunk frame
// is followed by an out-of-hunk one). Non-paranoid mode returns on the first
// candidate; paranoid mode walks to completion, so unsafeAddr ends up
// naming the outermost unsafe hunk for diagnostics.
func verifyOne(frames []uint64, infos []model.PatchInfo, apply, paranoid bool) (safe bool, unsafeAddr uint64, retIP uint64) {
	prevInHunk := false
	var lastUnsafe uint64
	anyInHunk := false

	for _, ip := range frames {
		info, inHunk := matchHunk(ip, infos, apply)
		if inHunk {
			anyInHunk = true
			lastUnsafe = hunkAddr(info, apply)
			unsafeAddr = lastUnsafe
		}
		if prevInHunk && !inHunk {
			if !paranoid {
				return false, lastUnsafe, ip
			}
			retIP = ip
		}
		prevInHunk = inHunk
	}

	if !anyInHunk {
		return true, 0, 0
	}
	// Paranoid: unsafeAddr already holds the outermost hunk seen.
	// Non-paranoid with no transition: no in-hunk frame is followed by an
	// out-of-hunk frame, so there is no safe return point to advance to.
	return false, unsafeAddr, retIP
}

func matchHunk(ip uint64, infos []model.PatchInfo, apply bool) (model.PatchInfo, bool) {
	for _, info := range infos {
		if info.IsEnd() {
			break
		}
		if info.InHunk(ip, apply) {
			return info, true
		}
	}
	return model.PatchInfo{}, false
}

func hunkAddr(info model.PatchInfo, apply bool) uint64 {
	if apply {
		return info.Daddr
	}
	return info.Saddr
}

func inHunkAny(ip uint64, infos []model.PatchInfo, apply bool) bool {
	_, ok := matchHunk(ip, infos, apply)
	return ok
}

// errUnsafeStack is returned by callers that only need a boolean verdict;
// kept here so installer/canceller can format a consistent message.
var errUnsafeStack = errs.ErrUnsafeStack

// ErrUnsafe wraps errs.ErrUnsafeStack with a Result's detail for logging.
func ErrUnsafe(res Result) error {
	if res.CoroutineFailed() {
		return fmt.Errorf("%w: %w: %d stack(s) unsafe", errUnsafeStack, errs.ErrCoroutineUnsafe, res.Failed&^CoroStackUnsafe)
	}
	return fmt.Errorf("%w: %d stack(s) unsafe", errUnsafeStack, res.Failed)
}
