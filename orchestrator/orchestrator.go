// Package orchestrator fans a Patch/Unpatch/Info operation out across one
// or more target PIDs: attach, build the process view, consult storage,
// run the installer/canceller, detach. It continues past individual
// failures, so a single bad PID doesn't abort the whole run.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/lp-systems/livepatch/canceller"
	"github.com/lp-systems/livepatch/errs"
	"github.com/lp-systems/livepatch/installer"
	"github.com/lp-systems/livepatch/lock"
	"github.com/lp-systems/livepatch/lock/flock"
	"github.com/lp-systems/livepatch/model"
	"github.com/lp-systems/livepatch/patchstore"
	"github.com/lp-systems/livepatch/procfs"
	"github.com/lp-systems/livepatch/procview"
	"github.com/lp-systems/livepatch/registry"
	"github.com/lp-systems/livepatch/remote"
	"github.com/lp-systems/livepatch/utils"
)

// AllProcesses requests the "-p -1" fan-out mode: every process on the
// system except PID 1 and the orchestrator's own PID.
const AllProcesses = -1

// Result is the outcome of one operation against one PID.
type Result struct {
	PID int
	Err error
	// Hunks is the count of hunks installed (Patch) or restored (Unpatch)
	// for this PID, as reported per PID by the CLI.
	Hunks int
}

// Orchestrator drives Apply/Cancel/Describe across target PIDs.
type Orchestrator struct {
	PC      remote.ProcessControl
	EL      remote.ELFLoader
	CF      remote.CoroutineFinder
	Storage *patchstore.Storage

	Paranoid bool
	SelfPID  int

	// LockDir, if non-empty, serializes Patch/Unpatch against a single PID
	// across concurrent livepatch invocations via a per-PID flock file
	// underneath it. Empty disables cross-invocation locking.
	LockDir string

	// Registry, if set, records a best-effort audit event for every
	// successful apply/cancel. Never consulted for correctness.
	Registry *registry.Registry
}

func (o *Orchestrator) record(ctx context.Context, runID string, obj *procview.Object, pid int, cancelled bool) {
	if o.Registry == nil {
		return
	}
	var size int64
	if obj.KpFile != nil {
		size = int64(obj.KpFile.Header.TotalSize)
	}
	_ = o.Registry.Record(ctx, registry.Event{
		ID:        runID,
		PID:       pid,
		Name:      obj.Name,
		BuildID:   obj.BuildID,
		Level:     obj.AppliedPatch,
		Size:      size,
		Cancelled: cancelled,
		At:        time.Now(),
	})
}

// New returns an Orchestrator wired to its collaborators.
func New(pc remote.ProcessControl, el remote.ELFLoader, cf remote.CoroutineFinder, store *patchstore.Storage, paranoid bool, selfPID int) *Orchestrator {
	return &Orchestrator{PC: pc, EL: el, CF: cf, Storage: store, Paranoid: paranoid, SelfPID: selfPID}
}

// withPIDLock runs fn holding the per-PID flock when LockDir is configured,
// ensuring only one livepatch invocation drives a given target process at a
// time; all mutating remote operations stay single-writer per process.
func (o *Orchestrator) withPIDLock(ctx context.Context, pid int, fn func() error) error {
	if o.LockDir == "" {
		return fn()
	}
	path := filepath.Join(o.LockDir, fmt.Sprintf("pid-%d.lock", pid))
	return lock.WithLock(ctx, flock.New(path), fn)
}

// resolvePIDs expands a requested PID into the concrete target list: a
// single PID unchanged, or every live process when AllProcesses is given.
func (o *Orchestrator) resolvePIDs(requested int) ([]int, error) {
	if requested != AllProcesses {
		return []int{requested}, nil
	}
	return procfs.ListPIDs(o.SelfPID)
}

// PatchOptions carries the `patch` subcommand's non-PID flags: whether
// the target was just execve'd (so the dynamic loader hasn't yet populated
// its shared-library maps) and an optional preload-rendezvous descriptor.
type PatchOptions struct {
	// JustStarted requests running the target up to its entry point
	// before mapping objects, so the loader has resolved shared libraries.
	JustStarted bool
	// PreloadFD, when non-zero, is a descriptor inherited from an
	// execve-preload wrapper that holds the target stopped until this
	// process signals readiness by reading one byte from it.
	PreloadFD int
}

// Patch installs patches into every object of each target PID that storage
// has a matching blob for. It continues past a single PID's failure,
// recording it in the returned Results for the caller to summarize.
func (o *Orchestrator) Patch(ctx context.Context, requested int, opts PatchOptions) ([]Result, error) {
	logger := log.WithFunc("orchestrator.Patch")
	pids, err := o.resolvePIDs(requested)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(pids))
	for _, pid := range pids {
		pid := pid
		var hunks int
		err := o.withPIDLock(ctx, pid, func() error {
			n, err := o.patchOne(ctx, pid, opts)
			hunks = n
			return err
		})
		if err != nil {
			logger.Warnf(ctx, "patch pid %d: %v", pid, err)
		} else {
			logger.Infof(ctx, "pid %d: %d patch hunk(s) successfully applied", pid, hunks)
		}
		results = append(results, Result{PID: pid, Err: err, Hunks: hunks})
	}
	return results, nil
}

func (o *Orchestrator) patchOne(ctx context.Context, pid int, opts PatchOptions) (int, error) {
	logger := log.WithFunc("orchestrator.patchOne")
	runID := uuid.NewString()
	logger.Debugf(ctx, "run %s: patch pid %d", runID, pid)
	if !utils.IsProcessAlive(pid) {
		return 0, fmt.Errorf("%w: pid %d is not running", errs.ErrAttachFailed, pid)
	}

	if opts.PreloadFD > 0 {
		if err := awaitPreloadRendezvous(opts.PreloadFD); err != nil {
			return 0, fmt.Errorf("%w: preload rendezvous: %v", errs.ErrAttachFailed, err)
		}
	}

	handles, err := o.PC.Attach(ctx, pid)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrAttachFailed, err)
	}
	defer o.PC.Detach(ctx, pid) //nolint:errcheck

	if opts.JustStarted {
		if err := o.PC.RunToEntry(ctx, pid); err != nil {
			return 0, fmt.Errorf("%w: run to entry: %v", errs.ErrAttachFailed, err)
		}
	}

	view, err := procview.FromProcfs(pid)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrAttachFailed, err)
	}

	if err := o.populateThreads(ctx, view, handles); err != nil {
		return 0, err
	}

	in := installer.New(o.PC, o.EL, o.CF, o.Paranoid)
	can := canceller.New(o.PC, o.CF, o.Paranoid)

	// Storage lookups are read-only and fan out concurrently; the install
	// loop below stays strictly sequential per object.
	candidates := make([]int, 0, len(view.Objects))
	buildIDs := make([]string, 0, len(view.Objects))
	for i := range view.Objects {
		if view.Objects[i].BuildID == "" {
			continue
		}
		candidates = append(candidates, i)
		buildIDs = append(buildIDs, view.Objects[i].BuildID)
	}
	matches := patchstore.FindAll(ctx, o.Storage, buildIDs, true)

	var applied, failed, hunks int
	var firstErr error
	for mi, oi := range candidates {
		obj := &view.Objects[oi]
		if matches[mi].Err != nil {
			if patchstore.ErrIsNoMatch(matches[mi].Err) {
				continue
			}
			return 0, matches[mi].Err
		}
		blob := matches[mi].Blob

		o.detectApplied(ctx, view.PID, obj, blob)

		if obj.AppliedPatch != 0 && blob.Header.UserLevel <= obj.AppliedPatch {
			logger.Infof(ctx, "pid %d: %s already have a patch (level %d), skipping", pid, obj.Name, obj.AppliedPatch)
			continue
		}
		if obj.AppliedPatch != 0 && blob.Header.UserLevel > obj.AppliedPatch {
			// A strictly newer patch supersedes the installed one:
			// Cancel-then-Apply. checkFlag=false
			// restores every non-new hunk regardless of the local APPLIED
			// bit, since the installed generation may not be the one this
			// invocation itself applied.
			logger.Infof(ctx, "pid %d: replacing patch level %d with level %d for %s", pid, obj.AppliedPatch, blob.Header.UserLevel, obj.Name)
			if err := o.recoverIfNeeded(ctx, view.PID, obj, blob); err != nil {
				failed++
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := can.CancelObject(ctx, view, obj, false); err != nil {
				failed++
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}

		obj.KpFile = blob.Clone()
		if err := in.ApplyObject(ctx, view, obj); err != nil {
			o.rollbackFailedApply(ctx, view, can, obj)
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		applied++
		hunks += countInstalledHunks(obj.Info)
		o.record(ctx, runID, obj, pid, false)
	}

	if failed > 0 {
		if applied > 0 {
			return hunks, fmt.Errorf("%w: %d of %d objects failed (pid %d): %v", errs.ErrPartialApply, failed, applied+failed, pid, firstErr)
		}
		return 0, firstErr
	}
	if applied == 0 {
		return 0, fmt.Errorf("%w: no patch(es) applicable to pid '%d'", errs.ErrNoMatch, pid)
	}
	return hunks, nil
}

// rollbackFailedApply undoes whatever a failed ApplyObject left behind in
// the victim. Hunks that were already written (marked APPLIED) are restored
// through a checkFlag=true cancellation, which also unmaps the region; if
// no hunk made it in, only the region itself needs releasing. Rollback
// failures are logged rather than returned — the apply error is the one the
// caller reports.
func (o *Orchestrator) rollbackFailedApply(ctx context.Context, view *procview.ProcessView, can *canceller.Canceller, obj *procview.Object) {
	logger := log.WithFunc("orchestrator.rollbackFailedApply")
	if !obj.IsPatch || obj.Kpta == 0 {
		return
	}
	if anyApplied(obj.Info) {
		if err := can.CancelObject(ctx, view, obj, true); err != nil {
			logger.Warnf(ctx, "pid %d: rollback of %s failed: %v", view.PID, obj.Name, err)
		}
		return
	}
	if err := o.PC.Munmap(ctx, view.PID, obj.Kpta, obj.RegionSize); err != nil {
		logger.Warnf(ctx, "pid %d: release region at 0x%x failed: %v", view.PID, obj.Kpta, err)
	}
	obj.IsPatch = false
	obj.Info = nil
	obj.Kpta = 0
	obj.RegionSize = 0
}

func anyApplied(infos []model.PatchInfo) bool {
	for _, info := range infos {
		if info.Applied() {
			return true
		}
	}
	return false
}

// countInstalledHunks counts the non-new, non-end hunks in an installed
// info table, the per-PID hunk count the CLI reports.
func countInstalledHunks(infos []model.PatchInfo) int {
	n := 0
	for _, info := range infos {
		if info.IsEnd() {
			break
		}
		if !info.IsNew() {
			n++
		}
	}
	return n
}

// Unpatch removes installed patches from each target PID, optionally
// restricted to a Build-ID or object-name filter.
func (o *Orchestrator) Unpatch(ctx context.Context, requested int, filter func(obj *procview.Object) bool) ([]Result, error) {
	logger := log.WithFunc("orchestrator.Unpatch")
	pids, err := o.resolvePIDs(requested)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(pids))
	for _, pid := range pids {
		pid := pid
		var hunks int
		err := o.withPIDLock(ctx, pid, func() error {
			n, err := o.unpatchOne(ctx, pid, filter)
			hunks = n
			return err
		})
		if err != nil {
			logger.Warnf(ctx, "unpatch pid %d: %v", pid, err)
		} else {
			logger.Infof(ctx, "pid %d: %d patch hunk(s) were successfully cancelled", pid, hunks)
		}
		results = append(results, Result{PID: pid, Err: err, Hunks: hunks})
	}
	return results, nil
}

func (o *Orchestrator) unpatchOne(ctx context.Context, pid int, filter func(obj *procview.Object) bool) (int, error) {
	logger := log.WithFunc("orchestrator.unpatchOne")
	runID := uuid.NewString()
	logger.Debugf(ctx, "run %s: unpatch pid %d", runID, pid)
	if !utils.IsProcessAlive(pid) {
		return 0, fmt.Errorf("%w: pid %d is not running", errs.ErrAttachFailed, pid)
	}
	view, err := procview.FromProcfs(pid)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrAttachFailed, err)
	}

	handles, err := o.PC.Attach(ctx, pid)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrAttachFailed, err)
	}
	defer o.PC.Detach(ctx, pid) //nolint:errcheck

	if err := o.populateThreads(ctx, view, handles); err != nil {
		return 0, err
	}

	can := canceller.New(o.PC, o.CF, o.Paranoid)
	var cancelled, hunks int
	var firstErr error
	for i := range view.Objects {
		obj := &view.Objects[i]
		if obj.BuildID == "" {
			continue
		}
		blob, err := o.Storage.Find(ctx, obj.BuildID, true)
		if err != nil {
			continue // no known blob for this object means no known layout to recover from
		}
		o.detectApplied(ctx, view.PID, obj, blob)
		if obj.AppliedPatch == 0 {
			continue
		}
		if filter != nil && !filter(obj) {
			continue
		}
		if err := o.recoverIfNeeded(ctx, view.PID, obj, blob); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n := countInstalledHunks(obj.Info)
		if err := can.CancelObject(ctx, view, obj, true); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		cancelled++
		hunks += n
		o.record(ctx, runID, obj, pid, true)
	}
	if cancelled == 0 {
		if firstErr != nil {
			return 0, firstErr
		}
		return 0, fmt.Errorf("%w: nothing to unpatch in pid %d", errs.ErrNoMatch, pid)
	}
	return hunks, nil
}

// recoverIfNeeded populates obj.Info/UserUndo from remote memory when the
// object was discovered already patched (e.g. a fresh "livepatch unpatch"
// invocation against a process patched by an earlier, separate run) rather
// than by this process's own Apply call.
func (o *Orchestrator) recoverIfNeeded(ctx context.Context, pid int, obj *procview.Object, blob *model.Blob) error {
	if len(obj.Info) > 0 {
		return nil
	}
	layout, _, err := installer.ComputeLayout(o.EL, blob)
	if err != nil {
		return err
	}
	infos, err := canceller.RecoverInfo(ctx, o.PC, pid, obj.Kpta, layout.UserInfo)
	if err != nil {
		return err
	}
	for i := range infos {
		infos[i] = infos[i].WithApplied()
	}
	obj.Info = infos
	obj.UserUndo = layout.UserUndo
	obj.RegionSize = layout.Size
	obj.KpFile = blob.Clone()
	obj.KpFile.StampInstallFields(layout.UserInfo, layout.UserUndo, uint64(layout.NInfo))
	obj.IsPatch = true
	return nil
}

// detectApplied looks for a previously installed patch this invocation
// didn't itself apply, by scanning candidate anonymous-executable regions
// (the signature an Installer's remote mmap leaves behind) within
// displacement range of obj and checking whether the matched blob's
// UserInfo offset into one of them decodes a plausible hunk table whose
// first entry targets obj's own mapped range.
func (o *Orchestrator) detectApplied(ctx context.Context, pid int, obj *procview.Object, blob *model.Blob) {
	if obj.AppliedPatch != 0 {
		return
	}
	bases, err := procfs.AnonExecRanges(pid)
	if err != nil {
		return
	}
	layout, _, err := installer.ComputeLayout(o.EL, blob)
	if err != nil {
		return
	}
	for _, base := range bases {
		if !withinDisplacement(obj.BaseAddr, base) {
			continue
		}
		infos, err := canceller.RecoverInfo(ctx, o.PC, pid, base, layout.UserInfo)
		if err != nil || len(infos) == 0 {
			continue
		}
		if !objectOwnsHunk(obj, infos[0]) {
			continue
		}
		level, err := canceller.RecoverUserLevel(ctx, o.PC, pid, base)
		if err != nil {
			continue
		}
		obj.Kpta = base
		obj.UserUndo = layout.UserUndo
		obj.RegionSize = layout.Size
		obj.AppliedPatch = level
		return
	}
}

// withinDisplacement reports whether candidate is close enough to origin
// for a 32-bit relative displacement, the same reachability bound the
// Installer enforces when first choosing a load address.
func withinDisplacement(origin, candidate uint64) bool {
	diff := int64(candidate) - int64(origin)
	const maxDisp32 = 1 << 31
	return diff > -maxDisp32 && diff < maxDisp32
}

// objectOwnsHunk reports whether the first recovered hunk's original-code
// address falls within one of obj's own mapped ranges.
func objectOwnsHunk(obj *procview.Object, first model.PatchInfo) bool {
	if first.IsEnd() {
		return false
	}
	for _, m := range obj.Mappings {
		if first.Daddr >= m.Start && first.Daddr < m.End {
			return true
		}
	}
	return false
}

// awaitPreloadRendezvous blocks on a single-byte read from the inherited
// execve-preload channel fd: the wrapper holds the target at
// its entry trap until this process reads the readiness byte, so the maps
// it's about to parse are guaranteed to belong to the intended exec image.
func awaitPreloadRendezvous(fd int) error {
	f := os.NewFile(uintptr(fd), "preload-channel")
	defer f.Close() //nolint:errcheck
	buf := make([]byte, 1)
	_, err := f.Read(buf)
	return err
}

func (o *Orchestrator) populateThreads(ctx context.Context, view *procview.ProcessView, handles []remote.ThreadHandle) error {
	for _, h := range handles {
		regs, err := o.PC.Registers(ctx, h)
		if err != nil {
			return fmt.Errorf("%w: registers for tid %d: %v", errs.ErrRemoteIoFailed, h.TID, err)
		}
		view.Threads = append(view.Threads, procview.ThreadContext{Handle: h, Regs: regs})
	}
	return nil
}

// DescribedObject is one object reported by Describe: the object's name,
// Build-ID, and whether storage has a blob for it. Describe never attaches,
// so it leaves AppliedLevel at 0.
type DescribedObject struct {
	PID          int
	Name         string
	BuildID      string
	AppliedLevel uint64
	Matched      bool // storage has a blob for this Build-ID
}

// Describe reports each target PID's loaded objects and their patch state,
// without attaching — a read-only pass over procfs and Storage, safe to run
// concurrently across PIDs since it never mutates the victim.
func (o *Orchestrator) Describe(ctx context.Context, requested int) ([]DescribedObject, error) {
	pids, err := o.resolvePIDs(requested)
	if err != nil {
		return nil, err
	}

	var out []DescribedObject
	for _, pid := range pids {
		objs, err := procfs.Objects(pid)
		if err != nil {
			continue
		}
		for _, obj := range objs {
			if obj.BuildID == "" {
				continue
			}
			_, err := o.Storage.Find(ctx, obj.BuildID, false)
			out = append(out, DescribedObject{
				PID:     pid,
				Name:    obj.Path,
				BuildID: obj.BuildID,
				Matched: err == nil,
			})
		}
	}
	return out, nil
}
