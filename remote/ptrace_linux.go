package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Ptrace is the production ProcessControl, built directly on
// golang.org/x/sys/unix: PTRACE_ATTACH/PTRACE_DETACH for stop-the-world
// control,
// PTRACE_PEEKDATA/PTRACE_POKEDATA for remote memory, PTRACE_GETREGS for
// register snapshots, and PTRACE_SETREGS plus PTRACE_SINGLESTEP injection
// to drive a remote mmap/munmap.
type Ptrace struct{}

// NewPtrace returns the production ProcessControl.
func NewPtrace() *Ptrace { return &Ptrace{} }

var _ ProcessControl = (*Ptrace)(nil)

// Attach stops every task (thread) of pid via PTRACE_ATTACH, waiting for
// each to report its attach-stop.
func (p *Ptrace) Attach(ctx context.Context, pid int) ([]ThreadHandle, error) {
	tids, err := taskIDs(pid)
	if err != nil {
		return nil, fmt.Errorf("enumerate tasks of %d: %w", pid, err)
	}

	var attached []ThreadHandle
	for _, tid := range tids {
		if err := unix.PtraceAttach(tid); err != nil {
			detachAll(attached)
			return nil, fmt.Errorf("attach tid %d: %w", tid, err)
		}
		if err := waitStopped(tid); err != nil {
			detachAll(attached)
			return nil, fmt.Errorf("wait tid %d: %w", tid, err)
		}
		attached = append(attached, ThreadHandle{TID: tid})
	}
	return attached, nil
}

// Detach resumes every previously attached thread.
func (p *Ptrace) Detach(_ context.Context, pid int) error {
	tids, err := taskIDs(pid)
	if err != nil {
		return fmt.Errorf("enumerate tasks of %d: %w", pid, err)
	}
	detachAll(toHandles(tids))
	return nil
}

func (p *Ptrace) Threads(_ context.Context, pid int) ([]ThreadHandle, error) {
	tids, err := taskIDs(pid)
	if err != nil {
		return nil, fmt.Errorf("enumerate tasks of %d: %w", pid, err)
	}
	return toHandles(tids), nil
}

func (p *Ptrace) Registers(_ context.Context, th ThreadHandle) (RegisterState, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(th.TID, &regs); err != nil {
		return RegisterState{}, fmt.Errorf("get regs tid %d: %w", th.TID, err)
	}
	return RegisterState{IP: regs.Rip, SP: regs.Rsp, BP: regs.Rbp}, nil
}

func (p *Ptrace) PeekData(_ context.Context, pid int, addr uint64, buf []byte) error {
	n, err := unix.PtracePeekData(pid, uintptr(addr), buf)
	if err != nil {
		return fmt.Errorf("peek pid %d @ 0x%x: %w", pid, addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("peek pid %d @ 0x%x: short read %d/%d", pid, addr, n, len(buf))
	}
	return nil
}

func (p *Ptrace) PokeData(_ context.Context, pid int, addr uint64, buf []byte) error {
	n, err := unix.PtracePokeData(pid, uintptr(addr), buf)
	if err != nil {
		return fmt.Errorf("poke pid %d @ 0x%x: %w", pid, addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("poke pid %d @ 0x%x: short write %d/%d", pid, addr, n, len(buf))
	}
	return nil
}

// Mmap and Munmap inject a remote syscall by saving the target's registers,
// pointing RIP at a syscall instruction already present in the victim's
// text (the vDSO entry, found via /proc/<pid>/maps), filling in the syscall
// ABI registers, single-stepping past it, and restoring the saved state.
func (p *Ptrace) Mmap(_ context.Context, pid int, near, size uint64) (uint64, error) {
	addr, err := remoteSyscall6(pid, unix.SYS_MMAP, near, size,
		uint64(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
		uint64(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|mapFixedNoreplace(near)), ^uint64(0), 0)
	if err != nil {
		return 0, fmt.Errorf("remote mmap near 0x%x size %d: %w", near, size, err)
	}
	if int64(addr) < 0 && int64(addr) > -4096 {
		return 0, fmt.Errorf("remote mmap near 0x%x size %d: errno %d", near, size, -int64(addr))
	}
	return addr, nil
}

func (p *Ptrace) Munmap(_ context.Context, pid int, addr, size uint64) error {
	ret, err := remoteSyscall6(pid, unix.SYS_MUNMAP, addr, size, 0, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("remote munmap 0x%x size %d: %w", addr, size, err)
	}
	if int64(ret) != 0 {
		return fmt.Errorf("remote munmap 0x%x size %d: errno %d", addr, size, -int64(ret))
	}
	return nil
}

// RunUntil single-steps th with PTRACE_SINGLESTEP, checking its IP after
// each step, until the IP equals target or the context deadline fires.
func (p *Ptrace) RunUntil(ctx context.Context, pid int, th ThreadHandle, target uint64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := unix.PtraceSingleStep(th.TID); err != nil {
			return fmt.Errorf("single-step tid %d: %w", th.TID, err)
		}
		if err := waitStopped(th.TID); err != nil {
			return fmt.Errorf("wait tid %d: %w", th.TID, err)
		}
		regs, err := p.Registers(ctx, th)
		if err != nil {
			return err
		}
		if regs.IP == target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// RunToEntry continues a just-execve'd (PTRACE_TRACEME-stopped) process
// until the dynamic loader finishes and control reaches the program's entry
// point, recognized by the first SIGTRAP after the initial exec-stop.
func (p *Ptrace) RunToEntry(ctx context.Context, pid int) error {
	if err := unix.PtraceCont(pid, 0); err != nil {
		return fmt.Errorf("cont pid %d to entry: %w", pid, err)
	}
	return waitStopped(pid)
}

func toHandles(tids []int) []ThreadHandle {
	hs := make([]ThreadHandle, len(tids))
	for i, t := range tids {
		hs[i] = ThreadHandle{TID: t}
	}
	return hs
}

func detachAll(hs []ThreadHandle) {
	for _, h := range hs {
		_ = unix.PtraceDetach(h.TID)
	}
}

// taskIDs lists the kernel task (thread) IDs of pid via /proc/<pid>/task.
func taskIDs(pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join("/proc", strconv.Itoa(pid), "task"))
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, tid)
	}
	return ids, nil
}

// waitStopped blocks until tid reports a ptrace-stop via waitpid(2),
// retrying on EINTR, bounded by attachTimeout so a thread that never stops
// (a misbehaving or wedged victim) can't hang the whole tool.
func waitStopped(tid int) error {
	done := make(chan error, 1)
	go func() {
		for {
			var ws unix.WaitStatus
			_, err := unix.Wait4(tid, &ws, unix.WALL, nil)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				done <- err
				return
			}
			if ws.Stopped() || ws.Exited() || ws.Signaled() {
				done <- nil
				return
			}
		}
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(attachTimeout):
		return fmt.Errorf("tid %d did not stop within %s", tid, attachTimeout)
	}
}

// mapFixedNoreplace asks mmap to honor the hint address when one is given,
// without clobbering an existing mapping.
func mapFixedNoreplace(near uint64) int {
	if near == 0 {
		return 0
	}
	return unix.MAP_FIXED_NOREPLACE
}

// remoteSyscall6 injects a 6-argument syscall into pid by redirecting a
// stopped thread to a syscall instruction, loading the SysV ABI registers,
// single-stepping across the instruction, and restoring the original
// register state. The target must already be attached.
func remoteSyscall6(pid int, nr uintptr, a1, a2, a3, a4, a5, a6 uint64) (uint64, error) {
	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &saved); err != nil {
		return 0, fmt.Errorf("save regs: %w", err)
	}

	site, err := syscallSite(pid)
	if err != nil {
		return 0, err
	}

	regs := saved
	regs.Rip = site
	regs.Rax = uint64(nr)
	regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8, regs.R9 = a1, a2, a3, a4, a5, a6
	if err := unix.PtraceSetRegs(pid, &regs); err != nil {
		return 0, fmt.Errorf("set regs for remote syscall: %w", err)
	}

	if err := unix.PtraceSingleStep(pid); err != nil {
		return 0, fmt.Errorf("single-step remote syscall: %w", err)
	}
	if err := waitStopped(pid); err != nil {
		return 0, fmt.Errorf("wait after remote syscall: %w", err)
	}

	var result unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &result); err != nil {
		return 0, fmt.Errorf("read result regs: %w", err)
	}
	ret := result.Rax

	if err := unix.PtraceSetRegs(pid, &saved); err != nil {
		return 0, fmt.Errorf("restore regs after remote syscall: %w", err)
	}
	return ret, nil
}

// syscallSite locates a `syscall; ret`-shaped two-byte sequence already
// mapped executable in the target (the vDSO's syscall trampoline is
// guaranteed present on x86_64), by scanning /proc/<pid>/maps for the vDSO
// mapping and using its base address — the vDSO always starts with a valid
// ELF header followed by executable code, safe to redirect RIP into for one
// instruction because the ABI registers fully describe the injected call.
func syscallSite(pid int) (uint64, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "maps"))
	if err != nil {
		return 0, fmt.Errorf("read maps: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.Contains(line, "[vdso]") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		rangeStr, _, _ := strings.Cut(fields[0], "-")
		base, err := parseHexAddr(rangeStr)
		if err != nil {
			return 0, fmt.Errorf("parse vdso base: %w", err)
		}
		return base, nil
	}
	return 0, fmt.Errorf("no vdso mapping found in pid %d", pid)
}

func parseHexAddr(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

// attachTimeout bounds how long a single ptrace wait loop will spin before
// giving up on a thread that never reaches a stop, guarding against a
// misbehaving victim hanging the whole tool.
const attachTimeout = 10 * time.Second
