// Package remote defines the external-collaborator interfaces the patch
// engine depends on: remote process control primitives, ELF relocation of
// the embedded patch module, and coroutine discovery. The engine packages
// (installer, canceller, unwind, orchestrator) depend only on these
// interfaces; ptrace_linux.go is the concrete production implementation of
// ProcessControl on golang.org/x/sys/unix.
package remote

import "context"

// RegisterState is the subset of a thread/coroutine's register file the
// unwinder and installer need: instruction pointer, and stack/frame
// pointer for a frame-pointer walk.
type RegisterState struct {
	IP uint64
	SP uint64
	BP uint64
}

// ThreadHandle identifies one traced thread within an attached process.
type ThreadHandle struct {
	TID int
}

// ProcessControl is the remote-process primitive collaborator: attach,
// detach, register/memory peek-poke, mmap/munmap in the target's address
// space, and execution-until-address. This interface is the seam the
// engine programs against.
type ProcessControl interface {
	// Attach stops every thread of pid and returns their handles.
	Attach(ctx context.Context, pid int) ([]ThreadHandle, error)
	// Detach resumes every stopped thread and releases tracer state.
	Detach(ctx context.Context, pid int) error

	// Threads re-enumerates the stopped threads of an attached process.
	// New threads may appear between calls.
	Threads(ctx context.Context, pid int) ([]ThreadHandle, error)
	// Registers returns the current register snapshot for a stopped thread.
	Registers(ctx context.Context, th ThreadHandle) (RegisterState, error)

	// PeekData reads len(buf) bytes from the target's address space at addr.
	PeekData(ctx context.Context, pid int, addr uint64, buf []byte) error
	// PokeData writes buf to the target's address space at addr.
	PokeData(ctx context.Context, pid int, addr uint64, buf []byte) error

	// Mmap allocates size bytes of RWX memory in the target as close to
	// near as possible, returning the chosen base address. Used by the
	// Installer to satisfy the 32-bit-displacement reachability invariant.
	Mmap(ctx context.Context, pid int, near uint64, size uint64) (uint64, error)
	// Munmap releases a region previously returned by Mmap.
	Munmap(ctx context.Context, pid int, addr, size uint64) error

	// RunUntil resumes th and blocks until its IP reaches target or the
	// context is cancelled; the advance budget is enforced by the caller
	// via ctx.
	RunUntil(ctx context.Context, pid int, th ThreadHandle, target uint64) error

	// RunToEntry resumes a just-started process until the dynamic loader
	// has populated shared libraries and control reaches the entry point.
	RunToEntry(ctx context.Context, pid int) error
}

// RelocatedSymbol is one symbol resolved out of the embedded ET_REL module
// after relocation against a chosen load address.
type RelocatedSymbol struct {
	Name string
	Addr uint64
}

// ELFLoader is the embedded-ET_REL collaborator: it reads the hunk-info
// array out of the module's custom section, counts undefined symbols (so
// the Installer can size a jump table), and performs relocation against a
// chosen load address.
type ELFLoader interface {
	// LoadInfo parses the embedded module and returns the module-relative
	// offset and the record count of its PatchInfo table (records still
	// un-stamped: Saddr values are module-relative until Relocate runs).
	LoadInfo(module []byte) (infoOffset int64, count int, err error)
	// UndefinedSymbolCount returns the number of undefined symbols the
	// module's relocations reference, used to size the jump table.
	UndefinedSymbolCount(module []byte) (int, error)
	// Relocate resolves the module's relocations assuming it will be
	// loaded at kpta, returning the relocated image bytes and the jump
	// table to write at kpta+jmpOffset (nil if no undefined symbols).
	Relocate(module []byte, kpta uint64, jmpOffset uint64) (relocated []byte, jumpTable []byte, err error)
}

// CoroutineHandle identifies one discovered coroutine context.
type CoroutineHandle struct {
	ID uint64
}

// CoroutineFinder is the coroutine-discovery collaborator: recognizing a
// user-space coroutine runtime and exposing each live coroutine's saved
// register state to the unwinder. Coroutines cannot be advanced like
// threads, so a patch site found unsafe in a coroutine is terminal.
type CoroutineFinder interface {
	// Find enumerates live coroutines in the attached process.
	Find(ctx context.Context, pid int) ([]CoroutineHandle, error)
	// Registers returns the saved register state for one coroutine.
	Registers(ctx context.Context, pid int, h CoroutineHandle) (RegisterState, error)
}
