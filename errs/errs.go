// Package errs defines the sentinel error kinds surfaced to the
// orchestrator and mapped to process exit codes.
package errs

import "errors"

// Sentinel error kinds. Use errors.Is against these; wrap with fmt.Errorf's
// %w the way the rest of the codebase does.
var (
	// ErrStorageUnavailable means the patch storage path could not be opened.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrInvalidPatch means a blob failed magic/size/ELF-header verification.
	ErrInvalidPatch = errors.New("invalid patch")
	// ErrAttachFailed means attaching to the victim process failed.
	ErrAttachFailed = errors.New("attach failed")
	// ErrRemoteIoFailed means a remote memory/register operation failed.
	ErrRemoteIoFailed = errors.New("remote i/o failed")
	// ErrUnsafeStack means safety verification failed after the advance retry.
	ErrUnsafeStack = errors.New("unsafe stack")
	// ErrCoroutineUnsafe is ORed into ErrUnsafeStack's context when a
	// coroutine (rather than a thread) was found inside a hunk.
	ErrCoroutineUnsafe = errors.New("coroutine stack unsafe")
	// ErrLayoutUnreachable means no remote region close enough for 32-bit
	// displacements could be allocated.
	ErrLayoutUnreachable = errors.New("patch layout unreachable")
	// ErrRelocationFailed means the embedded ET_REL module could not be
	// resolved/relocated.
	ErrRelocationFailed = errors.New("relocation failed")
	// ErrPartialApply means one object failed to patch after others
	// succeeded; best-effort local rollback was attempted for the failure.
	ErrPartialApply = errors.New("partial apply")
	// ErrNoMatch is nonfatal: no applicable patch, or nothing to cancel.
	ErrNoMatch = errors.New("no match")
)
