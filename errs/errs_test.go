package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsWrapAndUnwrap(t *testing.T) {
	sentinels := []error{
		ErrStorageUnavailable,
		ErrInvalidPatch,
		ErrAttachFailed,
		ErrRemoteIoFailed,
		ErrUnsafeStack,
		ErrCoroutineUnsafe,
		ErrLayoutUnreachable,
		ErrRelocationFailed,
		ErrPartialApply,
		ErrNoMatch,
	}
	for _, sentinel := range sentinels {
		wrapped := fmt.Errorf("context: %w", sentinel)
		if !errors.Is(wrapped, sentinel) {
			t.Errorf("errors.Is(%v, %v) = false, want true", wrapped, sentinel)
		}
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrStorageUnavailable,
		ErrInvalidPatch,
		ErrAttachFailed,
		ErrRemoteIoFailed,
		ErrUnsafeStack,
		ErrCoroutineUnsafe,
		ErrLayoutUnreachable,
		ErrRelocationFailed,
		ErrPartialApply,
		ErrNoMatch,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			if errors.Is(a, b) {
				t.Errorf("sentinel %d unexpectedly matches sentinel %d", i, j)
			}
		}
	}
}
