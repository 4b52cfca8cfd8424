// Package patchstore resolves a loaded object's GNU Build-ID to a patch
// blob. It supports two on-disk shapes — single-file and Build-ID-indexed
// directory tree — plus an OCI-registry shape (ociremote.go) as a
// supplemental distribution path.
package patchstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lp-systems/livepatch/errs"
	"github.com/lp-systems/livepatch/model"
)

// Backend resolves a Build-ID to a patch blob. Storage shapes (single
// file, directory tree, OCI registry) each implement it.
type Backend interface {
	// Find returns the blob for buildID, or errs.ErrNoMatch if this backend
	// holds nothing for it. wantData requests the full blob bytes; when
	// false, implementations may do a cheaper existence-only probe and
	// return a Blob with a nil Data (used by `info -b` without `-p`).
	Find(ctx context.Context, buildID string, wantData bool) (*model.Blob, error)
	// Close releases any resources (network clients, open directories).
	Close() error
}

// elfSHEntSize is sizeof(Elf64_Shdr) on the only platform this engine
// targets (x86_64).
const elfSHEntSize = 64

// Storage is the patch lookup surface the Orchestrator and cmd/info use.
// It wraps a Backend with a Build-ID cache: both "found" and "absent"
// results stick for the lifetime of one storage session.
type Storage struct {
	backend Backend

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	blob  *model.Blob
	found bool
}

// Open inspects path and returns a Storage backed by the shape it finds:
// a regular file is a single-file blob store; a directory is a
// Build-ID-indexed tree. Use OpenOCI for the registry-backed shape.
func Open(path string) (*Storage, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", errs.ErrStorageUnavailable, path, err)
	}
	var backend Backend
	if info.IsDir() {
		backend = &dirBackend{root: path}
	} else {
		backend = &fileBackend{path: path}
	}
	return newStorage(backend), nil
}

func newStorage(b Backend) *Storage {
	return &Storage{backend: b, cache: make(map[string]cacheEntry)}
}

// Close releases the underlying backend.
func (s *Storage) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// Find resolves buildID to a blob, consulting and populating the
// session-lifetime cache. A cached "absent" result short-circuits without
// touching the backend again.
func (s *Storage) Find(ctx context.Context, buildID string, wantData bool) (*model.Blob, error) {
	s.mu.Lock()
	if e, ok := s.cache[buildID]; ok && (e.blob == nil || e.blob.Data != nil || !wantData) {
		s.mu.Unlock()
		if !e.found {
			return nil, fmt.Errorf("%w: build-id %s", errs.ErrNoMatch, buildID)
		}
		return e.blob, nil
	}
	s.mu.Unlock()

	blob, err := s.backend.Find(ctx, buildID, wantData)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if ErrIsNoMatch(err) {
			s.cache[buildID] = cacheEntry{found: false}
		}
		return nil, err
	}
	s.cache[buildID] = cacheEntry{blob: blob, found: true}
	return blob, nil
}

// ErrIsNoMatch reports whether err is (or wraps) errs.ErrNoMatch.
func ErrIsNoMatch(err error) bool { return errors.Is(err, errs.ErrNoMatch) }

// bidDirTemplates are the two directory-tree layouts probed in order: a symlinked
// "latest" indirection through a user-level directory, and a flat direct
// file keyed by Build-ID.
func bidDirTemplates(root, buildID string) []string {
	return []string{
		filepath.Join(root, buildID, "latest", "kpatch.bin"),
		filepath.Join(root, buildID+".kpatch"),
	}
}
