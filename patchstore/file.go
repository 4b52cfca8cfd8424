package patchstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lp-systems/livepatch/errs"
	"github.com/lp-systems/livepatch/model"
	"github.com/lp-systems/livepatch/utils"
)

// fileBackend is the single-file patch storage shape: the storage
// path names one blob. With wantData, the blob matches a Build-ID when its
// header's uname equals it or is empty; the existence-only probe (wantData
// false) only checks that the file exists and does not compare the uname.
// It's a degenerate case used in tests and single-target deployments.
type fileBackend struct {
	path string
}

func (b *fileBackend) Find(_ context.Context, buildID string, wantData bool) (*model.Blob, error) {
	if !wantData {
		if _, err := os.Stat(b.path); err != nil {
			return nil, fmt.Errorf("%w: %s", errs.ErrNoMatch, buildID)
		}
		return &model.Blob{}, nil
	}
	data, err := os.ReadFile(b.path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errs.ErrNoMatch, buildID)
		}
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrStorageUnavailable, b.path, err)
	}
	blob, err := model.Decode(data, elfSHEntSize)
	if err != nil {
		return nil, err
	}
	if blob.Header.Uname != "" && blob.Header.Uname != buildID {
		return nil, fmt.Errorf("%w: blob build-id %s != requested %s", errs.ErrNoMatch, blob.Header.Uname, buildID)
	}
	return blob, nil
}

func (b *fileBackend) Close() error { return nil }

// dirBackend is the Build-ID-indexed directory tree shape: a tree
// rooted at root, with either a "latest"-symlinked or direct path per
// Build-ID (bidDirTemplates).
type dirBackend struct {
	root string
}

func (b *dirBackend) Find(_ context.Context, buildID string, wantData bool) (*model.Blob, error) {
	for tmpl, path := range bidDirTemplates(b.root, buildID) {
		if !utils.ValidFile(path) {
			continue
		}
		if !wantData {
			return &model.Blob{}, nil
		}
		data, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", errs.ErrStorageUnavailable, path, err)
		}
		blob, err := model.Decode(data, elfSHEntSize)
		if err != nil {
			return nil, err
		}
		if tmpl == 0 {
			if level, ok := readLatestLevel(b.root, buildID); ok {
				blob.Header.UserLevel = level
			}
		}
		return blob, nil
	}
	return nil, fmt.Errorf("%w: build-id %s", errs.ErrNoMatch, buildID)
}

// readLatestLevel resolves "<root>/<buildID>/latest" as a symlink and parses
// its target's base name as the decimal patch level: the "latest" symlink's
// target name IS the numeric user_level. Composed entirely with
// filepath.Join/Readlink, never by editing a shared probe buffer in place.
func readLatestLevel(root, buildID string) (uint64, bool) {
	link := filepath.Join(root, buildID, "latest")
	target, err := os.Readlink(link)
	if err != nil {
		return 0, false
	}
	level, err := strconv.ParseUint(filepath.Base(target), 10, 64)
	if err != nil {
		return 0, false
	}
	return level, true
}

func (b *dirBackend) Close() error { return nil }
