package patchstore

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/lp-systems/livepatch/model"
)

// Match pairs a discovered object's Build-ID with the blob Storage resolved
// for it, or a nil Blob if none matched.
type Match struct {
	Index int // position in the caller's input slice, to preserve order
	Blob  *model.Blob
	Err   error
}

// FindAll resolves buildIDs concurrently — read-only lookups are safe to
// parallelize, unlike the serialized per-process write path. Results
// preserve input order regardless of completion order.
func FindAll(ctx context.Context, s *Storage, buildIDs []string, wantData bool) []Match {
	results := make([]Match, len(buildIDs))
	g, ctx := errgroup.WithContext(ctx)
	for i, bid := range buildIDs {
		i, bid := i, bid
		g.Go(func() error {
			blob, err := s.Find(ctx, bid, wantData)
			results[i] = Match{Index: i, Blob: blob, Err: err}
			return nil // per-item errors are carried in Match, not the group
		})
	}
	_ = g.Wait()
	return results
}
