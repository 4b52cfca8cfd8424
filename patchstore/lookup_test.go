package patchstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFindAllPreservesOrder(t *testing.T) {
	root := t.TempDir()
	present := "present01"
	if err := os.WriteFile(filepath.Join(root, present+".kpatch"), buildBlobBytes(t, present, 1), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close() //nolint:errcheck

	buildIDs := []string{"missing-a", present, "missing-b"}
	results := FindAll(context.Background(), s, buildIDs, true)

	if len(results) != len(buildIDs) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(buildIDs))
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("results[%d].Index = %d, want %d", i, r.Index, i)
		}
	}
	if results[0].Err == nil || !ErrIsNoMatch(results[0].Err) {
		t.Errorf("results[0].Err = %v, want ErrNoMatch", results[0].Err)
	}
	if results[1].Err != nil {
		t.Errorf("results[1].Err = %v, want nil", results[1].Err)
	}
	if results[1].Blob == nil || results[1].Blob.Header.Uname != present {
		t.Errorf("results[1].Blob = %+v, want Uname %s", results[1].Blob, present)
	}
	if results[2].Err == nil || !ErrIsNoMatch(results[2].Err) {
		t.Errorf("results[2].Err = %v, want ErrNoMatch", results[2].Err)
	}
}
