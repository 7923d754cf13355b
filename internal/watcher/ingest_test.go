package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestExtractMetaAliasOrder(t *testing.T) {
	text := "(MATL: MDF-18)\n(MATERIAL: OAK-25)\nG0 X0 Y0\n"
	if got := extractMeta(text, materialAliases); got != "OAK-25" {
		t.Fatalf("material = %q", got)
	}
	if got := extractMeta("(THICK=18)", thicknessAliases); got != "18" {
		t.Fatalf("thickness = %q", got)
	}
	if got := extractMeta("G0 X0", sizeAliases); got != "" {
		t.Fatalf("missing meta must stay empty, got %q", got)
	}
}

func TestIngestPassUpsertsAndPrunes(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "batchA"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	program := "(MATERIAL: OAK-25)\n(SIZE: 2800x2070)\n(THICKNESS: 25)\nG0 X0 Y0\n"
	if err := os.WriteFile(filepath.Join(root, "batchA", "job1.nc"), []byte(program), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "job2.NC"), []byte("G0 X0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	st := newFakeWatcherStore()
	ing := NewIngestor(st, root, discardLog())
	if err := ing.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}

	if len(st.ingested) != 2 {
		t.Fatalf("ingested = %+v", st.ingested)
	}
	byKey := map[string]bool{}
	for _, r := range st.ingested {
		byKey[r.Key] = true
		if r.Key == "batchA/job1.nc" {
			if r.Material != "OAK-25" || r.Thickness != "25" || r.Folder != "batchA" {
				t.Fatalf("metadata = %+v", r)
			}
		}
	}
	if !byKey["batchA/job1.nc"] || !byKey["job2.NC"] {
		t.Fatalf("keys = %v", byKey)
	}
	if len(st.pruneArgs) != 1 || len(st.pruneArgs[0]) != 2 {
		t.Fatalf("prune args = %+v", st.pruneArgs)
	}
}

func TestIngestPassSkipsPruneOnReadError(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "job1.nc"), []byte("G0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A dangling symlink walks fine but fails to read.
	if err := os.Symlink(filepath.Join(root, "missing-target"), filepath.Join(root, "job2.nc")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	st := newFakeWatcherStore()
	ing := NewIngestor(st, root, discardLog())
	if err := ing.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if len(st.ingested) != 1 {
		t.Fatalf("readable program must still ingest, got %+v", st.ingested)
	}
	if len(st.pruneArgs) != 0 {
		t.Fatalf("pruning must be skipped after a scan error")
	}
}
