package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mike2153/NestWatcher-sub000/internal/models"
)

func TestParseUnstackRows(t *testing.T) {
	rows := ParseUnstackRows([]byte("JOB1,PAL-7\r\n\r\njob2,PAL-8\r\n,orphan\r\n"))
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].Base != "JOB1" || rows[0].Pallet != "PAL-7" {
		t.Fatalf("row = %+v", rows[0])
	}
}

func TestUnstackProcessorSetsPalletAndArchives(t *testing.T) {
	st := newFakeWatcherStore()
	st.addJob(models.Job{Key: "J1", NCFile: "job1.nc", Status: models.StatusForwardedToNestpick})

	dir := t.TempDir()
	path := filepath.Join(dir, UnstackReportName)
	if err := os.WriteFile(path, []byte("JOB1,PAL-7\r\nghost,PAL-9\r\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := NewUnstackProcessor(st, discardLog())
	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(st.calls) != 1 {
		t.Fatalf("calls = %+v", st.calls)
	}
	c := st.calls[0]
	if c.Key != "J1" || c.Target != models.StatusNestpickComplete {
		t.Fatalf("call = %+v", c)
	}
	if c.Opts.Pallet == nil || *c.Opts.Pallet != "PAL-7" {
		t.Fatalf("pallet not recorded: %+v", c.Opts)
	}
	if _, err := os.Stat(filepath.Join(dir, "archive", UnstackReportName)); err != nil {
		t.Fatalf("report must be archived: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("report must be gone from the drop folder")
	}
}

func TestUnstackProcessorArchiveCollision(t *testing.T) {
	st := newFakeWatcherStore()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "archive"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "archive", UnstackReportName), []byte("old\r\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	path := filepath.Join(dir, UnstackReportName)
	if err := os.WriteFile(path, []byte("ghost,PAL-1\r\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := NewUnstackProcessor(st, discardLog())
	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("collision must keep both reports, got %d", len(entries))
	}
}
