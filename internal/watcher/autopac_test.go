package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/mike2153/NestWatcher-sub000/internal/models"
	"github.com/mike2153/NestWatcher-sub000/internal/store"
)

func discardLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type lifecycleCall struct {
	Key    string
	Target string
	Opts   store.LifecycleOptions
}

type fakeWatcherStore struct {
	jobs      map[string]models.Job
	machines  []models.Machine
	calls     []lifecycleCall
	result    *models.LifecycleResult
	ingested  []store.IngestRow
	pruneArgs [][]string
	recounts  int
}

func newFakeWatcherStore() *fakeWatcherStore {
	return &fakeWatcherStore{jobs: map[string]models.Job{}}
}

func (f *fakeWatcherStore) addJob(j models.Job) {
	base := strings.ToLower(strings.TrimSuffix(j.NCFile, filepath.Ext(j.NCFile)))
	f.jobs[base] = j
}

func (f *fakeWatcherStore) FindJobByBase(_ context.Context, base string) (models.Job, bool, error) {
	b := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	j, ok := f.jobs[b]
	return j, ok, nil
}

func (f *fakeWatcherStore) UpdateLifecycle(_ context.Context, key, target string, opts store.LifecycleOptions) (models.LifecycleResult, error) {
	f.calls = append(f.calls, lifecycleCall{Key: key, Target: target, Opts: opts})
	if f.result != nil {
		return *f.result, nil
	}
	return models.LifecycleResult{OK: true, Status: target}, nil
}

func (f *fakeWatcherStore) ListMachines(_ context.Context) ([]models.Machine, error) {
	return f.machines, nil
}

func (f *fakeWatcherStore) UpsertIngest(_ context.Context, r store.IngestRow) error {
	f.ingested = append(f.ingested, r)
	return nil
}

func (f *fakeWatcherStore) PruneMissing(_ context.Context, present []string) (int64, error) {
	f.pruneArgs = append(f.pruneArgs, present)
	return 0, nil
}

func (f *fakeWatcherStore) RecountReserved(_ context.Context, _ string) error {
	f.recounts++
	return nil
}

func TestParseStatusFilename(t *testing.T) {
	cases := []struct {
		name   string
		target string
		token  string
		ok     bool
	}{
		{"load_finishSAW1.csv", models.StatusLoadFinish, "SAW1", true},
		{"LABEL_FINISHsaw1.csv", models.StatusLabelFinish, "saw1", true},
		{"cnc_finish2.CSV", models.StatusCNCFinish, "2", true},
		{"cnc_finish.csv", "", "", false},
		{"cnc_finish2.txt", "", "", false},
		{"report.csv", "", "", false},
	}
	for _, c := range cases {
		target, token, ok := ParseStatusFilename(c.name)
		if ok != c.ok || target != c.target || token != c.token {
			t.Fatalf("%s: got (%q,%q,%v) want (%q,%q,%v)", c.name, target, token, ok, c.target, c.token, c.ok)
		}
	}
}

func TestParseStatusRows(t *testing.T) {
	data := []byte("job1,SAW1\r\n\r\njob2;SAW1\r\n  job3 , SAW1 \r\n")
	rows := ParseStatusRows(data)
	if len(rows) != 3 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].Base != "job1" || rows[1].Base != "job2" || rows[2].Base != "job3" {
		t.Fatalf("bases = %+v", rows)
	}
	if rows[2].Token != "SAW1" {
		t.Fatalf("token = %q", rows[2].Token)
	}
}

func TestStatusProcessorAppliesRowsAndRemovesFile(t *testing.T) {
	st := newFakeWatcherStore()
	st.addJob(models.Job{Key: "J1", NCFile: "job1.nc", Status: models.StatusStaged})
	st.machines = []models.Machine{{MachineID: 3, Name: "SAW1"}}

	dir := t.TempDir()
	path := filepath.Join(dir, "load_finishSAW1.csv")
	if err := os.WriteFile(path, []byte("JOB1,SAW1\r\nghost,SAW1\r\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := NewStatusProcessor(st, NewMemorySeen(), nil, discardLog())
	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(st.calls) != 1 {
		t.Fatalf("calls = %+v", st.calls)
	}
	c := st.calls[0]
	if c.Key != "J1" || c.Target != models.StatusLoadFinish {
		t.Fatalf("call = %+v", c)
	}
	if c.Opts.MachineID == nil || *c.Opts.MachineID != 3 {
		t.Fatalf("machine not resolved: %+v", c.Opts)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("status file must be removed after processing")
	}
}

func TestStatusProcessorRejectsForeignToken(t *testing.T) {
	st := newFakeWatcherStore()
	st.addJob(models.Job{Key: "J1", NCFile: "job1.nc"})

	dir := t.TempDir()
	path := filepath.Join(dir, "cnc_finishSAW1.csv")
	if err := os.WriteFile(path, []byte("job1,SAW1\r\njob2,SAW2\r\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := NewStatusProcessor(st, NewMemorySeen(), nil, discardLog())
	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(st.calls) != 0 {
		t.Fatalf("no row may be applied from a rejected file, got %+v", st.calls)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("rejected file must still be removed")
	}
}

func TestStatusProcessorSkipsDuplicateContent(t *testing.T) {
	st := newFakeWatcherStore()
	st.addJob(models.Job{Key: "J1", NCFile: "job1.nc"})
	seen := NewMemorySeen()
	p := NewStatusProcessor(st, seen, nil, discardLog())
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		path := filepath.Join(dir, "load_finishSAW1.csv")
		if err := os.WriteFile(path, []byte("job1,SAW1\r\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := p.Process(context.Background(), path); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if len(st.calls) != 1 {
		t.Fatalf("duplicate content must be applied once, got %d calls", len(st.calls))
	}
}
