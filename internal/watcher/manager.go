// Package watcher runs the filesystem side of the job pipeline: AutoPAC
// status files, nestpick completion reports, and the processed-jobs ingest
// scan. Filesystem workers report into a single manager loop over a typed
// event channel; the manager debounces and dispatches.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/mike2153/NestWatcher-sub000/internal/config"
	"github.com/mike2153/NestWatcher-sub000/internal/models"
	"github.com/mike2153/NestWatcher-sub000/internal/store"
)

// Store is the persistence surface the watcher needs.
type Store interface {
	FindJobByBase(ctx context.Context, base string) (models.Job, bool, error)
	UpdateLifecycle(ctx context.Context, key, target string, opts store.LifecycleOptions) (models.LifecycleResult, error)
	ListMachines(ctx context.Context) ([]models.Machine, error)
	UpsertIngest(ctx context.Context, r store.IngestRow) error
	PruneMissing(ctx context.Context, present []string) (int64, error)
	RecountReserved(ctx context.Context, idMode string) error
}

// EventKind tags which pipeline a filesystem event belongs to.
type EventKind string

const (
	KindAutoPAC  EventKind = "autopac"
	KindNestpick EventKind = "nestpick"
)

// Event is the envelope a filesystem worker sends to the manager.
type Event struct {
	Kind      EventKind
	MachineID int
	Path      string
}

// Manager owns the watch goroutines and the dispatch loop.
type Manager struct {
	cfg      config.Config
	store    Store
	status   *StatusProcessor
	unstack  *UnstackProcessor
	ingestor *Ingestor
	debounce *Debouncer
	events   chan Event
	log      logrus.FieldLogger
}

func NewManager(cfg config.Config, st Store, seen SeenCache, log logrus.FieldLogger) *Manager {
	fwd := NewForwarder(st, cfg.NestpickDestination, log)
	return &Manager{
		cfg:      cfg,
		store:    st,
		status:   NewStatusProcessor(st, seen, fwd, log),
		unstack:  NewUnstackProcessor(st, log),
		ingestor: NewIngestor(st, cfg.ProcessedJobsRoot, log),
		debounce: NewDebouncer(cfg.WatcherDebounce),
		events:   make(chan Event, 64),
		log:      log.WithField("component", "watcher"),
	}
}

// Run blocks until ctx is cancelled. Files already sitting in the watched
// folders are swept once at startup, before notifications take over.
func (m *Manager) Run(ctx context.Context) error {
	machines, err := m.store.ListMachines(ctx)
	if err != nil {
		return err
	}

	if m.cfg.AutoPacCSVDir != "" {
		go m.watchDir(ctx, m.cfg.AutoPacCSVDir, KindAutoPAC, 0)
	}
	for _, mc := range machines {
		if mc.NestpickEnabled && mc.NestpickFolder != "" {
			go m.watchDir(ctx, mc.NestpickFolder, KindNestpick, mc.MachineID)
		}
	}

	go m.sweep(ctx, KindAutoPAC, m.cfg.AutoPacCSVDir, 0)
	for _, mc := range machines {
		if mc.NestpickEnabled {
			go m.sweep(ctx, KindNestpick, mc.NestpickFolder, mc.MachineID)
		}
	}
	if err := m.ingestor.Pass(ctx); err != nil {
		m.log.WithError(err).Error("initial ingest pass failed")
	}

	ingestEvery := m.cfg.IngestInterval
	if ingestEvery <= 0 {
		ingestEvery = time.Minute
	}
	ingestTick := time.NewTicker(ingestEvery)
	defer ingestTick.Stop()

	var recountCh <-chan time.Time
	if m.cfg.ReservedAdjustMode == config.AdjustModeDelta && m.cfg.ReservedRecountInterval > 0 {
		recountTick := time.NewTicker(m.cfg.ReservedRecountInterval)
		defer recountTick.Stop()
		recountCh = recountTick.C
	}

	defer m.debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.debounce.Trigger(ev.Path, func() { m.dispatch(ctx, ev) })
		case <-ingestTick.C:
			if err := m.ingestor.Pass(ctx); err != nil {
				m.log.WithError(err).Error("ingest pass failed")
			}
		case <-recountCh:
			if err := m.store.RecountReserved(ctx, m.cfg.GrundnerIDMode); err != nil {
				m.log.WithError(err).Error("reserved-stock recount failed")
			}
		}
	}
}

// watchDir forwards create and write notifications for one folder to the
// manager loop.
func (m *Manager) watchDir(ctx context.Context, dir string, kind EventKind, machineID int) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.WithError(err).WithField("dir", dir).Error("could not start watcher")
		return
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		m.log.WithError(err).WithField("dir", dir).Error("could not watch folder")
		return
	}
	m.log.WithFields(logrus.Fields{"dir": dir, "kind": kind}).Info("watching folder")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case m.events <- Event{Kind: kind, MachineID: machineID, Path: ev.Name}:
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.log.WithError(err).WithField("dir", dir).Warn("watch error")
		}
	}
}

// sweep queues files that were dropped while the watcher was not running.
func (m *Manager) sweep(ctx context.Context, kind EventKind, dir string, machineID int) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		m.log.WithError(err).WithField("dir", dir).Warn("startup sweep failed")
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		select {
		case m.events <- Event{Kind: kind, MachineID: machineID, Path: filepath.Join(dir, e.Name())}:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, ev Event) {
	name := filepath.Base(ev.Path)
	switch ev.Kind {
	case KindAutoPAC:
		if _, _, ok := ParseStatusFilename(name); !ok {
			return
		}
		if err := m.status.Process(ctx, ev.Path); err != nil {
			m.log.WithError(err).WithField("file", name).Error("status file failed")
		}
	case KindNestpick:
		if !strings.EqualFold(name, UnstackReportName) {
			return
		}
		if err := m.unstack.Process(ctx, ev.Path); err != nil {
			m.log.WithError(err).WithField("file", name).Error("unstack report failed")
		}
	}
}
