package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mike2153/NestWatcher-sub000/internal/models"
	"github.com/mike2153/NestWatcher-sub000/internal/store"
	"github.com/mike2153/NestWatcher-sub000/internal/telemetry"
)

// UnstackReportName is the completion report the nestpick cell writes after
// unstacking a nest onto a pallet.
const UnstackReportName = "Report_FullNestpickUnstack.csv"

// UnstackProcessor closes the loop on forwarded jobs: each report row names
// a program base and the pallet its parts landed on.
type UnstackProcessor struct {
	store Store
	log   logrus.FieldLogger
}

func NewUnstackProcessor(st Store, log logrus.FieldLogger) *UnstackProcessor {
	return &UnstackProcessor{store: st, log: log.WithField("component", "nestpick")}
}

// UnstackRow is one report line: program base name and pallet identifier.
type UnstackRow struct {
	Base   string
	Pallet string
}

func ParseUnstackRows(data []byte) []UnstackRow {
	var out []UnstackRow
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		row := UnstackRow{Base: strings.TrimSpace(fields[0])}
		if len(fields) > 1 {
			row.Pallet = strings.TrimSpace(fields[1])
		}
		if row.Base == "" {
			continue
		}
		out = append(out, row)
	}
	return out
}

// Process applies one unstack report. Rows that do not resolve to a
// forwarded job are collected into a single alert rather than logged one by
// one; the report is archived either way.
func (p *UnstackProcessor) Process(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read unstack report: %w", err)
	}

	var unmatched []string
	for _, r := range ParseUnstackRows(data) {
		job, found, err := p.store.FindJobByBase(ctx, r.Base)
		if err != nil {
			p.log.WithError(err).WithField("base", r.Base).Error("job lookup failed")
			unmatched = append(unmatched, r.Base)
			continue
		}
		if !found {
			unmatched = append(unmatched, r.Base)
			continue
		}
		pallet := r.Pallet
		res, err := p.store.UpdateLifecycle(ctx, job.Key, models.StatusNestpickComplete, store.LifecycleOptions{
			Pallet:  &pallet,
			Source:  "nestpick",
			Payload: map[string]any{"file": filepath.Base(path)},
		})
		if err != nil {
			p.log.WithError(err).WithField("key", job.Key).Error("completion update failed")
			continue
		}
		if res.OK {
			telemetry.TransitionsApplied.Inc()
			continue
		}
		if res.Reason != models.ReasonNoChange {
			unmatched = append(unmatched, r.Base)
		}
	}
	if len(unmatched) > 0 {
		p.log.WithFields(logrus.Fields{
			"file":  filepath.Base(path),
			"bases": strings.Join(unmatched, ", "),
		}).Warn("unstack rows did not match forwarded jobs")
	}

	return archiveReport(path)
}

// archiveReport moves a handled report into an archive subfolder next to
// it, stamping the name on collision.
func archiveReport(path string) error {
	dir := filepath.Join(filepath.Dir(path), "archive")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := filepath.Base(path)
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		dest = filepath.Join(dir, fmt.Sprintf("%s_%s%s", stem, time.Now().Format("02.01_15.04.05"), ext))
	}
	return os.Rename(path, dest)
}
