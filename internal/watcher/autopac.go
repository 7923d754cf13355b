package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mike2153/NestWatcher-sub000/internal/models"
	"github.com/mike2153/NestWatcher-sub000/internal/store"
	"github.com/mike2153/NestWatcher-sub000/internal/telemetry"
)

// AutoPAC status filename prefixes and the lifecycle status each reports.
var statusKinds = []struct {
	prefix string
	target string
}{
	{"load_finish", models.StatusLoadFinish},
	{"label_finish", models.StatusLabelFinish},
	{"cnc_finish", models.StatusCNCFinish},
}

// ParseStatusFilename splits an AutoPAC drop like `cnc_finishSAW1.csv` into
// the lifecycle target and the machine token. Prefix matching is
// case-insensitive; the token keeps its original casing.
func ParseStatusFilename(name string) (target, token string, ok bool) {
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".csv") {
		return "", "", false
	}
	stem := name[:len(name)-len(".csv")]
	for _, k := range statusKinds {
		if strings.HasPrefix(strings.ToLower(stem), k.prefix) {
			token = stem[len(k.prefix):]
			if token == "" {
				return "", "", false
			}
			return k.target, token, true
		}
	}
	return "", "", false
}

// StatusRow is one line of a status file: the program base name and the
// machine token that produced it.
type StatusRow struct {
	Base  string
	Token string
}

// ParseStatusRows accepts comma or semicolon delimited lines and skips
// blanks. A row with no token column keeps Token empty.
func ParseStatusRows(data []byte) []StatusRow {
	var out []StatusRow
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sep := ","
		if !strings.Contains(line, ",") && strings.Contains(line, ";") {
			sep = ";"
		}
		fields := strings.Split(line, sep)
		row := StatusRow{Base: strings.TrimSpace(fields[0])}
		if len(fields) > 1 {
			row.Token = strings.TrimSpace(fields[1])
		}
		if row.Base == "" {
			continue
		}
		out = append(out, row)
	}
	return out
}

// StatusProcessor applies AutoPAC status files to the job store and, on a
// cut completion, hands the job to the forwarder.
type StatusProcessor struct {
	store     Store
	seen      SeenCache
	forwarder *Forwarder
	log       logrus.FieldLogger
}

func NewStatusProcessor(st Store, seen SeenCache, fwd *Forwarder, log logrus.FieldLogger) *StatusProcessor {
	return &StatusProcessor{store: st, seen: seen, forwarder: fwd, log: log.WithField("component", "autopac")}
}

// Process handles one status file end to end. The file is removed once
// handled; a file whose rows carry a foreign machine token is rejected
// whole and also removed, so AutoPAC does not redeliver it forever.
func (p *StatusProcessor) Process(ctx context.Context, path string) error {
	name := filepath.Base(path)
	target, token, ok := ParseStatusFilename(name)
	if !ok {
		return nil
	}
	telemetry.StatusFilesSeen.Inc()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read status file %s: %w", name, err)
	}
	hash := HashContent(data)
	if seen, err := p.seen.Seen(ctx, hash); err != nil {
		p.log.WithError(err).Warn("seen cache unavailable, processing anyway")
	} else if seen {
		p.log.WithField("file", name).Info("duplicate status file, skipping")
		return os.Remove(path)
	}

	rows := ParseStatusRows(data)
	for _, r := range rows {
		if r.Token != "" && !strings.EqualFold(r.Token, token) {
			p.log.WithFields(logrus.Fields{"file": name, "row_token": r.Token}).
				Warn("row token does not match filename token, rejecting file")
			return os.Remove(path)
		}
	}

	machine := p.resolveMachine(ctx, token)
	for _, r := range rows {
		p.applyRow(ctx, name, target, machine, r)
	}

	if err := p.seen.Mark(ctx, hash); err != nil {
		p.log.WithError(err).Warn("could not mark status file as seen")
	}
	return os.Remove(path)
}

func (p *StatusProcessor) applyRow(ctx context.Context, file, target string, machine *models.Machine, r StatusRow) {
	job, found, err := p.store.FindJobByBase(ctx, r.Base)
	if err != nil {
		p.log.WithError(err).WithField("base", r.Base).Error("job lookup failed")
		return
	}
	if !found {
		telemetry.StatusRowsUnmatched.Inc()
		p.log.WithFields(logrus.Fields{"file": file, "base": r.Base}).Warn("status row matched no job")
		return
	}

	opts := store.LifecycleOptions{Source: "autopac", Payload: map[string]any{"file": file}}
	if machine != nil {
		opts.MachineID = &machine.MachineID
	}
	res, err := p.store.UpdateLifecycle(ctx, job.Key, target, opts)
	if err != nil {
		p.log.WithError(err).WithField("key", job.Key).Error("lifecycle update failed")
		return
	}
	switch {
	case res.OK:
		telemetry.TransitionsApplied.Inc()
	case res.Reason == models.ReasonNoChange:
		// Reapplied report, nothing to do.
	default:
		telemetry.TransitionsRejected.Inc()
		p.log.WithFields(logrus.Fields{"key": job.Key, "reason": res.Reason, "prev": res.PrevStatus}).
			Warn("status row rejected")
		return
	}

	if target == models.StatusCNCFinish && res.OK && machine != nil && p.forwarder != nil {
		// Post-commit side effect: a forwarding failure never undoes the
		// CNC_FINISH transition.
		if err := p.forwarder.Forward(ctx, job, *machine); err != nil {
			p.log.WithError(err).WithField("key", job.Key).Error("nestpick forwarding failed")
		}
	}
}

// resolveMachine matches the filename token against the machine registry by
// name first, then by numeric id.
func (p *StatusProcessor) resolveMachine(ctx context.Context, token string) *models.Machine {
	machines, err := p.store.ListMachines(ctx)
	if err != nil {
		p.log.WithError(err).Warn("machine registry unavailable")
		return nil
	}
	for i := range machines {
		if strings.EqualFold(machines[i].Token(), token) {
			return &machines[i]
		}
	}
	p.log.WithField("token", token).Warn("unknown machine token")
	return nil
}
