package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mike2153/NestWatcher-sub000/internal/models"
	"github.com/mike2153/NestWatcher-sub000/internal/store"
	"github.com/mike2153/NestWatcher-sub000/internal/telemetry"
)

// Parts CSVs use fixed column positions for the routing fields.
const (
	partsDestinationCol   = 7
	partsSourceMachineCol = 8
	partsMinColumns       = 9
)

// nestpickFileName is the only name the nestpick cell accepts for new work.
const nestpickFileName = "Nestpick.csv"

// Forwarder moves a cut job's parts file into the machine's nestpick folder
// and records the handoff.
type Forwarder struct {
	store       Store
	destination string
	log         logrus.FieldLogger
}

func NewForwarder(st Store, destination string, log logrus.FieldLogger) *Forwarder {
	return &Forwarder{store: st, destination: destination, log: log.WithField("component", "forwarder")}
}

// RewritePartsRows stamps the destination and source-machine columns on
// every data row. Exported parts files open with a header row, recognised
// by its "Destination" label; that row passes through untouched. Short rows
// are padded out to the routing columns.
func RewritePartsRows(data []byte, destination, source string) []byte {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if first && isPartsHeader(fields) {
			out = append(out, line)
			first = false
			continue
		}
		first = false
		for len(fields) < partsMinColumns {
			fields = append(fields, "")
		}
		fields[partsDestinationCol] = destination
		fields[partsSourceMachineCol] = source
		out = append(out, strings.Join(fields, ","))
	}
	return []byte(strings.Join(out, "\r\n") + "\r\n")
}

func isPartsHeader(fields []string) bool {
	return len(fields) > partsDestinationCol &&
		strings.EqualFold(strings.TrimSpace(fields[partsDestinationCol]), "destination")
}

// Forward locates the staged parts CSV for job, rewrites its routing
// columns, drops it in the machine's nestpick folder, and advances the job.
// The caller has already committed CNC_FINISH; errors here are reported,
// never rolled back into the lifecycle.
func (f *Forwarder) Forward(ctx context.Context, job models.Job, machine models.Machine) error {
	if !machine.NestpickEnabled || machine.NestpickFolder == "" {
		f.log.WithFields(logrus.Fields{"key": job.Key, "machine": machine.Token()}).
			Debug("nestpick disabled for machine, skipping forward")
		return nil
	}

	src, err := findPartsCSV(machine.APJobfolder, baseName(job.NCFile))
	if err != nil {
		return fmt.Errorf("locate parts file for %s: %w", job.Key, err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read parts file: %w", err)
	}

	target := filepath.Join(machine.NestpickFolder, nestpickFileName)
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("nestpick busy: %s still present", nestpickFileName)
	}
	rewritten := RewritePartsRows(data, f.destination, machine.Token())
	if err := writeAtomic(target, rewritten); err != nil {
		return fmt.Errorf("write %s: %w", nestpickFileName, err)
	}
	if err := os.Remove(src); err != nil {
		f.log.WithError(err).WithField("path", src).Warn("could not remove forwarded parts file")
	}
	telemetry.ForwardsTotal.Inc()

	res, err := f.store.UpdateLifecycle(ctx, job.Key, models.StatusForwardedToNestpick, store.LifecycleOptions{
		MachineID: &machine.MachineID,
		Source:    "forwarder",
		Payload:   map[string]any{"file": nestpickFileName},
	})
	if err != nil {
		return fmt.Errorf("record forward of %s: %w", job.Key, err)
	}
	if !res.OK && res.Reason != models.ReasonNoChange {
		f.log.WithFields(logrus.Fields{"key": job.Key, "reason": res.Reason}).
			Warn("forward recorded but transition rejected")
	}
	return nil
}

// findPartsCSV walks the machine's job folder for `<base>.csv`,
// case-insensitively.
func findPartsCSV(root, base string) (string, error) {
	want := strings.ToLower(base) + ".csv"
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.ToLower(d.Name()) == want {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no parts file %s under %s", want, root)
	}
	return found, nil
}

func baseName(name string) string {
	name = filepath.Base(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// writeAtomic lands content via temp file and rename so the consumer never
// reads a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".fwd-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
