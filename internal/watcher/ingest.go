package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mike2153/NestWatcher-sub000/internal/store"
	"github.com/mike2153/NestWatcher-sub000/internal/telemetry"
)

// maxKeyLen matches the width of the jobs.key column.
const maxKeyLen = 100

// Nesting programs carry their metadata in header comments under varying
// labels. Aliases are tried in order; the first hit wins.
var (
	materialAliases  = []string{"material", "type_data", "matl"}
	sizeAliases      = []string{"size", "dimension", "board"}
	thicknessAliases = []string{"thickness", "thick"}
	partsAliases     = []string{"parts", "part_count", "pieces"}

	metaPatterns = map[string]*regexp.Regexp{}
)

func init() {
	all := [][]string{materialAliases, sizeAliases, thicknessAliases, partsAliases}
	for _, group := range all {
		for _, alias := range group {
			metaPatterns[alias] = regexp.MustCompile(`(?i)` + alias + `\s*[:=]\s*([^\r\n;)]+)`)
		}
	}
}

func extractMeta(text string, aliases []string) string {
	for _, alias := range aliases {
		if m := metaPatterns[alias].FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// Ingestor scans the processed-jobs tree, registering every program it finds
// and pruning jobs whose program disappeared before work started.
type Ingestor struct {
	store Store
	root  string
	log   logrus.FieldLogger
}

func NewIngestor(st Store, root string, log logrus.FieldLogger) *Ingestor {
	return &Ingestor{store: st, root: root, log: log.WithField("component", "ingest")}
}

// Pass runs one scan. Any read error during the walk disables pruning for
// this pass: an unreadable share must never look like deleted work.
func (i *Ingestor) Pass(ctx context.Context) error {
	var present []string
	scanFailed := false

	err := filepath.WalkDir(i.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			i.log.WithError(err).WithField("path", path).Warn("scan error")
			scanFailed = true
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".nc") {
			return nil
		}
		rel, err := filepath.Rel(i.root, path)
		if err != nil {
			scanFailed = true
			return nil
		}
		key := filepath.ToSlash(rel)
		if len(key) > maxKeyLen {
			i.log.WithField("key", key).Warn("program path too long, skipping")
			return nil
		}
		row, err := i.buildRow(key, path, d.Name())
		if err != nil {
			i.log.WithError(err).WithField("key", key).Warn("could not read program")
			scanFailed = true
			return nil
		}
		if err := i.store.UpsertIngest(ctx, row); err != nil {
			return fmt.Errorf("ingest %s: %w", key, err)
		}
		present = append(present, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ingest pass: %w", err)
	}

	if scanFailed {
		telemetry.PruneSkips.Inc()
		i.log.Warn("scan errors during pass, pruning skipped")
		return nil
	}
	pruned, err := i.store.PruneMissing(ctx, present)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	if pruned > 0 {
		i.log.WithField("count", pruned).Info("pruned jobs with missing programs")
	}
	telemetry.IngestPasses.Inc()
	return nil
}

func (i *Ingestor) buildRow(key, path, name string) (store.IngestRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.IngestRow{}, err
	}
	text := string(data)
	folder := filepath.ToSlash(filepath.Dir(key))
	if folder == "." {
		folder = ""
	}
	return store.IngestRow{
		Key:       key,
		Folder:    folder,
		NCFile:    name,
		Material:  extractMeta(text, materialAliases),
		Size:      extractMeta(text, sizeAliases),
		Thickness: extractMeta(text, thicknessAliases),
		Parts:     extractMeta(text, partsAliases),
	}, nil
}
