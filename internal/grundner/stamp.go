package grundner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	quarantineDir = "quarantine"
	archiveDir    = "archive"
)

// stampedName builds "<base>_<DD.MM_HH.MM.SS><ext>" for moved-aside files.
func stampedName(name string, t time.Time) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%s%s", base, t.Format("02.01_15.04.05"), ext)
}

// freePath appends _1, _2, ... before the extension until the candidate does
// not exist, so two moves within the same second cannot collide.
func freePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// moveAside relocates path into a subfolder of its directory under a
// timestamped, collision-safe name and returns the destination. Used for
// both quarantined and archived replies; nothing is ever silently deleted
// on the quarantine path.
func moveAside(path, subdir string, t time.Time) (string, error) {
	dir := filepath.Join(filepath.Dir(path), subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s dir: %w", subdir, err)
	}
	dst := freePath(dir, stampedName(filepath.Base(path), t))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move %s aside: %w", filepath.Base(path), err)
	}
	return dst, nil
}

// atomicWrite lands data under a temp name in the target directory and
// renames it into place, so watchers on the other side never observe a
// partial file.
func atomicWrite(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixMilli())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
