package store

import (
	"context"
	"fmt"
)

// IngestRow is the metadata parsed from one program file on disk.
type IngestRow struct {
	Key       string
	Folder    string
	NCFile    string
	Material  string
	Size      string
	Thickness string
	Parts     string
}

// UpsertIngest inserts a newly discovered job or refreshes parsed metadata
// on an existing one. Existing non-empty values are never overwritten by an
// empty parse result.
func (s *Store) UpsertIngest(ctx context.Context, r IngestRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (key, folder, ncfile, material, size, thickness, parts, status, dateadded, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', NOW(), NOW())
		ON CONFLICT (key) DO UPDATE SET
			folder    = EXCLUDED.folder,
			ncfile    = EXCLUDED.ncfile,
			material  = CASE WHEN EXCLUDED.material  <> '' THEN EXCLUDED.material  ELSE jobs.material  END,
			size      = CASE WHEN EXCLUDED.size      <> '' THEN EXCLUDED.size      ELSE jobs.size      END,
			thickness = CASE WHEN EXCLUDED.thickness <> '' THEN EXCLUDED.thickness ELSE jobs.thickness END,
			parts     = CASE WHEN EXCLUDED.parts     <> '' THEN EXCLUDED.parts     ELSE jobs.parts     END,
			updated_at = NOW()
	`, r.Key, r.Folder, r.NCFile, r.Material, r.Size, r.Thickness, r.Parts)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", r.Key, err)
	}
	return nil
}

// PruneMissing deletes jobs still in the initial state whose program no
// longer exists on disk. Jobs past PENDING are never pruned, even when their
// file is absent. The caller must skip this entirely if its scan hit any
// read error.
func (s *Store) PruneMissing(ctx context.Context, present []string) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE status = 'PENDING' AND NOT (key = ANY($1))
	`, present)
	if err != nil {
		return 0, fmt.Errorf("prune missing jobs: %w", err)
	}
	return ct.RowsAffected(), nil
}
