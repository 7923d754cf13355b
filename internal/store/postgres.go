package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mike2153/NestWatcher-sub000/internal/models"
)

// Store wraps pgxpool for Postgres persistence. All multi-step mutations run
// inside transactions holding pessimistic row locks, so concurrent
// transitions or claims on the same job are strictly serialized.
type Store struct {
	pool  *pgxpool.Pool
	hooks []func(models.JobEvent)
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// OnEvent registers a post-commit hook, called once per appended job event
// after its owning transaction commits. Hooks run best-effort: a panicking
// or slow hook must not undo the already-committed mutation, so each runs
// isolated.
func (s *Store) OnEvent(fn func(models.JobEvent)) {
	s.hooks = append(s.hooks, fn)
}

func (s *Store) fireHooks(events []models.JobEvent) {
	for _, ev := range events {
		for _, fn := range s.hooks {
			func() {
				defer func() { _ = recover() }()
				fn(ev)
			}()
		}
	}
}

const jobColumns = `key, folder, ncfile, material, size, thickness, parts,
	machine_id, status, staged_at, cut_at, nestpick_completed_at, pallet,
	last_error, pre_reserved, is_locked, dateadded, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job       models.Job
		machineID pgtype.Int4
		staged    pgtype.Timestamptz
		cut       pgtype.Timestamptz
		nestpick  pgtype.Timestamptz
		lastErr   pgtype.Text
		pallet    pgtype.Text
	)
	err := row.Scan(&job.Key, &job.Folder, &job.NCFile, &job.Material, &job.Size,
		&job.Thickness, &job.Parts, &machineID, &job.Status, &staged, &cut,
		&nestpick, &pallet, &lastErr, &job.PreReserved, &job.Locked,
		&job.DateAdded, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	if machineID.Valid {
		id := int(machineID.Int32)
		job.MachineID = &id
	}
	job.StagedAt = tsPtr(staged)
	job.CutAt = tsPtr(cut)
	job.NestpickCompletedAt = tsPtr(nestpick)
	job.LastError = textPtr(lastErr)
	if pallet.Valid {
		job.Pallet = pallet.String
	}
	return job, nil
}

// GetJob fetches a job by key. The boolean is false when no such job exists.
func (s *Store) GetJob(ctx context.Context, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE key = $1`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("scan job: %w", err)
	}
	return job, true, nil
}

// GetJobs fetches several jobs by key; missing keys are simply absent from
// the result.
func (s *Store) GetJobs(ctx context.Context, keys []string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// FindJobByBase matches a job by the base name of its stored program file,
// case-insensitively, with or without the extension. Status-file rows
// reference jobs this way.
func (s *Store) FindJobByBase(ctx context.Context, base string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE lower(regexp_replace(ncfile, '\.[^.]*$', '')) = lower(regexp_replace($1, '\.[^.]*$', ''))
		ORDER BY dateadded DESC
		LIMIT 1
	`, base)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("scan job by base: %w", err)
	}
	return job, true, nil
}

// appendEventTx writes one audit row inside the caller's transaction and
// returns it with id and timestamp filled in.
func appendEventTx(ctx context.Context, tx pgx.Tx, ev models.JobEvent) (models.JobEvent, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return ev, fmt.Errorf("marshal event payload: %w", err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO job_events (key, machine_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at
	`, ev.Key, ev.MachineID, ev.EventType, payload).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return ev, fmt.Errorf("insert job event: %w", err)
	}
	return ev, nil
}

// AppendEvent writes a standalone audit row (outside any job mutation) and
// fires post-commit hooks.
func (s *Store) AppendEvent(ctx context.Context, ev models.JobEvent) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	ev, err = appendEventTx(ctx, tx, ev)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.fireHooks([]models.JobEvent{ev})
	return nil
}

// ListEvents returns the newest events for a job, for timeline display.
func (s *Store) ListEvents(ctx context.Context, key string, limit int) ([]models.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, key, machine_id, event_type, payload, created_at
		FROM job_events WHERE key = $1
		ORDER BY id DESC LIMIT $2
	`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []models.JobEvent
	for rows.Next() {
		var (
			ev        models.JobEvent
			machineID pgtype.Int4
			payload   []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Key, &machineID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if machineID.Valid {
			id := int(machineID.Int32)
			ev.MachineID = &id
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListMachines returns the fleet roster.
func (s *Store) ListMachines(ctx context.Context) ([]models.Machine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT machine_id, COALESCE(name, ''), COALESCE(pc_ip, ''),
		       COALESCE(ap_jobfolder, ''), COALESCE(nestpick_folder, ''), nestpick_enabled
		FROM machines ORDER BY machine_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query machines: %w", err)
	}
	defer rows.Close()
	var out []models.Machine
	for rows.Next() {
		var m models.Machine
		if err := rows.Scan(&m.MachineID, &m.Name, &m.PCIP, &m.APJobfolder, &m.NestpickFolder, &m.NestpickEnabled); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
