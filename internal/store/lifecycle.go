package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mike2153/NestWatcher-sub000/internal/lifecycle"
	"github.com/mike2153/NestWatcher-sub000/internal/models"
)

// LifecycleOptions carries the optional inputs of an updateLifecycle call.
type LifecycleOptions struct {
	MachineID *int
	Pallet    *string
	Source    string
	Payload   map[string]any
}

// UpdateLifecycle transactionally moves a job to target. It acquires a row
// lock, re-reads the current state, validates the transition, applies the
// minimal patch and appends a status event. Re-applying the same target is a
// safe no-op reported as NO_CHANGE without a write or an event.
func (s *Store) UpdateLifecycle(ctx context.Context, key, target string, opts LifecycleOptions) (models.LifecycleResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.LifecycleResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE key = $1 FOR UPDATE`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LifecycleResult{Reason: models.ReasonNotFound}, nil
	}
	if err != nil {
		return models.LifecycleResult{}, fmt.Errorf("lock job row: %w", err)
	}

	if !lifecycle.Known(target) || !lifecycle.CanTransition(job.Status, target) {
		return models.LifecycleResult{
			Reason:     models.ReasonInvalidTransition,
			PrevStatus: job.Status,
		}, nil
	}

	now := time.Now().UTC()
	patch := lifecycle.BuildPatch(job, target, opts.MachineID, now)
	palletChanged := opts.Pallet != nil && *opts.Pallet != job.Pallet
	if patch.Empty() && !palletChanged {
		return models.LifecycleResult{
			Reason:     models.ReasonNoChange,
			PrevStatus: job.Status,
			Status:     job.Status,
			MachineID:  job.MachineID,
			StagedAt:   job.StagedAt,
			CutAt:      job.CutAt,
			NestpickAt: job.NestpickCompletedAt,
		}, nil
	}

	prev := job.Status
	set := []string{"updated_at = NOW()"}
	args := []any{key}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
		job.Status = *patch.Status
	}
	if patch.StagedAt != nil {
		add("staged_at", *patch.StagedAt)
		job.StagedAt = patch.StagedAt
	}
	if patch.CutAt != nil {
		add("cut_at", *patch.CutAt)
		job.CutAt = patch.CutAt
	}
	if patch.NestpickAt != nil {
		add("nestpick_completed_at", *patch.NestpickAt)
		job.NestpickCompletedAt = patch.NestpickAt
	}
	if patch.MachineID != nil {
		add("machine_id", *patch.MachineID)
		job.MachineID = patch.MachineID
	}
	if palletChanged {
		add("pallet", *opts.Pallet)
		job.Pallet = *opts.Pallet
	}

	query := "UPDATE jobs SET " + strings.Join(set, ", ") + " WHERE key = $1"
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return models.LifecycleResult{}, fmt.Errorf("apply lifecycle patch: %w", err)
	}

	payload := map[string]any{
		"prev": prev,
		"next": target,
	}
	if opts.Source != "" {
		payload["source"] = opts.Source
	}
	for k, v := range opts.Payload {
		payload[k] = v
	}
	ev := models.JobEvent{
		Key:       key,
		MachineID: job.MachineID,
		EventType: "status:" + target,
		Payload:   payload,
	}
	ev, err = appendEventTx(ctx, tx, ev)
	if err != nil {
		return models.LifecycleResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.LifecycleResult{}, fmt.Errorf("commit: %w", err)
	}
	s.fireHooks([]models.JobEvent{ev})

	return models.LifecycleResult{
		OK:         true,
		PrevStatus: prev,
		Status:     job.Status,
		MachineID:  job.MachineID,
		StagedAt:   job.StagedAt,
		CutAt:      job.CutAt,
		NestpickAt: job.NestpickCompletedAt,
	}, nil
}

// ResetForRestage is the one sanctioned regression path: from CNC_FINISH,
// FORWARDED_TO_NESTPICK or NESTPICK_COMPLETE it atomically resets the job to
// PENDING and clears machine, milestones and pallet, recording an event with
// an incrementing iteration counter and a snapshot of the cleared values.
// From any other status it is a no-op returning reset:false.
func (s *Store) ResetForRestage(ctx context.Context, key string) (models.RestageResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.RestageResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE key = $1 FOR UPDATE`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RestageResult{Reason: models.ReasonNotFound}, nil
	}
	if err != nil {
		return models.RestageResult{}, fmt.Errorf("lock job row: %w", err)
	}

	if !lifecycle.CanRestage(job.Status) {
		return models.RestageResult{Reason: models.ReasonInvalidTransition}, nil
	}

	var prior int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_events WHERE key = $1 AND event_type = 'restage'
	`, key).Scan(&prior); err != nil {
		return models.RestageResult{}, fmt.Errorf("count prior restages: %w", err)
	}
	iteration := prior + 1

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, machine_id = NULL, staged_at = NULL,
		       cut_at = NULL, nestpick_completed_at = NULL, pallet = NULL,
		       updated_at = NOW()
		WHERE key = $1
	`, key, models.StatusPending); err != nil {
		return models.RestageResult{}, fmt.Errorf("reset job: %w", err)
	}

	ev := models.JobEvent{
		Key:       key,
		MachineID: job.MachineID,
		EventType: "restage",
		Payload: map[string]any{
			"iteration": iteration,
			"cleared": map[string]any{
				"status":                job.Status,
				"machine_id":            job.MachineID,
				"staged_at":             job.StagedAt,
				"cut_at":                job.CutAt,
				"nestpick_completed_at": job.NestpickCompletedAt,
				"pallet":                job.Pallet,
			},
		},
	}
	ev, err = appendEventTx(ctx, tx, ev)
	if err != nil {
		return models.RestageResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.RestageResult{}, fmt.Errorf("commit: %w", err)
	}
	s.fireHooks([]models.JobEvent{ev})
	return models.RestageResult{Reset: true, Iteration: iteration}, nil
}
