package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mike2153/NestWatcher-sub000/internal/config"
	"github.com/mike2153/NestWatcher-sub000/internal/models"
)

// idColumn maps the configured material identity mode to the inventory
// column used for lookups.
func idColumn(idMode string) string {
	if idMode == "customer_id" {
		return "customer_id"
	}
	return "type_data::text"
}

// Reserve flips the soft pre-reservation flag on. It is a compare-and-set:
// of several concurrent calls on the same unreserved job exactly one
// succeeds. The inventory's reserved-stock aggregate is adjusted in the same
// transaction, by clamped delta or full recount per configuration.
func (s *Store) Reserve(ctx context.Context, key, actor, idMode, adjustMode string) (bool, error) {
	return s.setPreReserved(ctx, key, actor, idMode, adjustMode, true)
}

// Unreserve is the symmetric release of a pre-reservation.
func (s *Store) Unreserve(ctx context.Context, key, actor, idMode, adjustMode string) (bool, error) {
	return s.setPreReserved(ctx, key, actor, idMode, adjustMode, false)
}

func (s *Store) setPreReserved(ctx context.Context, key, actor, idMode, adjustMode string, want bool) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var material string
	err = tx.QueryRow(ctx, `
		UPDATE jobs SET pre_reserved = $2, updated_at = NOW()
		WHERE key = $1 AND pre_reserved = $3
		RETURNING material
	`, key, want, !want).Scan(&material)
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing job or flag already in the requested state; either way the
		// compare-and-set did not win.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("set pre_reserved: %w", err)
	}

	delta := 1
	eventType := "reserve"
	if !want {
		delta = -1
		eventType = "unreserve"
	}
	if err := adjustReservedTx(ctx, tx, material, delta, idMode, adjustMode); err != nil {
		return false, err
	}

	ev := models.JobEvent{Key: key, EventType: eventType, Payload: map[string]any{"actor": actor, "material": material}}
	ev, err = appendEventTx(ctx, tx, ev)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	s.fireHooks([]models.JobEvent{ev})
	return true, nil
}

// adjustReservedTx keeps the reserved_stock aggregate in step with the
// pre-reserved flags: clamped increment/decrement in delta mode, full
// recount in recount mode. A material with no inventory row is ignored.
func adjustReservedTx(ctx context.Context, tx pgx.Tx, material string, delta int, idMode, adjustMode string) error {
	col := idColumn(idMode)
	var err error
	if adjustMode == config.AdjustModeRecount {
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			UPDATE grundner_stock SET reserved_stock = (
				SELECT COUNT(*) FROM jobs WHERE pre_reserved AND material = $1
			), updated_at = NOW()
			WHERE %s = $1
		`, col), material)
	} else {
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			UPDATE grundner_stock
			SET reserved_stock = GREATEST(0, reserved_stock + $2), updated_at = NOW()
			WHERE %s = $1
		`, col), material, delta)
	}
	if err != nil {
		return fmt.Errorf("adjust reserved stock: %w", err)
	}
	return nil
}

// RecountReserved resynchronizes every inventory row's reserved_stock to the
// count of pre-reserved jobs for its material. Run periodically in delta
// mode, where partial failures can let the aggregate drift.
func (s *Store) RecountReserved(ctx context.Context, idMode string) error {
	col := "g." + idColumn(idMode)
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE grundner_stock g SET reserved_stock = (
			SELECT COUNT(*) FROM jobs j WHERE j.pre_reserved AND j.material = %s
		), updated_at = NOW()
	`, col))
	if err != nil {
		return fmt.Errorf("recount reserved stock: %w", err)
	}
	return nil
}

// StockRows returns the current inventory table.
func (s *Store) StockRows(ctx context.Context) ([]models.StockRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type_data, customer_id, length_mm, width_mm, thickness_mm,
		       stock, stock_available, reserved_stock, updated_at
		FROM grundner_stock
	`)
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	defer rows.Close()
	var out []models.StockRow
	for rows.Next() {
		var (
			r        models.StockRow
			typeData *int
			cust     *string
		)
		if err := rows.Scan(&r.ID, &typeData, &cust, &r.LengthMM, &r.WidthMM,
			&r.ThicknessMM, &r.Stock, &r.StockAvailable, &r.ReservedStock, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stock row: %w", err)
		}
		r.TypeData = typeData
		if cust != nil {
			r.CustomerID = *cust
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LockedCountByMaterial counts jobs holding a hard lock that have not yet
// reached the terminal handling-complete state, grouped by material. These
// sheets are spoken for and reduce effective availability.
func (s *Store) LockedCountByMaterial(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT material, COUNT(*) FROM jobs
		WHERE is_locked AND status <> $1
		GROUP BY material
	`, models.StatusNestpickComplete)
	if err != nil {
		return nil, fmt.Errorf("query locked counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var material string
		var n int
		if err := rows.Scan(&material, &n); err != nil {
			return nil, fmt.Errorf("scan locked count: %w", err)
		}
		out[material] = n
	}
	return out, rows.Err()
}

// SetLocked flips the hard-claim flag via compare-and-set. Locking
// additionally requires the job to still be PENDING; locking only makes
// sense before staging.
func (s *Store) SetLocked(ctx context.Context, key string, locked bool, actor string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var tag string
	if locked {
		tag = "lock"
		ct, err := tx.Exec(ctx, `
			UPDATE jobs SET is_locked = TRUE, updated_at = NOW()
			WHERE key = $1 AND NOT is_locked AND status = $2
		`, key, models.StatusPending)
		if err != nil {
			return false, fmt.Errorf("lock job: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return false, nil
		}
	} else {
		tag = "unlock"
		ct, err := tx.Exec(ctx, `
			UPDATE jobs SET is_locked = FALSE, updated_at = NOW()
			WHERE key = $1 AND is_locked
		`, key)
		if err != nil {
			return false, fmt.Errorf("unlock job: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return false, nil
		}
	}

	ev := models.JobEvent{Key: key, EventType: tag, Payload: map[string]any{"actor": actor}}
	ev, err = appendEventTx(ctx, tx, ev)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	s.fireHooks([]models.JobEvent{ev})
	return true, nil
}
