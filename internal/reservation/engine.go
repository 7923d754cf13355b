// Package reservation implements the two-tier claim scheme on jobs: soft
// pre-reservations that only touch the database, and hard locks that commit
// only after the Grundner controller confirms the exchange.
package reservation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mike2153/NestWatcher-sub000/internal/grundner"
	"github.com/mike2153/NestWatcher-sub000/internal/models"
)

// Store is the slice of the job store the engine needs.
type Store interface {
	GetJobs(ctx context.Context, keys []string) ([]models.Job, error)
	StockRows(ctx context.Context) ([]models.StockRow, error)
	LockedCountByMaterial(ctx context.Context) (map[string]int, error)
	SetLocked(ctx context.Context, key string, locked bool, actor string) (bool, error)
	Reserve(ctx context.Context, key, actor, idMode, adjustMode string) (bool, error)
	Unreserve(ctx context.Context, key, actor, idMode, adjustMode string) (bool, error)
}

// Confirmer runs one handshake exchange; satisfied by *grundner.Exchange.
type Confirmer interface {
	Run(ctx context.Context, payload string) (grundner.Result, error)
}

// Engine coordinates reservations, the inventory aggregate and the two
// handshake exchanges.
type Engine struct {
	store      Store
	orders     Confirmer
	deletes    Confirmer
	idMode     string
	adjustMode string
	log        logrus.FieldLogger
}

func NewEngine(store Store, orders, deletes Confirmer, idMode, adjustMode string, log logrus.FieldLogger) *Engine {
	return &Engine{
		store:      store,
		orders:     orders,
		deletes:    deletes,
		idMode:     idMode,
		adjustMode: adjustMode,
		log:        log,
	}
}

// Reserve places the soft claim; exactly one of several concurrent calls on
// the same unreserved job wins.
func (e *Engine) Reserve(ctx context.Context, key, actor string) (bool, error) {
	return e.store.Reserve(ctx, key, actor, e.idMode, e.adjustMode)
}

// Unreserve releases the soft claim.
func (e *Engine) Unreserve(ctx context.Context, key, actor string) (bool, error) {
	return e.store.Unreserve(ctx, key, actor, e.idMode, e.adjustMode)
}

// Lock hard-claims a single job; it is the one-element batch flow.
func (e *Engine) Lock(ctx context.Context, key, actor string) (models.LockBatchResult, error) {
	return e.LockBatch(ctx, []string{key}, actor)
}

// LockBatch commits a production order. All-or-nothing: any missing job,
// ineligible job or short material group rejects the whole batch, and jobs
// are only marked locked after the controller confirmed the order exchange.
func (e *Engine) LockBatch(ctx context.Context, keys []string, actor string) (models.LockBatchResult, error) {
	keys = dedupe(keys)
	if len(keys) == 0 {
		return models.LockBatchResult{Reason: models.ReasonEmptyBatch}, nil
	}

	jobs, err := e.store.GetJobs(ctx, keys)
	if err != nil {
		return models.LockBatchResult{}, fmt.Errorf("load batch jobs: %w", err)
	}
	found := make(map[string]models.Job, len(jobs))
	for _, j := range jobs {
		found[j.Key] = j
	}
	var missing []string
	for _, k := range keys {
		if _, ok := found[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return models.LockBatchResult{Reason: models.ReasonNotFound, Missing: missing}, nil
	}

	var ineligible []models.ItemError
	for _, k := range keys {
		j := found[k]
		switch {
		case j.Locked:
			ineligible = append(ineligible, models.ItemError{Key: k, Reason: models.ReasonAlreadyLocked})
		case j.Status != models.StatusPending:
			ineligible = append(ineligible, models.ItemError{Key: k, Reason: models.ReasonNotPending})
		}
	}
	if len(ineligible) > 0 {
		return models.LockBatchResult{Reason: models.ReasonNotPending, Ineligible: ineligible}, nil
	}

	stock, err := e.store.StockRows(ctx)
	if err != nil {
		return models.LockBatchResult{}, fmt.Errorf("load stock: %w", err)
	}
	lockedBy, err := e.store.LockedCountByMaterial(ctx)
	if err != nil {
		return models.LockBatchResult{}, fmt.Errorf("load locked counts: %w", err)
	}

	ordered := make([]models.Job, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, found[k])
	}
	plan := BuildPlan(ordered, stock, lockedBy, e.idMode)
	if len(plan.Shortfalls) > 0 {
		return models.LockBatchResult{
			Reason:     models.ReasonInsufficientStock,
			Shortfalls: plan.Shortfalls,
		}, nil
	}

	// One exchange for the whole batch; nothing is locked until the
	// controller echoes the order back.
	res, err := e.orders.Run(ctx, grundner.EncodeOrderRows(plan.Rows))
	if err != nil {
		return models.LockBatchResult{}, fmt.Errorf("order exchange: %w", err)
	}
	if !res.Confirmed {
		e.log.WithFields(logrus.Fields{"reason": res.Reason, "exchange": res.ExchangeID}).
			Warn("order exchange not confirmed, batch not locked")
		return models.LockBatchResult{Reason: res.Reason}, nil
	}

	out := models.LockBatchResult{OK: true}
	for _, k := range keys {
		ok, err := e.store.SetLocked(ctx, k, true, actor)
		if err != nil {
			out.Failed = append(out.Failed, models.ItemError{Key: k, Reason: err.Error()})
			continue
		}
		if !ok {
			// Lost a race between planning and commit.
			out.Failed = append(out.Failed, models.ItemError{Key: k, Reason: models.ReasonAlreadyLocked})
			continue
		}
		out.Locked = append(out.Locked, k)
	}
	return out, nil
}

// Unlock releases hard claims. The delete-confirmation exchange runs first;
// only then are flags flipped job-by-job, collecting individual failures
// without aborting the rest.
func (e *Engine) Unlock(ctx context.Context, keys []string, actor string) (models.UnlockResult, error) {
	keys = dedupe(keys)
	if len(keys) == 0 {
		return models.UnlockResult{Reason: models.ReasonEmptyBatch}, nil
	}

	jobs, err := e.store.GetJobs(ctx, keys)
	if err != nil {
		return models.UnlockResult{}, fmt.Errorf("load unlock jobs: %w", err)
	}
	found := make(map[string]models.Job, len(jobs))
	for _, j := range jobs {
		found[j.Key] = j
	}

	var out models.UnlockResult
	var rows []grundner.DeleteRow
	var eligible []string
	for _, k := range keys {
		j, ok := found[k]
		if !ok {
			out.Failed = append(out.Failed, models.ItemError{Key: k, Reason: models.ReasonNotFound})
			continue
		}
		if !j.Locked {
			out.Failed = append(out.Failed, models.ItemError{Key: k, Reason: models.ReasonNotLocked})
			continue
		}
		machine := 0
		if j.MachineID != nil {
			machine = *j.MachineID
		}
		rows = append(rows, grundner.DeleteRow{
			NCFile:   j.NCFile,
			Material: NormalizeMaterial(j.Material),
			Qty:      1,
			Machine:  machine,
		})
		eligible = append(eligible, k)
	}
	if len(eligible) == 0 {
		out.Reason = models.ReasonNotLocked
		return out, nil
	}

	res, err := e.deletes.Run(ctx, grundner.EncodeDeleteRows(rows))
	if err != nil {
		return models.UnlockResult{}, fmt.Errorf("delete exchange: %w", err)
	}
	if !res.Confirmed {
		e.log.WithFields(logrus.Fields{"reason": res.Reason, "exchange": res.ExchangeID}).
			Warn("delete exchange not confirmed, nothing unlocked")
		out.Reason = res.Reason
		return out, nil
	}

	for _, k := range eligible {
		ok, err := e.store.SetLocked(ctx, k, false, actor)
		if err != nil {
			out.Failed = append(out.Failed, models.ItemError{Key: k, Reason: err.Error()})
			continue
		}
		if !ok {
			out.Failed = append(out.Failed, models.ItemError{Key: k, Reason: models.ReasonNotLocked})
			continue
		}
		out.Unlocked = append(out.Unlocked, k)
	}
	out.OK = len(out.Failed) == 0
	return out, nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
