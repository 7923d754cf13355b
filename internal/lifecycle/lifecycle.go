package lifecycle

import (
	"time"

	"github.com/mike2153/NestWatcher-sub000/internal/models"
)

// Order is the canonical forward sequence. A transition to target T is
// permitted only when the current status is T itself or precedes T.
var Order = []string{
	models.StatusPending,
	models.StatusStaged,
	models.StatusLoadFinish,
	models.StatusLabelFinish,
	models.StatusCNCFinish,
	models.StatusForwardedToNestpick,
	models.StatusNestpickComplete,
}

var rank = func() map[string]int {
	m := make(map[string]int, len(Order))
	for i, s := range Order {
		m[s] = i
	}
	return m
}()

// Known reports whether s is one of the lifecycle states.
func Known(s string) bool {
	_, ok := rank[s]
	return ok
}

// CanTransition applies the allowed-from rule: current must be the target
// itself (idempotent re-application) or any canonically preceding state.
func CanTransition(current, target string) bool {
	cr, ok := rank[current]
	if !ok {
		return false
	}
	tr, ok := rank[target]
	if !ok {
		return false
	}
	return cr <= tr
}

// CanRestage gates the one sanctioned regression path.
func CanRestage(current string) bool {
	switch current {
	case models.StatusCNCFinish, models.StatusForwardedToNestpick, models.StatusNestpickComplete:
		return true
	}
	return false
}

// Patch is the minimal set of column changes a transition produces. Nil
// fields are left untouched.
type Patch struct {
	Status     *string
	StagedAt   *time.Time
	CutAt      *time.Time
	NestpickAt *time.Time
	MachineID  *int
}

// Empty reports whether applying the patch would change nothing; the caller
// then returns NO_CHANGE without writing or appending an event.
func (p Patch) Empty() bool {
	return p.Status == nil && p.StagedAt == nil && p.CutAt == nil &&
		p.NestpickAt == nil && p.MachineID == nil
}

// BuildPatch computes the minimal patch for moving job to target at now.
// Milestone timestamps are first-arrival-wins: an already-set timestamp is
// never overwritten. The machine id is included only when explicitly
// supplied and different from the current assignment.
func BuildPatch(job models.Job, target string, machineID *int, now time.Time) Patch {
	var p Patch
	if job.Status != target {
		t := target
		p.Status = &t
	}
	switch target {
	case models.StatusStaged, models.StatusLoadFinish, models.StatusLabelFinish:
		if job.StagedAt == nil {
			ts := now
			p.StagedAt = &ts
		}
	case models.StatusCNCFinish:
		if job.CutAt == nil {
			ts := now
			p.CutAt = &ts
		}
	case models.StatusNestpickComplete:
		if job.NestpickCompletedAt == nil {
			ts := now
			p.NestpickAt = &ts
		}
	}
	if machineID != nil && (job.MachineID == nil || *job.MachineID != *machineID) {
		id := *machineID
		p.MachineID = &id
	}
	return p
}
