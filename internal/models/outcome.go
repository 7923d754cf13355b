package models

import "time"

// Outcome reasons. Validation and precondition failures are returned as
// typed outcomes, not errors; callers branch on Reason.
const (
	ReasonNotFound          = "NOT_FOUND"
	ReasonInvalidTransition = "INVALID_TRANSITION"
	ReasonNoChange          = "NO_CHANGE"
	ReasonInsufficientStock = "INSUFFICIENT_STOCK"
	ReasonTimeout           = "HANDSHAKE_TIMEOUT"
	ReasonMismatch          = "HANDSHAKE_MISMATCH"
	ReasonBusy              = "BUSY"
	ReasonAlreadyLocked     = "ALREADY_LOCKED"
	ReasonNotPending        = "NOT_PENDING"
	ReasonEmptyBatch        = "EMPTY_BATCH"
	ReasonNotLocked         = "NOT_LOCKED"
)

// LifecycleResult reports the outcome of an updateLifecycle call.
type LifecycleResult struct {
	OK         bool       `json:"ok"`
	Reason     string     `json:"reason,omitempty"`
	PrevStatus string     `json:"prev_status,omitempty"`
	Status     string     `json:"status,omitempty"`
	MachineID  *int       `json:"machine_id,omitempty"`
	StagedAt   *time.Time `json:"staged_at,omitempty"`
	CutAt      *time.Time `json:"cut_at,omitempty"`
	NestpickAt *time.Time `json:"nestpick_completed_at,omitempty"`
}

// RestageResult reports the outcome of a restage reset.
type RestageResult struct {
	Reset     bool   `json:"reset"`
	Iteration int    `json:"iteration,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Shortfall itemizes one material group that cannot cover a batch lock.
type Shortfall struct {
	Material  string `json:"material"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

// LockBatchResult is all-or-nothing: Locked is only populated when the
// whole batch committed.
type LockBatchResult struct {
	OK         bool        `json:"ok"`
	Reason     string      `json:"reason,omitempty"`
	Shortfalls []Shortfall `json:"shortfalls,omitempty"`
	Locked     []string    `json:"locked,omitempty"`
	Missing    []string    `json:"missing,omitempty"`
	Ineligible []ItemError `json:"ineligible,omitempty"`
	Failed     []ItemError `json:"failed,omitempty"`
}

// ItemError records one failed item inside a batch that otherwise went on.
type ItemError struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// UnlockResult collects per-job outcomes; individual failures do not abort
// the jobs that succeeded.
type UnlockResult struct {
	OK       bool        `json:"ok"`
	Reason   string      `json:"reason,omitempty"`
	Unlocked []string    `json:"unlocked,omitempty"`
	Failed   []ItemError `json:"failed,omitempty"`
}
