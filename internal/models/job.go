package models

import (
	"strconv"
	"time"
)

// Lifecycle states persisted in Postgres. The order is fixed: a job only
// ever moves forward through this sequence, except for the dedicated
// restage reset.
const (
	StatusPending             = "PENDING"
	StatusStaged              = "STAGED"
	StatusLoadFinish          = "LOAD_FINISH"
	StatusLabelFinish         = "LABEL_FINISH"
	StatusCNCFinish           = "CNC_FINISH"
	StatusForwardedToNestpick = "FORWARDED_TO_NESTPICK"
	StatusNestpickComplete    = "NESTPICK_COMPLETE"
)

// Job represents one cut-sheet program tracked through the lifecycle.
type Job struct {
	Key                 string     `json:"key"`
	Folder              string     `json:"folder"`
	NCFile              string     `json:"ncfile"`
	Material            string     `json:"material"`
	Size                string     `json:"size,omitempty"`
	Thickness           string     `json:"thickness,omitempty"`
	Parts               string     `json:"parts,omitempty"`
	MachineID           *int       `json:"machine_id,omitempty"`
	Status              string     `json:"status"`
	StagedAt            *time.Time `json:"staged_at,omitempty"`
	CutAt               *time.Time `json:"cut_at,omitempty"`
	NestpickCompletedAt *time.Time `json:"nestpick_completed_at,omitempty"`
	Pallet              string     `json:"pallet,omitempty"`
	LastError           *string    `json:"last_error,omitempty"`
	PreReserved         bool       `json:"pre_reserved"`
	Locked              bool       `json:"is_locked"`
	DateAdded           time.Time  `json:"dateadded"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// JobEvent is an append-only audit row; never updated, only cascade-deleted
// with its job.
type JobEvent struct {
	ID        int64          `json:"id"`
	Key       string         `json:"key"`
	MachineID *int           `json:"machine_id,omitempty"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Machine is the fleet roster entry. Read-only from this service's
// perspective; owned by fleet configuration.
type Machine struct {
	MachineID       int    `json:"machine_id"`
	Name            string `json:"name"`
	PCIP            string `json:"pc_ip,omitempty"`
	APJobfolder     string `json:"ap_jobfolder"`
	NestpickFolder  string `json:"nestpick_folder"`
	NestpickEnabled bool   `json:"nestpick_enabled"`
}

// Token returns the identifier machines embed in AutoPAC status filenames:
// the display name when set, else the numeric id.
func (m Machine) Token() string {
	if m.Name != "" {
		return m.Name
	}
	return strconv.Itoa(m.MachineID)
}

// StockRow mirrors one Grundner inventory row. ReservedStock is a derived
// aggregate kept equal to the count of pre-reserved jobs for the material.
type StockRow struct {
	ID             int64     `json:"id"`
	TypeData       *int      `json:"type_data,omitempty"`
	CustomerID     string    `json:"customer_id,omitempty"`
	LengthMM       *int      `json:"length_mm,omitempty"`
	WidthMM        *int      `json:"width_mm,omitempty"`
	ThicknessMM    *int      `json:"thickness_mm,omitempty"`
	Stock          int       `json:"stock"`
	StockAvailable *int      `json:"stock_available,omitempty"`
	ReservedStock  int       `json:"reserved_stock"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Available prefers the explicit stock_available column and falls back to
// the raw stock count when the controller does not report one.
func (r StockRow) Available() int {
	if r.StockAvailable != nil {
		return *r.StockAvailable
	}
	return r.Stock
}
