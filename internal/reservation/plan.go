package reservation

import (
	"sort"
	"strconv"
	"strings"

	"github.com/mike2153/NestWatcher-sub000/internal/grundner"
	"github.com/mike2153/NestWatcher-sub000/internal/models"
)

// UnknownMaterial buckets jobs whose material did not parse; the group is
// always treated as unavailable so a bad parse can never consume stock.
const UnknownMaterial = "unknown"

// NormalizeMaterial trims the identifier and maps blanks to the unknown
// bucket.
func NormalizeMaterial(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return UnknownMaterial
	}
	return s
}

// Plan is the precomputed outcome of a batch-lock attempt: either the order
// rows to send to the controller, or the itemized shortfalls that reject the
// whole batch.
type Plan struct {
	Rows       []grundner.OrderRow
	Shortfalls []models.Shortfall
}

// stockIndex keys inventory rows by the configured material identity column.
func stockIndex(stock []models.StockRow, idMode string) map[string]models.StockRow {
	out := make(map[string]models.StockRow, len(stock))
	for _, r := range stock {
		if idMode == "customer_id" {
			if r.CustomerID != "" {
				out[r.CustomerID] = r
			}
			continue
		}
		if r.TypeData != nil {
			out[strconv.Itoa(*r.TypeData)] = r
		}
	}
	return out
}

// BuildPlan groups jobs by normalized material, computes effective
// availability per group (available if reported, else raw stock, minus stock
// already locked elsewhere), and either emits one order row per job or the
// full shortfall list. Any short group rejects the entire batch: a plan with
// shortfalls carries no rows.
func BuildPlan(jobs []models.Job, stock []models.StockRow, lockedByMaterial map[string]int, idMode string) Plan {
	groups := make(map[string][]models.Job)
	for _, j := range jobs {
		m := NormalizeMaterial(j.Material)
		groups[m] = append(groups[m], j)
	}

	materials := make([]string, 0, len(groups))
	for m := range groups {
		materials = append(materials, m)
	}
	sort.Strings(materials)

	idx := stockIndex(stock, idMode)
	var plan Plan
	for _, m := range materials {
		required := len(groups[m])
		available := 0
		if m != UnknownMaterial {
			if row, ok := idx[m]; ok {
				available = row.Available() - lockedByMaterial[m]
				if available < 0 {
					available = 0
				}
			}
		}
		if required > available {
			plan.Shortfalls = append(plan.Shortfalls, models.Shortfall{
				Material:  m,
				Required:  required,
				Available: available,
			})
			continue
		}
		for _, j := range groups[m] {
			plan.Rows = append(plan.Rows, grundner.OrderRow{NCFile: j.NCFile, Material: m, Qty: 1})
		}
	}
	if len(plan.Shortfalls) > 0 {
		plan.Rows = nil
	}
	return plan
}
