package grundner

import (
	"fmt"
	"strings"
)

// Wire format shared by both exchanges: semicolon-delimited fields with a
// trailing delimiter, one record per line, CRLF-terminated.

// OrderRow is one line of the material-order request (order_saw.csv).
type OrderRow struct {
	NCFile   string
	Material string
	Qty      int
}

func (r OrderRow) encode() string {
	return fmt.Sprintf("%s;%s;%d;", r.NCFile, r.Material, r.Qty)
}

// EncodeOrderRows renders the canonical request body for a batch order.
func EncodeOrderRows(rows []OrderRow) string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, r.encode())
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

// DeleteRow is one line of the delete-confirmation request
// (get_production.csv).
type DeleteRow struct {
	NCFile   string
	Material string
	Qty      int
	Machine  int
}

func (r DeleteRow) encode() string {
	return fmt.Sprintf("%s;%s;%d;%d;", r.NCFile, r.Material, r.Qty, r.Machine)
}

// EncodeDeleteRows renders the canonical request body for an unlock batch.
func EncodeDeleteRows(rows []DeleteRow) string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, r.encode())
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

// Normalize collapses line-ending and trailing-whitespace differences before
// the byte-exact reply comparison: CRLF becomes LF, each line loses trailing
// spaces/tabs, and trailing blank lines are dropped. Content echo after this
// normalization is the controller's acknowledgment.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimRight(ln, " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
