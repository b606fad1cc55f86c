package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// Row status values.
const (
	StatusError = "error"
	StatusWarn  = "warn"
)

// Report is the display form of an AggregateMetadata.
type Report struct {
	Summary     Summary           `json:"summary"`
	Connections []ConnectionTable `json:"connections"`
}

// Summary holds the headline statistics for a capture.
type Summary struct {
	ConnectionCount int           `json:"connection_count"`
	OperationCount  int           `json:"operation_count"`
	ExecutionTime   time.Duration `json:"execution_time_ns"`
}

// ConnectionTable lists the operations of one connection.
type ConnectionTable struct {
	Connection string         `json:"connection"`
	Operations []OperationRow `json:"operations"`
}

// OperationRow is one display row.
type OperationRow struct {
	Ordinal  int           `json:"ordinal"`
	Type     string        `json:"type"`
	Keys     string        `json:"keys"`
	Found    string        `json:"found"`
	Duration time.Duration `json:"duration_ns"`
	Offset   time.Duration `json:"offset_ns"`
	Async    bool          `json:"async"`
	Errors   []ErrorRow    `json:"errors,omitempty"`
	Status   string        `json:"status,omitempty"`
}

// ErrorRow pairs an error name with its stack text.
type ErrorRow struct {
	Error string `json:"error"`
	Stack string `json:"stack,omitempty"`
}

// BuildReport shapes an aggregate for display. It reports false when there is
// nothing to display.
func BuildReport(m *AggregateMetadata) (*Report, bool) {
	if m == nil {
		return nil, false
	}
	report := &Report{}
	for _, conn := range m.OrderedConnections() {
		if len(conn.Operations) == 0 {
			continue
		}
		table := ConnectionTable{Connection: conn.ID}
		for i, op := range conn.Ordered() {
			table.Operations = append(table.Operations, operationRow(i+1, op))
		}
		report.Connections = append(report.Connections, table)
	}
	if len(report.Connections) == 0 {
		return nil, false
	}
	report.Summary = Summary{
		ConnectionCount: len(m.Connections),
		OperationCount:  len(m.Operations),
		ExecutionTime:   m.TotalDuration(),
	}
	return report, true
}

func operationRow(ordinal int, op *OperationMetadata) OperationRow {
	row := OperationRow{
		Ordinal:  ordinal,
		Type:     op.Type,
		Keys:     strings.Join(op.Keys, "\n"),
		Found:    joinFound(op.KeysFound),
		Duration: op.Duration,
		Offset:   op.Offset,
		Async:    op.IsAsync,
		Errors:   errorRows(op),
	}
	switch {
	case row.Errors != nil:
		row.Status = StatusError
	case op.IsDuplicate:
		row.Status = StatusWarn
	}
	return row
}

func joinFound(found []bool) string {
	parts := make([]string, len(found))
	for i, f := range found {
		if f {
			parts[i] = "True"
		} else {
			parts[i] = "False"
		}
	}
	return strings.Join(parts, "\n")
}

func errorRows(op *OperationMetadata) []ErrorRow {
	if !op.Failed() {
		return nil
	}
	rows := make([]ErrorRow, 0, len(op.Messages)+len(op.Faults))
	for _, msg := range op.Messages {
		rows = append(rows, ErrorRow{Error: msg})
	}
	for _, f := range op.Faults {
		rows = append(rows, ErrorRow{Error: faultName(f.Err), Stack: f.Stack})
	}
	return rows
}

// faultName renders "outer: root" for wrapped errors and the plain message
// otherwise.
func faultName(err error) string {
	if err == nil {
		return "<nil>"
	}
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	if root == err {
		return err.Error()
	}
	return err.Error() + ": " + root.Error()
}

// RenderText writes the report as aligned plain-text tables.
func RenderText(w io.Writer, r *Report) error {
	if r == nil {
		_, err := fmt.Fprintln(w, "nothing to display")
		return err
	}
	fmt.Fprintf(w, "Connections: %d  Operations: %d  Total execution time: %s\n",
		r.Summary.ConnectionCount, r.Summary.OperationCount, formatMillis(r.Summary.ExecutionTime))
	for _, table := range r.Connections {
		fmt.Fprintf(w, "\n[%s]\n", table.Connection)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tType\tKeys\tFound\tDuration\tOffset\tAsync\tStatus")
		for _, row := range table.Operations {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\tT+ %s\t%s\t%s\n",
				row.Ordinal, row.Type, inline(row.Keys), inline(row.Found),
				formatMillis(row.Duration), formatMillis(row.Offset), strconv.FormatBool(row.Async), row.Status)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, row := range table.Operations {
			for _, e := range row.Errors {
				fmt.Fprintf(w, "  #%d error: %s\n", row.Ordinal, e.Error)
				if e.Stack != "" {
					for _, line := range strings.Split(strings.TrimRight(e.Stack, "\n"), "\n") {
						fmt.Fprintf(w, "      %s\n", line)
					}
				}
			}
		}
	}
	return nil
}

func inline(s string) string {
	return strings.ReplaceAll(s, "\n", ",")
}

func formatMillis(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 2, 64) + " ms"
}
