// Package format renders canonical query results as text for model and
// terminal consumption.
package format

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"

	"github.com/querygate/querygate/internal/executor"
)

const maxValueLength = 100

// Compact renders a result in a pipe-delimited text format to keep model
// context small. Values longer than maxValueLength are truncated with an
// ellipsis.
func Compact(result *executor.Result) string {
	if result.RowCount == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	names := make([]string, len(result.Columns))
	for i, c := range result.Columns {
		names[i] = c.Name
	}
	sb.WriteString(fmt.Sprintf("Columns: %s\n", strings.Join(names, ", ")))

	suffix := ""
	if result.Truncated {
		suffix = ", truncated"
	}
	sb.WriteString(fmt.Sprintf("Rows (%d%s):\n", result.RowCount, suffix))

	for _, row := range result.Rows {
		values := make([]string, len(row))
		for i, v := range row {
			values[i] = cell(v)
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}
	return sb.String()
}

// Table renders a result as a bordered ASCII table.
func Table(w io.Writer, result *executor.Result) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)

	headers := make([]string, len(result.Columns))
	for i, c := range result.Columns {
		headers[i] = c.Name
	}
	table.SetHeader(headers)

	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = cell(v)
		}
		table.Append(cells)
	}
	table.Render()

	if result.Truncated {
		fmt.Fprintf(w, "(%d rows, truncated)\n", result.RowCount)
	} else {
		fmt.Fprintf(w, "(%d rows)\n", result.RowCount)
	}
}

func cell(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		s = x.Format(time.RFC3339)
	default:
		s = fmt.Sprintf("%v", x)
	}
	if len(s) > maxValueLength {
		// Back up to a rune boundary so a multi-byte value never yields
		// invalid UTF-8.
		cut := maxValueLength - 3
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
