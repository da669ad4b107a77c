package tableview

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailsheet/model"
)

const NoData = "no data"

type Options struct {
	// Limit caps the rendered rows; zero or less renders all of them.
	Limit int
	// Styled keeps pterm's terminal colors. HTTP responses use plain text.
	Styled bool
}

// Render draws ds as an aligned table with a summary footer.
func Render(ds *model.Dataset, opts Options) (string, error) {
	if ds == nil || ds.ColumnCount() == 0 {
		return NoData + "\n", nil
	}

	rows := ds.Rows
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}

	data := make(pterm.TableData, 0, len(rows)+1)
	data = append(data, cleanAll(ds.Columns))
	for _, row := range rows {
		line := make([]string, len(ds.Columns))
		for i, col := range ds.Columns {
			line[i] = clean(row[col].Text())
		}
		data = append(data, line)
	}

	table := pterm.DefaultTable.WithHasHeader().WithData(data)
	if !opts.Styled {
		plain := pterm.NewStyle()
		table = table.
			WithStyle(plain).
			WithHeaderStyle(plain).
			WithSeparatorStyle(plain).
			WithHeaderRowSeparatorStyle(plain).
			WithRowSeparatorStyle(plain)
	}

	out, err := table.Srender()
	if err != nil {
		return "", fmt.Errorf("render table: %w", err)
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(out, "\n"))
	b.WriteString("\n")
	b.WriteString(Footer(ds, len(rows)))
	b.WriteString("\n")
	return b.String(), nil
}

// Footer summarizes what was shown.
func Footer(ds *model.Dataset, shown int) string {
	footer := fmt.Sprintf("%s: %d rows x %d columns", ds.SourceFilename, ds.RowCount(), ds.ColumnCount())
	if shown < ds.RowCount() {
		footer += fmt.Sprintf(" (showing first %d)", shown)
	}
	return footer
}

func cleanAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = clean(v)
	}
	return out
}

func clean(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ").Replace(s)
}
