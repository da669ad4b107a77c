package decoder

import (
	"fmt"
	"strings"

	"github.com/dhcgn/mailsheet/filter"
	"github.com/dhcgn/mailsheet/model"
)

// Version is stamped into published metadata so consumers can tell which
// decoding rules produced a dataset.
const Version = "1.0.0"

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatXLS  Format = "xls"
)

// FormatOf picks the decoding path from the filename extension.
func FormatOf(filename string) (Format, error) {
	switch ext := filter.Extension(filename); ext {
	case "csv":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	case "xls":
		return FormatXLS, nil
	default:
		if ext == "" {
			return "", fmt.Errorf("%w: %q has no extension", model.ErrUnsupportedFormat, filename)
		}
		return "", fmt.Errorf("%w: .%s", model.ErrUnsupportedFormat, ext)
	}
}

// Decode converts an attachment into a Dataset. A failure never yields a
// partially filled dataset.
func Decode(att *model.RawAttachment) (ds *model.Dataset, err error) {
	if att == nil {
		return nil, fmt.Errorf("%w: no attachment", model.ErrUnsupportedFormat)
	}
	format, err := FormatOf(att.Filename)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			ds = nil
			err = fmt.Errorf("%w: %s parser panic: %v", model.ErrMalformedContent, format, rec)
		}
	}()

	switch format {
	case FormatCSV:
		ds, err = decodeCSV(att.Content)
	case FormatXLSX:
		ds, err = decodeXLSX(att.Content)
	case FormatXLS:
		ds, err = decodeXLS(att.Content)
	}
	if err != nil {
		return nil, err
	}
	ds.SourceFilename = att.Filename
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedContent, err)
	}
	return ds, nil
}

func malformed(format Format, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrMalformedContent, format, err)
}

// table accumulates a header row followed by data rows. For spreadsheets,
// offset is the index of the first populated header cell; cells left of it
// are not part of the table.
type table struct {
	ds     *model.Dataset
	offset int
}

func newTable() *table {
	return &table{ds: &model.Dataset{Columns: []string{}, Rows: []model.Row{}}}
}

func (t *table) hasHeader() bool { return len(t.ds.Columns) > 0 }

func (t *table) setHeader(columns []string) {
	t.ds.Columns = columns
}

// setSheetHeader names header cells from the first populated one on, filling
// interior blanks with the spreadsheet column letter so every column stays
// addressable.
func (t *table) setSheetHeader(cells []string, columnName func(int) string) {
	t.offset = 0
	for t.offset < len(cells) && strings.TrimSpace(cells[t.offset]) == "" {
		t.offset++
	}
	columns := make([]string, 0, len(cells)-t.offset)
	for i := t.offset; i < len(cells); i++ {
		c := strings.TrimSpace(cells[i])
		if c == "" {
			c = columnName(i + 1)
		}
		columns = append(columns, c)
	}
	t.ds.Columns = columns
}

// sheetCells returns the cells of a data row that fall under the header.
func (t *table) sheetCells(cells []string) []string {
	if len(cells) <= t.offset {
		return nil
	}
	cells = cells[t.offset:]
	return cells[:min(len(cells), len(t.ds.Columns))]
}

func (t *table) addRow(values []model.Value) {
	t.ds.Rows = append(t.ds.Rows, model.NewRow(t.ds.Columns, values))
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
